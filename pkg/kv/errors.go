package kv

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrSerialization is returned when a value cannot be converted to or
	// from its JSON wire form.
	ErrSerialization = errors.New("serialization")

	// ErrBackendInit is returned when a backend fails to prepare its storage.
	ErrBackendInit = errors.New("backend init")

	// ErrBackendIO is returned when a backend operation fails.
	ErrBackendIO = errors.New("backend i/o")

	// ErrNotInitialized is returned when an operation runs before Initialize.
	ErrNotInitialized = errors.New("not initialized")

	// ErrInvalidConfig is returned for unusable builder options.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrBackendUnavailable is returned when the backend storage is unreachable.
	// It is always reported together with ErrBackendIO or ErrBackendInit.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Error wraps a backend or codec failure with the operation that produced it.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "kv: " + e.Op + ": " + e.Kind.Error()
	}
	return fmt.Sprintf("kv: %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// IOError classifies err as an operation-level backend failure.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return newError(op, ErrBackendIO, err)
}

// InitError classifies err as a storage preparation failure.
func InitError(op string, err error) error {
	if err == nil {
		return nil
	}
	return newError(op, ErrBackendInit, err)
}

// SerializationError classifies err as a codec failure.
func SerializationError(op string, err error) error {
	if err == nil {
		return nil
	}
	return newError(op, ErrSerialization, err)
}

// ConfigError classifies err as an invalid configuration.
func ConfigError(op string, err error) error {
	if err == nil {
		return nil
	}
	return newError(op, ErrInvalidConfig, err)
}

// NotInitializedError reports op being attempted on an unprepared backend.
func NotInitializedError(op string) error {
	return newError(op, ErrNotInitialized, nil)
}

// UnavailableError marks err as a connectivity failure of kind.
func UnavailableError(op string, kind, err error) error {
	return newError(op, kind, fmt.Errorf("%w: %v", ErrBackendUnavailable, err))
}

// Namespaces are lowercase because SQLite table names and some filesystems
// fold case, which would merge namespaces that differ only by case.
var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// reservedPrefix names tables SQLite keeps for itself.
const reservedPrefix = "sqlite_"

// ValidateNamespace checks that ns can be used verbatim as a SQL table name,
// a directory name or a key prefix.
func ValidateNamespace(ns string) error {
	if !identifierRe.MatchString(ns) {
		return ConfigError("namespace", fmt.Errorf("%q must match %s", ns, identifierRe.String()))
	}
	if strings.HasPrefix(ns, reservedPrefix) {
		return ConfigError("namespace", fmt.Errorf("%q uses the reserved prefix %q", ns, reservedPrefix))
	}
	return nil
}
