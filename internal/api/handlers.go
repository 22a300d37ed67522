package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/leafsii/stash/internal/util"
	"github.com/leafsii/stash/pkg/kv"
	"github.com/leafsii/stash/pkg/stash"
)

const (
	// maxValueBytes bounds the body of a PUT request.
	maxValueBytes = 1 << 20
	readyTimeout  = 5 * time.Second
)

type Handler struct {
	stash  *stash.Stash
	logger *zap.SugaredLogger
	// Concurrent readiness probes share one backend ping
	pings util.Group[struct{}]
}

func NewHandler(s *stash.Stash, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		stash:  s,
		logger: logger,
	}
}

func keyParam(r *http.Request) (string, error) {
	return url.PathUnescape(chi.URLParam(r, "key"))
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.stash.List(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	dto := ListResponse{Entries: make([]EntryDTO, 0, len(entries)), Count: len(entries)}
	for _, e := range entries {
		dto.Entries = append(dto.Entries, entryDTO(e))
	}
	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_KEY", err.Error())
		return
	}

	value, ok, err := h.stash.Get(r.Context(), key)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "NOT_FOUND", "key not found")
		return
	}
	h.writeJSON(w, http.StatusOK, ValueDTO{Key: key, Value: value})
}

// PutEntry stores the request body as the value of key. The optional ttl query
// parameter is a whole number of seconds; without it the entry never expires.
func (h *Handler) PutEntry(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_KEY", err.Error())
		return
	}

	var ttl *uint64
	if r.URL.Query().Has("ttl") {
		seconds, err := strconv.ParseUint(r.URL.Query().Get("ttl"), 10, 64)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "INVALID_TTL", "ttl must be a non-negative integer number of seconds")
			return
		}
		ttl = &seconds
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, http.StatusRequestEntityTooLarge, "VALUE_TOO_LARGE", err.Error())
			return
		}
		h.writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	var prev *kv.Entry
	if ttl != nil {
		prev, err = h.stash.SetWithTTL(r.Context(), key, json.RawMessage(body), *ttl)
	} else {
		prev, err = h.stash.Set(r.Context(), key, json.RawMessage(body))
	}
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	resp := SetResponse{Key: key, Replaced: prev != nil}
	if prev != nil {
		dto := entryDTO(*prev)
		resp.Previous = &dto
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_KEY", err.Error())
		return
	}

	if err := h.stash.Remove(r.Context(), key); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RemoveEntries(w http.ResponseWriter, r *http.Request) {
	var req RemoveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxValueBytes)).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	if err := h.stash.RemoveMany(r.Context(), req.Keys...); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, RemoveResponse{Requested: len(req.Keys)})
}

func (h *Handler) ClearEntries(w http.ResponseWriter, r *http.Request) {
	if err := h.stash.Clear(r.Context()); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health endpoints
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	pinger, ok := h.stash.Store().(kv.Pinger)
	if !ok {
		h.writeJSON(w, http.StatusOK, HealthDTO{Status: "ready"})
		return
	}

	_, err, _ := h.pings.Do(r.Context(), "ping", func(ctx context.Context) (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, readyTimeout)
		defer cancel()
		return struct{}{}, pinger.Ping(ctx)
	})
	if err != nil {
		h.logger.Warnw("Readiness check failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, HealthDTO{
			Status:  "unavailable",
			Reasons: []string{err.Error()},
		})
		return
	}
	h.writeJSON(w, http.StatusOK, HealthDTO{Status: "ready"})
}

// statusFor maps a store error onto an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, kv.ErrSerialization):
		return http.StatusBadRequest, "SERIALIZATION_ERROR"
	case errors.Is(err, kv.ErrInvalidConfig):
		return http.StatusBadRequest, "INVALID_CONFIG"
	case errors.Is(err, kv.ErrNotInitialized):
		return http.StatusServiceUnavailable, "NOT_INITIALIZED"
	case errors.Is(err, kv.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "STORE_ERROR"
	}
}

// Utility methods
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	h.writeError(w, r, status, code, err.Error())
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	logFn := h.logger.Warnw
	if status >= http.StatusInternalServerError {
		logFn = h.logger.Errorw
	}
	logFn("API error",
		"request_id", middleware.GetReqID(r.Context()),
		"code", code,
		"message", message,
		"status", status,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}
