package api

import (
	"encoding/json"
	"time"

	"github.com/leafsii/stash/pkg/kv"
)

type EntryDTO struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

func entryDTO(e kv.Entry) EntryDTO {
	return EntryDTO{Key: e.Key, Value: e.Value, ExpiresAt: e.ExpiresAt}
}

type ValueDTO struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type SetResponse struct {
	Key      string    `json:"key"`
	Replaced bool      `json:"replaced"`
	Previous *EntryDTO `json:"previous,omitempty"`
}

type ListResponse struct {
	Entries []EntryDTO `json:"entries"`
	Count   int        `json:"count"`
}

type RemoveRequest struct {
	Keys []string `json:"keys"`
}

// RemoveResponse echoes how many keys were asked for. Keys that were already
// absent are counted too.
type RemoveResponse struct {
	Requested int `json:"requested"`
}

type HealthDTO struct {
	Status  string   `json:"status"`
	Reasons []string `json:"reasons,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
