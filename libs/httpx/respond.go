package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/md-rashed-zaman/tenancy/libs/aggregate"
	"github.com/md-rashed-zaman/tenancy/libs/ident"
	"github.com/md-rashed-zaman/tenancy/libs/repository"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// StatusFor maps persistence errors onto client-facing categories. Version
// conflicts are the only retryable class.
func StatusFor(err error) int {
	switch {
	case aggregate.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ident.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func WriteError(w http.ResponseWriter, err error) {
	WriteErrorStatus(w, StatusFor(err), err)
}

// WriteErrorStatus writes err with an explicit status. Server errors carry
// only the status text.
func WriteErrorStatus(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: http.StatusText(status), Retryable: status == http.StatusConflict && aggregate.IsConflict(err)}
	if status < http.StatusInternalServerError {
		body.Error = err.Error()
	}
	WriteJSON(w, status, body)
}
