// Package response writes the JSON envelopes every handler returns.
package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"clausebase/pkg/logger"

	"github.com/google/uuid"
)

// Error carries an HTTP status and a stable machine-readable code.
type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func Wrap(err error, status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message, Err: err}
}

type mapping struct {
	target error
	status int
	code   string
}

var (
	mu       sync.RWMutex
	mappings []mapping
)

// Register maps a sentinel error (matched with errors.Is) onto a status and code.
// Earlier registrations win.
func Register(target error, status int, code string) {
	mu.Lock()
	defer mu.Unlock()
	mappings = append(mappings, mapping{target: target, status: status, code: code})
}

func NewRequestID() string { return "req_" + uuid.NewString() }

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// Fail resolves err to a status and code and writes the error envelope.
// Unmapped errors are logged and reported as 500 without their details.
func Fail(w http.ResponseWriter, err error) {
	var appErr *Error
	if errors.As(err, &appErr) {
		WriteError(w, appErr.Status, appErr.Code, appErr.Error())
		return
	}

	mu.RLock()
	defer mu.RUnlock()
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			WriteError(w, m.status, m.code, err.Error())
			return
		}
	}
	logger.Sugar.Errorf("Unhandled error: %v", err)
	WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
}
