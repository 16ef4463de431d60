package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// Request bodies beyond this are rejected before decoding.
const maxBodyBytes = 1 << 20 // 1MB

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return err
	}
	return nil
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	if status >= 500 {
		slog.Error("request failed", "status", status, "code", code, "message", message)
	}
	WriteJSON(w, status, map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	})
}

// WriteUnauthorized is the no-credential response: clients use login_url to
// bounce to the login screen with a return path.
func WriteUnauthorized(w http.ResponseWriter, message, nextPath string) {
	var details any
	if nextPath != "" {
		details = map[string]any{"login_url": "/login?next=" + url.QueryEscape(nextPath)}
	}
	WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", message, details)
}
