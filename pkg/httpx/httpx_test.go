package httpx

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteUnauthorizedLoginURL(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteUnauthorized(rec, "credentials required", "/p/abc123")
	if rec.Code != 401 {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body struct {
		Error struct {
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if got := body.Error.Details["login_url"]; got != "/login?next=%2Fp%2Fabc123" {
		t.Fatalf("unexpected login_url: %q", got)
	}
}

func TestReadJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/x", strings.NewReader(`{"name":"a","bogus":1}`))
	rec := httptest.NewRecorder()
	var dst struct {
		Name string `json:"name"`
	}
	if err := ReadJSON(rec, req, &dst); err == nil {
		t.Fatal("expected unknown-field error")
	}
}
