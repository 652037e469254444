package testutil

import (
	"net/http"
	"testing"
)

func TestServeAndDecode(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.RemoteAddr != "127.0.0.1:43210" {
			http.Error(w, "not loopback", http.StatusForbidden)
			return
		}
		if r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "no json", http.StatusUnsupportedMediaType)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"method":"` + r.Method + `"}`))
	})

	rec := Serve(h, http.MethodPost, "/api", `{}`)
	AssertStatusCode(t, rec.Code, http.StatusOK)

	got := DecodeJSON[map[string]string](t, rec)
	if got["method"] != http.MethodPost {
		t.Errorf("method = %q, want POST", got["method"])
	}
}

func TestNewTestRequestWithoutBody(t *testing.T) {
	t.Parallel()

	req := NewTestRequest(http.MethodGet, "/debug/", "")
	if req.Header.Get("Content-Type") != "" {
		t.Error("bodyless request should not set a content type")
	}
	if req.URL.Path != "/debug/" {
		t.Errorf("path = %q", req.URL.Path)
	}
}
