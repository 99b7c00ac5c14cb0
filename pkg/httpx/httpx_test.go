package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeadersMiddleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rr.Header().Get(header); got != want {
			t.Fatalf("%s: got %q want %q", header, got, want)
		}
	}
}

func TestCORSAllowedOrigin(t *testing.T) {
	mw := CORSMiddleware("https://app.example.com")
	req := httptest.NewRequest(http.MethodPost, "/v1/process", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow-origin: %q", got)
	}
}

func TestCORSUnknownOriginGetsNoGrant(t *testing.T) {
	mw := CORSMiddleware("https://app.example.com")
	req := httptest.NewRequest(http.MethodPost, "/v1/process", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("grant issued to unknown origin: %q", got)
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("plain request blocked: %d", rr.Code)
	}
}

func TestCORSPreflightRefusedForUnknownOrigin(t *testing.T) {
	mw := CORSMiddleware("https://app.example.com")
	req := httptest.NewRequest(http.MethodOptions, "/v1/process", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestCORSWildcardIgnored(t *testing.T) {
	mw := CORSMiddleware("*")
	req := httptest.NewRequest(http.MethodPost, "/v1/process", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	rr := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("wildcard produced a grant: %q", got)
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[string]int{
		"auth_failed":       http.StatusUnauthorized,
		"validation_failed": http.StatusUnprocessableEntity,
		"crypto_failed":     http.StatusInternalServerError,
		"resource_exceeded": http.StatusTooManyRequests,
		"internal_error":    http.StatusInternalServerError,
		"anything_else":     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := StatusForKind(kind); got != want {
			t.Fatalf("%s: got %d want %d", kind, got, want)
		}
	}
}
