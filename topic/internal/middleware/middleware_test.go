package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientLimiterBurstThenRefill(t *testing.T) {
	l := NewClientLimiter(100, 2, time.Minute)

	if !l.Allow("1.2.3.4") {
		t.Fatalf("first request should pass")
	}
	if !l.Allow("1.2.3.4") {
		t.Fatalf("second request within burst should pass")
	}
	if l.Allow("1.2.3.4") {
		t.Fatalf("third request should be limited")
	}
	if !l.Allow("5.6.7.8") {
		t.Fatalf("other clients should not be limited")
	}

	time.Sleep(20 * time.Millisecond)
	if !l.Allow("1.2.3.4") {
		t.Fatalf("request after refill should pass")
	}
}

func TestRateLimitRejectsWith429(t *testing.T) {
	mw := RateLimit{Limiter: NewClientLimiter(0.001, 1, time.Minute)}
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/topics", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	h.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
}

func TestRateLimitSkip(t *testing.T) {
	mw := RateLimit{
		Limiter: NewClientLimiter(0.001, 1, time.Minute),
		Skip:    func(r *http.Request) bool { return r.URL.Path == "/healthz" },
	}
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz should never be limited, got %d", rec.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	mw := CORS{
		AllowedOrigins: []string{"https://studio.example.com"},
		MaxAge:         10 * time.Minute,
	}
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("preflight must not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/topics", nil)
	req.Header.Set("Origin", "https://studio.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://studio.example.com" {
		t.Fatalf("unexpected allow origin: %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Fatalf("unexpected max age: %q", got)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	mw := CORS{AllowedOrigins: []string{"https://studio.example.com"}}
	handled := false
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handled = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/topics", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !handled {
		t.Fatalf("non-preflight requests still reach the handler")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unknown origin must not be allowed, got %q", got)
	}
}
