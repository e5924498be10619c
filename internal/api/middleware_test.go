package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"luau-runner/internal/config"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		keys       []string
		header     string
		bearer     string
		wantStatus int
	}{
		{"no keys is public", nil, "", "", http.StatusOK},
		{"empty key entries ignored", []string{""}, "", "", http.StatusOK},
		{"valid key", []string{"good-key"}, "good-key", "", http.StatusOK},
		{"valid bearer", []string{"good-key"}, "", "good-key", http.StatusOK},
		{"invalid key", []string{"good-key"}, "bad-key", "", http.StatusUnauthorized},
		{"missing key", []string{"good-key"}, "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AuthMiddleware("X-API-Key", tt.keys)(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			if tt.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestSessionMiddleware(t *testing.T) {
	cfg := config.DefaultConfig().Sessions

	var got string
	handler := SessionMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = SessionIDFromContext(r.Context())
	}))

	t.Run("issues a cookie when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		if got == "" {
			t.Fatal("no session assigned")
		}
		cookies := rec.Result().Cookies()
		if len(cookies) != 1 || cookies[0].Name != cfg.Cookie || cookies[0].Value != got {
			t.Errorf("cookies = %v, want %s=%s", cookies, cfg.Cookie, got)
		}
		if rec.Header().Get(cfg.Header) != got {
			t.Errorf("%s header = %q, want %q", cfg.Header, rec.Header().Get(cfg.Header), got)
		}
	})

	t.Run("header wins", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(cfg.Header, "from-header")
		req.AddCookie(&http.Cookie{Name: cfg.Cookie, Value: "from-cookie"})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got != "from-header" {
			t.Errorf("session = %q, want from-header", got)
		}
		if len(rec.Result().Cookies()) != 0 {
			t.Error("a known session must not be re-issued")
		}
	})

	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: cfg.Cookie, Value: "from-cookie"})
		handler.ServeHTTP(httptest.NewRecorder(), req)

		if got != "from-cookie" {
			t.Errorf("session = %q, want from-cookie", got)
		}
	})

	t.Run("malformed id replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(cfg.Header, "../../etc/passwd")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		if got == "../../etc/passwd" || got == "" {
			t.Errorf("session = %q, want a fresh id", got)
		}
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimitMiddleware(ctx, 0.001, 2)(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = fmt.Sprintf("10.0.0.1:%d", 40000+i)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	// Different source ports share one bucket.
	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d: status %d, want %d", i, codes[i], want[i])
		}
	}
}

func TestRateLimiter_RefillAndForget(t *testing.T) {
	now := time.Unix(1000, 0)
	l := newRateLimiter(1, 1)
	l.now = func() time.Time { return now }

	if !l.allow("a") {
		t.Fatal("first request should pass")
	}
	if l.allow("a") {
		t.Fatal("bucket should be empty")
	}
	if !l.allow("b") {
		t.Fatal("clients have separate buckets")
	}

	now = now.Add(1500 * time.Millisecond)
	if !l.allow("a") {
		t.Error("bucket should refill at rps")
	}

	now = now.Add(10 * time.Minute)
	if n := l.forget(5 * time.Minute); n != 2 {
		t.Errorf("forget() = %d, want 2", n)
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	handler := RateLimitMiddleware(context.Background(), 0, 0)(okHandler)
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeadersMiddleware(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("missing %s", h)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", rec.Code)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var got string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got != "abc" || rec.Header().Get("X-Request-ID") != "abc" {
		t.Errorf("request id = %q, header = %q", got, rec.Header().Get("X-Request-ID"))
	}
}

func TestServer_AuthProtectsAPIOnly(t *testing.T) {
	ts := newTestServer(t, embeddedProvider(t), func(c *config.Config) {
		c.Security.AllowedKeys = []string{"secret"}
	})

	if rec := ts.do(t, http.MethodGet, "/api/history", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("/api/history without key: %d, want 401", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("/health: %d, want 200", rec.Code)
	}
}

func TestServer_SessionsAreReused(t *testing.T) {
	ts := newTestServer(t, embeddedProvider(t))

	first := ts.do(t, http.MethodPost, "/api/run", "", RunRequest{Code: `counter = 1`})
	cookies := first.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %v, want one session cookie", cookies)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/run", jsonBody(t, RunRequest{Code: `print(counter)`}))
	req.AddCookie(cookies[0])
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)

	// Embedded sessions keep their runtime state between runs.
	if resp := decode[RunResponse](t, rec); resp.Output != "1" {
		t.Errorf("output = %q, want 1", resp.Output)
	}
	if n := ts.sessions.Len(); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
}

func TestServer_ShutdownStopsBackground(t *testing.T) {
	ts := newTestServer(t, embeddedProvider(t))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ts.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
