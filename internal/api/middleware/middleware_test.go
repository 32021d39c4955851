package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"webhookd/internal/platform/auth"
	"webhookd/internal/platform/config"
)

func TestRateLimiter_Allow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(2, clock)

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("Expected first two requests to pass")
	}
	if rl.Allow("a") {
		t.Fatal("Expected third request to be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("Keys must not share buckets")
	}

	clock.Advance(30 * time.Second)
	if !rl.Allow("a") {
		t.Fatal("Expected a token after refill")
	}

	clock.Advance(time.Hour)
	rl.Cleanup(10 * time.Minute)
	count := 0
	rl.store.Range(func(_, _ interface{}) bool { count++; return true })
	if count != 0 {
		t.Errorf("Expected idle buckets to be evicted, %d left", count)
	}
}

func TestRateLimiter_Handle(t *testing.T) {
	rl := NewRateLimiter(1, clockwork.NewFakeClock())
	h := rl.Handle(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/github", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h(rec, req)
		if rec.Code != want {
			t.Errorf("Request %d: expected %d, got %d", i, want, rec.Code)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	svc := auth.NewTokenService(config.JWTConfig{Secret: "s", AccessTokenTTL: time.Minute})
	token, _ := svc.GenerateAccessToken("user1", "")
	m := NewAuthMiddleware(svc)

	var seen string
	h := m.Handle(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFrom(r.Context()).UserID
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "Missing", header: "", want: http.StatusUnauthorized},
		{name: "Wrong Scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "Bad Token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "Valid", header: "Bearer " + token, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h(rec, req)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
		})
	}

	if seen != "user1" {
		t.Errorf("Expected claims in context, got %q", seen)
	}
}
