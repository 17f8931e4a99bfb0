package api

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/redis"
)

func newTestLimiter(t *testing.T, limit int) *redis.RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)

	host, portStr, _ := net.SplitHostPort(mr.Addr())
	port, _ := strconv.Atoi(portStr)

	client, err := redis.New(context.Background(), redis.Config{Host: host, Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{Limit: limit, Window: time.Minute})
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		expected   string
	}{
		{"host and port", "5.6.7.8:1234", "ip:5.6.7.8"},
		{"ipv6", "[2001:db8::1]:443", "ip:2001:db8::1"},
		{"bare ip from RealIP", "1.2.3.4", "ip:1.2.3.4"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/webhooks/zoom", nil)
			req.RemoteAddr = tt.remoteAddr

			if result := IPKeyFunc(req); result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestRateLimitMiddleware_NoLimiter(t *testing.T) {
	wrapped := RateLimitMiddleware(nil, 0, zap.NewNop(), IPKeyFunc)(okHandler())

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("POST", "/webhooks/zoom", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_RejectsOverLimit(t *testing.T) {
	limiter := newTestLimiter(t, 2)
	wrapped := RateLimitMiddleware(limiter, 2, zap.NewNop(), IPKeyFunc)(okHandler())

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/webhooks/zoom", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := send("10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := send("10.0.0.1:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/problem+json" {
		t.Errorf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	if ra, _ := strconv.Atoi(rec.Header().Get("Retry-After")); ra < 1 || ra > 60 {
		t.Errorf("unexpected Retry-After %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("unexpected limit header %q", rec.Header().Get("X-RateLimit-Limit"))
	}

	if rec := send("10.0.0.2:5000"); rec.Code != http.StatusOK {
		t.Errorf("other client should not be limited, got %d", rec.Code)
	}
}
