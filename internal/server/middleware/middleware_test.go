package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestAuth(t *testing.T) {
	h := Auth("s3cret", "/api/health")(okHandler)

	check.Equal(t, http.StatusUnauthorized, serve(h, httptest.NewRequest(http.MethodGet, "/api/auctions/a1", nil)).Code)
	check.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil)).Code)

	r := httptest.NewRequest(http.MethodGet, "/api/auctions/a1", nil)
	r.Header.Set("Authorization", "Bearer s3cret")
	check.Equal(t, http.StatusOK, serve(h, r).Code)

	r = httptest.NewRequest(http.MethodGet, "/api/auctions/a1", nil)
	r.Header.Set("X-API-Key", "wrong")
	check.Equal(t, http.StatusUnauthorized, serve(h, r).Code)

	check.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/ws?api_key=s3cret", nil)).Code)
	check.Equal(t, http.StatusUnauthorized, serve(h, httptest.NewRequest(http.MethodGet, "/api/status?api_key=s3cret", nil)).Code)

	check.Equal(t, http.StatusOK, serve(Auth("")(okHandler), httptest.NewRequest(http.MethodPost, "/api/auctions", nil)).Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://bids.example.com"})(okHandler)

	r := httptest.NewRequest(http.MethodOptions, "/api/auctions", nil)
	r.Header.Set("Origin", "https://bids.example.com")
	rec := serve(h, r)
	check.Equal(t, http.StatusNoContent, rec.Code)
	check.Equal(t, "https://bids.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodGet, "/api/auctions", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	rec = serve(h, r)
	check.Equal(t, http.StatusOK, rec.Code)
	check.Equal(t, "", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDAndLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
		http.Error(w, "nope", http.StatusNotFound)
	})
	h := RequestID(Logging(logger)(inner))

	r := httptest.NewRequest(http.MethodGet, "/api/auctions/x", nil)
	r.Header.Set(RequestIDHeader, "req-1")
	rec := serve(h, r)
	check.Equal(t, "req-1", seen)
	check.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))
	check.True(t, strings.Contains(buf.String(), `"level":"WARN"`))
	check.True(t, strings.Contains(buf.String(), `"status":404`))
	check.True(t, strings.Contains(buf.String(), `"request_id":"req-1"`))

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/auctions/x", nil))
	check.NotEqual(t, "", rec.Header().Get(RequestIDHeader))
}

type countingLimiter struct {
	allowed int
	err     error
	keys    []string
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return false, l.err
	}
	l.allowed++
	return l.allowed <= limit, nil
}

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := &countingLimiter{}
	h := RateLimit(limiter, 1, 10*time.Second, logger)(okHandler)

	post := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/auctions/a1/bids", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		return serve(h, r)
	}
	check.Equal(t, http.StatusOK, post().Code)
	rec := post()
	check.Equal(t, http.StatusTooManyRequests, rec.Code)
	check.Equal(t, "10", rec.Header().Get("Retry-After"))
	check.Equal(t, "api:203.0.113.7", limiter.keys[0])

	check.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/api/auctions/a1", nil)).Code)
	check.Equal(t, 2, len(limiter.keys))

	broken := RateLimit(&countingLimiter{err: errors.New("redis down")}, 1, time.Second, logger)(okHandler)
	check.Equal(t, http.StatusOK, serve(broken, httptest.NewRequest(http.MethodPost, "/api/auctions", nil)).Code)
}
