package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/alanyoungcy/auctionengine/internal/auction"
	"github.com/alanyoungcy/auctionengine/internal/domain"
	"github.com/alanyoungcy/auctionengine/internal/server/handler"
	"github.com/alanyoungcy/auctionengine/internal/service"
	"github.com/alanyoungcy/auctionengine/internal/store/memory"
)

type discardSink struct{}

func (discardSink) Dispatch(domain.AuctionEvent) {}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	clock := auction.NewClock(func() time.Time { return time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC) })
	ledger := auction.NewLedger(store, discardSink{}, clock, auction.LedgerConfig{}, logger)
	lifecycle := auction.NewLifecycle(ledger, store, clock, auction.LifecycleConfig{}, logger)
	svc := service.NewAuctionService(ledger, lifecycle, store, store, store, clock, auction.NewIDs(), nil, logger)

	h := newHandler(Config{APIKey: "k"}, Handlers{
		Health:   handler.NewHealthHandler(map[string]handler.Check{"store": func(context.Context) error { return nil }}, logger),
		Status:   handler.NewStatusHandler("api", time.Now(), ledger, nil),
		Auctions: handler.NewAuctionHandler(svc, logger),
		Bids:     handler.NewBidHandler(svc, logger),
		Watches:  handler.NewWatchHandler(svc, logger),
	}, nil, logger)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, method, url, body string, auth bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	assert.NoError(t, err)
	if auth {
		req.Header.Set("X-API-Key", "k")
	}
	resp, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRoutesAndAuth(t *testing.T) {
	srv := newTestServer(t)

	resp := call(t, http.MethodGet, srv.URL+"/api/health", "", false)
	check.Equal(t, http.StatusOK, resp.StatusCode)
	check.NotEqual(t, "", resp.Header.Get("X-Request-Id"))

	check.Equal(t, http.StatusUnauthorized, call(t, http.MethodGet, srv.URL+"/api/status", "", false).StatusCode)
	check.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/api/status", "", true).StatusCode)

	resp = call(t, http.MethodPost, srv.URL+"/api/auctions",
		`{"item_id":"clock","seller_id":"sam","starting_price":"5","end_time":"2026-07-01T10:00:00Z"}`, true)
	check.Equal(t, http.StatusCreated, resp.StatusCode)

	check.Equal(t, http.StatusMethodNotAllowed, call(t, http.MethodPatch, srv.URL+"/api/auctions/x", "", true).StatusCode)
	check.Equal(t, http.StatusNotFound, call(t, http.MethodGet, srv.URL+"/ws", "", true).StatusCode)
}
