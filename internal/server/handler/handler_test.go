package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionengine/internal/auction"
	"github.com/alanyoungcy/auctionengine/internal/domain"
	"github.com/alanyoungcy/auctionengine/internal/service"
	"github.com/alanyoungcy/auctionengine/internal/store/memory"
)

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

type nopSink struct{}

func (nopSink) Dispatch(domain.AuctionEvent) {}

func newMux(t *testing.T) *http.ServeMux {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	clock := auction.NewClock(func() time.Time { return t0 })
	ledger := auction.NewLedger(store, nopSink{}, clock, auction.LedgerConfig{
		Increments: domain.FlatIncrement(decimal.NewFromInt(1)),
	}, logger)
	lifecycle := auction.NewLifecycle(ledger, store, clock, auction.LifecycleConfig{}, logger)
	svc := service.NewAuctionService(ledger, lifecycle, store, store, store, clock, auction.NewIDs(), nil, logger)

	auctions := NewAuctionHandler(svc, logger)
	bids := NewBidHandler(svc, logger)
	watches := NewWatchHandler(svc, logger)
	status := NewStatusHandler("api", t0, ledger, func() any { return map[string]int{"queued": 0} })
	health := NewHealthHandler(map[string]Check{"store": func(context.Context) error { return nil }}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", health.HealthCheck)
	mux.HandleFunc("GET /api/status", status.GetStatus)
	mux.HandleFunc("POST /api/auctions", auctions.CreateAuction)
	mux.HandleFunc("GET /api/auctions/{id}", auctions.GetAuction)
	mux.HandleFunc("POST /api/auctions/{id}/cancel", auctions.CancelAuction)
	mux.HandleFunc("GET /api/auctions/{id}/bids", auctions.ListBids)
	mux.HandleFunc("GET /api/auctions/{id}/events", auctions.ListEvents)
	mux.HandleFunc("POST /api/auctions/{id}/bids", bids.SubmitBid)
	mux.HandleFunc("PUT /api/auctions/{id}/watchers/{user}", watches.Watch)
	mux.HandleFunc("DELETE /api/auctions/{id}/watchers/{user}", watches.Unwatch)
	return mux
}

func do(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func createAuction(t *testing.T, mux http.Handler) domain.AuctionView {
	t.Helper()
	rec := do(t, mux, http.MethodPost, "/api/auctions", `{
		"item_id": "lamp",
		"seller_id": "sam",
		"starting_price": "10.00",
		"reserve_price": "20",
		"end_time": "2026-07-01T09:00:00Z",
		"anti_snipe_window": "2m",
		"extension_duration": 120
	}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	return decode[domain.AuctionView](t, rec)
}

func TestCreateAndGetAuction(t *testing.T) {
	mux := newMux(t)
	view := createAuction(t, mux)
	check.Equal(t, domain.AuctionActive, view.State)
	check.True(t, view.HasReserve)

	rec := do(t, mux, http.MethodGet, "/api/auctions/"+view.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	check.False(t, strings.Contains(rec.Body.String(), "reserve_price"))
	got := decode[domain.AuctionView](t, rec)
	check.Equal(t, view.ID, got.ID)

	rec = do(t, mux, http.MethodGet, "/api/auctions/missing", "")
	check.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAuctionBadInput(t *testing.T) {
	mux := newMux(t)
	rec := do(t, mux, http.MethodPost, "/api/auctions", `{"seller_id":"sam","item_id":"x","starting_price":"0","end_time":"2026-07-01T09:00:00Z"}`)
	check.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/auctions", `{"unknown":1}`)
	check.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/auctions", `{"seller_id":"sam","item_id":"x","starting_price":"5","end_time":"2026-07-01T09:00:00Z","anti_snipe_window":"soon"}`)
	check.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitBidVerdicts(t *testing.T) {
	mux := newMux(t)
	view := createAuction(t, mux)
	path := "/api/auctions/" + view.ID + "/bids"

	rec := do(t, mux, http.MethodPost, path, `{"bidder_id":"alice","amount":"10"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	res := decode[domain.BidResult](t, rec)
	check.True(t, res.Accepted)
	check.True(t, res.IsWinning)

	rec = do(t, mux, http.MethodPost, path, `{"bidder_id":"bob","amount":"10"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	res = decode[domain.BidResult](t, rec)
	check.False(t, res.Accepted)
	check.Equal(t, domain.RejectBidTooLow, res.Reason)
	assert.True(t, res.MinimumNextBid.Valid)
	check.True(t, res.MinimumNextBid.Decimal.Equal(decimal.NewFromInt(11)))

	rec = do(t, mux, http.MethodPost, path, `{"bidder_id":"bob","amount":"11","proxy_ceiling":"30"}`)
	res = decode[domain.BidResult](t, rec)
	check.True(t, res.Accepted)
	check.True(t, res.NewCurrentPrice.Equal(decimal.NewFromInt(11)))

	rec = do(t, mux, http.MethodPost, path, `{"amount":"10"}`)
	check.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/auctions/missing/bids", `{"bidder_id":"bob","amount":"10"}`)
	check.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, mux, http.MethodGet, path, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	check.False(t, strings.Contains(rec.Body.String(), "ceiling"))
	bids := decode[listBidsResponse](t, rec)
	check.Equal(t, 2, len(bids.Bids))

	rec = do(t, mux, http.MethodGet, "/api/auctions/"+view.ID+"/events?limit=10", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	events := decode[listEventsResponse](t, rec)
	check.True(t, len(events.Events) > 0)
}

func TestCancelAndWatchEndpoints(t *testing.T) {
	mux := newMux(t)
	view := createAuction(t, mux)
	base := "/api/auctions/" + view.ID

	check.Equal(t, http.StatusNoContent, do(t, mux, http.MethodPut, base+"/watchers/wendy", "").Code)
	check.Equal(t, http.StatusNoContent, do(t, mux, http.MethodDelete, base+"/watchers/wendy", "").Code)

	check.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodPost, base+"/cancel", `{}`).Code)

	rec := do(t, mux, http.MethodPost, base+"/cancel", `{"actor":"sam","reason":"damaged"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	check.Equal(t, domain.AuctionCancelled, decode[domain.AuctionView](t, rec).State)

	rec = do(t, mux, http.MethodPost, base+"/cancel", `{"actor":"sam"}`)
	check.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthAndStatus(t *testing.T) {
	mux := newMux(t)
	rec := do(t, mux, http.MethodGet, "/api/health", "")
	check.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, mux, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	check.Equal(t, "api", body["mode"])
	check.NotNil(t, body["dispatcher"])
}

func TestHealthDegraded(t *testing.T) {
	h := NewHealthHandler(map[string]Check{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	check.Equal(t, http.StatusServiceUnavailable, rec.Code)
	check.True(t, strings.Contains(rec.Body.String(), "connection refused"))
}

func TestWriteServiceErrorMapping(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cases := map[error]int{
		domain.ErrNotFound:          http.StatusNotFound,
		domain.ErrInvalidAuction:    http.StatusBadRequest,
		domain.ErrInvalidTransition: http.StatusConflict,
		domain.ErrRateLimited:       http.StatusTooManyRequests,
		domain.ErrSubmissionFailed:  http.StatusServiceUnavailable,
		errors.New("boom"):          http.StatusInternalServerError,
	}
	for err, want := range cases {
		rec := httptest.NewRecorder()
		writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/", nil), logger, "op", err)
		check.Equal(t, want, rec.Code)
	}
}
