package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

type captured struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]string
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestNotifierFiltersEvents(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusNoContent)
	n := NewNotifier([]Sender{NewDiscordSender(srv.URL)}, []string{"settlement_failed"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	assert.NoError(t, n.Notify(ctx, "auction_cancelled", "Cancelled", "auc-1"))
	assert.NoError(t, n.Notify(ctx, "settlement_failed", "Settlement failed", "auc-1"))

	assert.Equal(t, 1, len(got.bodies))
	check.Equal(t, "**Settlement failed**\nauc-1", got.bodies[0]["content"])
}

func TestTelegramSender(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusOK)
	s := NewTelegramSender(srv.URL, "tok", "42")

	assert.NoError(t, s.Send(context.Background(), "Title", "body"))
	check.Equal(t, "/bottok/sendMessage", got.paths[0])
	check.Equal(t, "42", got.bodies[0]["chat_id"])
	check.Equal(t, "*Title*\nbody", got.bodies[0]["text"])
}

func TestSenderReportsStatus(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusBadGateway)
	n := NewNotifier([]Sender{NewDiscordSender(srv.URL)}, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := n.NotifyAll(context.Background(), "t", "m")
	check.Error(t, err)
	check.True(t, n.Enabled())
}
