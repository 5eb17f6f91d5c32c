package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. The
// auction_events table doubles as the dispatcher's outbox: rows with a
// NULL delivered_at are pending.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

var _ domain.EventStore = (*EventStore)(nil)

const eventCols = `id, auction_id, type, payload, created_at, delivered_at`

// AppendEvents inserts events, ignoring ids that already exist.
func (s *EventStore) AppendEvents(ctx context.Context, events []domain.AuctionEvent) error {
	if err := insertEvents(ctx, s.pool, events); err != nil {
		return fmt.Errorf("postgres: append events: %w", err)
	}
	return nil
}

// ListUndelivered returns pending events created before createdBefore,
// oldest first.
func (s *EventStore) ListUndelivered(ctx context.Context, createdBefore time.Time, limit int) ([]domain.AuctionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventCols+` FROM auction_events
		WHERE delivered_at IS NULL AND created_at < $1
		ORDER BY created_at, id
		LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list undelivered events: %w", err)
	}
	return collectEvents(rows)
}

// MarkDelivered stamps delivered_at on the given events.
func (s *EventStore) MarkDelivered(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE auction_events SET delivered_at = $2 WHERE id = ANY($1) AND delivered_at IS NULL`,
		ids, at)
	if err != nil {
		return fmt.Errorf("postgres: mark %d events delivered: %w", len(ids), err)
	}
	return nil
}

// ListByAuction returns an auction's events, oldest first.
func (s *EventStore) ListByAuction(ctx context.Context, auctionID string, opts domain.ListOpts) ([]domain.AuctionEvent, error) {
	query, args := pageClause(
		`SELECT `+eventCols+` FROM auction_events WHERE auction_id = $1`,
		[]any{auctionID}, opts, "created_at, id")
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events for %s: %w", auctionID, err)
	}
	return collectEvents(rows)
}

func insertEvents(ctx context.Context, db dbtx, events []domain.AuctionEvent) error {
	if len(events) == 0 {
		return nil
	}
	const query = `
		INSERT INTO auction_events (id, auction_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		batch.Queue(query, e.ID, e.AuctionID, string(e.Type), payload, e.CreatedAt)
	}
	br := db.SendBatch(ctx, batch)
	defer br.Close()
	for _, e := range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert event %s: %w", e.ID, err)
		}
	}
	return nil
}

func collectEvents(rows pgx.Rows) ([]domain.AuctionEvent, error) {
	defer rows.Close()
	var out []domain.AuctionEvent
	for rows.Next() {
		var (
			e       domain.AuctionEvent
			typ     string
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.AuctionID, &typ, &payload, &e.CreatedAt, &e.DeliveredAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		e.Type = domain.EventType(typ)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal event %s payload: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: events rows: %w", err)
	}
	return out, nil
}
