package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// WatchStore implements domain.WatchStore using PostgreSQL.
type WatchStore struct {
	pool *pgxpool.Pool
}

// NewWatchStore creates a new WatchStore backed by pool.
func NewWatchStore(pool *pgxpool.Pool) *WatchStore {
	return &WatchStore{pool: pool}
}

var _ domain.WatchStore = (*WatchStore)(nil)

// Watch subscribes a user to an auction. Repeated calls are no-ops.
func (s *WatchStore) Watch(ctx context.Context, w domain.Watch) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watches (user_id, auction_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (auction_id, user_id) DO NOTHING`,
		w.UserID, w.AuctionID, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: watch %s/%s: %w", w.AuctionID, w.UserID, err)
	}
	return nil
}

// Unwatch removes a subscription.
func (s *WatchStore) Unwatch(ctx context.Context, userID, auctionID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM watches WHERE auction_id = $1 AND user_id = $2`, auctionID, userID)
	if err != nil {
		return fmt.Errorf("postgres: unwatch %s/%s: %w", auctionID, userID, err)
	}
	return nil
}

// ListWatchers returns the users watching an auction.
func (s *WatchStore) ListWatchers(ctx context.Context, auctionID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM watches WHERE auction_id = $1 ORDER BY user_id`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list watchers %s: %w", auctionID, err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan watchers %s: %w", auctionID, err)
	}
	return users, nil
}

// DeleteByAuction drops every subscription to an auction.
func (s *WatchStore) DeleteByAuction(ctx context.Context, auctionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM watches WHERE auction_id = $1`, auctionID); err != nil {
		return fmt.Errorf("postgres: delete watches %s: %w", auctionID, err)
	}
	return nil
}
