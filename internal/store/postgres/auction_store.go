package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

// AuctionStore implements domain.AuctionStore using PostgreSQL. Every
// commit is one transaction guarded by the auction's version column.
type AuctionStore struct {
	pool *pgxpool.Pool
}

// NewAuctionStore creates a new AuctionStore backed by pool.
func NewAuctionStore(pool *pgxpool.Pool) *AuctionStore {
	return &AuctionStore{pool: pool}
}

var _ domain.AuctionStore = (*AuctionStore)(nil)

const auctionCols = `id, item_id, seller_id,
	starting_price::text, reserve_price::text, buyout_price::text, increments,
	start_time, scheduled_end, end_time,
	anti_snipe_window_ms, extension_ms, max_extensions, extensions,
	state, current_price::text, winning_bid_id, winner_id,
	bid_count, last_sequence, last_bid_at, reserve_met, bought_out,
	settlement_status, version, created_at, updated_at, closed_at`

const bidCols = `id, auction_id, bidder_id, amount::text, proxy_ceiling::text,
	kind, sequence, submitted_at, is_winning`

// CreateAuction inserts a new auction together with any initial events.
func (s *AuctionStore) CreateAuction(ctx context.Context, a domain.Auction, events []domain.AuctionEvent) error {
	increments, err := json.Marshal(a.Increments)
	if err != nil {
		return fmt.Errorf("postgres: marshal increments %s: %w", a.ID, err)
	}
	if a.Increments == nil {
		increments = []byte("[]")
	}

	const query = `
		INSERT INTO auctions (
			id, item_id, seller_id,
			starting_price, reserve_price, buyout_price, increments,
			start_time, scheduled_end, end_time,
			anti_snipe_window_ms, extension_ms, max_extensions, extensions,
			state, current_price, winning_bid_id, winner_id,
			bid_count, last_sequence, last_bid_at, reserve_met, bought_out,
			settlement_status, version, next_check_at, created_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21, $22, $23,
			$24, $25, $26, $27, $28, $29
		)`

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			a.ID, a.ItemID, a.SellerID,
			a.StartingPrice, a.ReservePrice, a.BuyoutPrice, increments,
			a.StartTime, a.ScheduledEnd, a.EndTime,
			a.AntiSnipeWindow.Milliseconds(), a.ExtensionDuration.Milliseconds(), a.MaxExtensions, a.Extensions,
			string(a.State), a.CurrentPrice, nullString(a.WinningBidID), nullString(a.WinnerID),
			a.BidCount, a.LastSequence, nullTime(a.LastBidAt), a.ReserveMet, a.BoughtOut,
			string(a.SettlementStatus), a.Version, nullTime(a.NextTransitionAt()), a.CreatedAt, a.UpdatedAt, a.ClosedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrAlreadyExists
			}
			return err
		}
		return insertEvents(ctx, tx, events)
	})
	if err != nil {
		return fmt.Errorf("postgres: create auction %s: %w", a.ID, err)
	}
	return nil
}

// LoadAuction retrieves an auction by id.
func (s *AuctionStore) LoadAuction(ctx context.Context, id string) (domain.Auction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auctionCols+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Auction{}, fmt.Errorf("postgres: auction %s: %w", id, domain.ErrNotFound)
		}
		return domain.Auction{}, fmt.Errorf("postgres: load auction %s: %w", id, err)
	}
	return a, nil
}

// LoadBids returns every bid of an auction in sequence order.
func (s *AuctionStore) LoadBids(ctx context.Context, auctionID string) ([]domain.Bid, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bidCols+` FROM bids WHERE auction_id = $1 ORDER BY sequence`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load bids %s: %w", auctionID, err)
	}
	defer rows.Close()

	var bids []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load bids %s rows: %w", auctionID, err)
	}
	return bids, nil
}

// CommitAuctionState writes c atomically. The auction row is only updated
// when its stored version equals c.Auction.Version; otherwise nothing is
// written and ErrConflict is returned.
func (s *AuctionStore) CommitAuctionState(ctx context.Context, c domain.AuctionCommit) error {
	a := c.Auction
	const update = `
		UPDATE auctions SET
			end_time       = $2,
			extensions     = $3,
			state          = $4,
			current_price  = $5,
			winning_bid_id = $6,
			winner_id      = $7,
			bid_count      = $8,
			last_sequence  = $9,
			last_bid_at    = $10,
			reserve_met    = $11,
			bought_out     = $12,
			next_check_at  = $13,
			updated_at     = $14,
			closed_at      = $15,
			settlement_status = $17,
			version        = version + 1
		WHERE id = $1 AND version = $16`

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, update,
			a.ID, a.EndTime, a.Extensions, string(a.State), a.CurrentPrice,
			nullString(a.WinningBidID), nullString(a.WinnerID),
			a.BidCount, a.LastSequence, nullTime(a.LastBidAt),
			a.ReserveMet, a.BoughtOut, nullTime(a.NextTransitionAt()),
			a.UpdatedAt, a.ClosedAt, a.Version, string(a.SettlementStatus),
		)
		if err != nil {
			return fmt.Errorf("update auction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrConflict
		}

		if c.SupersededBidID != "" {
			if _, err := tx.Exec(ctx,
				`UPDATE bids SET is_winning = FALSE WHERE id = $1 AND auction_id = $2`,
				c.SupersededBidID, a.ID,
			); err != nil {
				return fmt.Errorf("unflag bid %s: %w", c.SupersededBidID, err)
			}
		}
		if err := insertBids(ctx, tx, c.NewBids); err != nil {
			return err
		}
		return insertEvents(ctx, tx, c.Events)
	})
	if err != nil {
		return fmt.Errorf("postgres: commit auction %s at version %d: %w", a.ID, a.Version, err)
	}
	return nil
}

// ListDue returns non-terminal auctions whose next_check_at has passed.
func (s *AuctionStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Auction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+auctionCols+` FROM auctions
		WHERE next_check_at IS NOT NULL AND next_check_at <= $1
		ORDER BY next_check_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due auctions: %w", err)
	}
	out, err := collectAuctions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due auctions: %w", err)
	}
	return out, nil
}

// ListPendingSettlements returns settled auctions whose capture outcome
// has not been recorded.
func (s *AuctionStore) ListPendingSettlements(ctx context.Context, limit int) ([]domain.Auction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+auctionCols+` FROM auctions
		WHERE settlement_status = $1 AND state = $2
		ORDER BY updated_at
		LIMIT $3`, string(domain.SettlementPending), string(domain.AuctionSettled), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending settlements: %w", err)
	}
	out, err := collectAuctions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending settlements: %w", err)
	}
	return out, nil
}

func collectAuctions(rows pgx.Rows) ([]domain.Auction, error) {
	defer rows.Close()
	var out []domain.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan auction: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func insertBids(ctx context.Context, db dbtx, bids []domain.Bid) error {
	if len(bids) == 0 {
		return nil
	}
	const query = `
		INSERT INTO bids (
			id, auction_id, bidder_id, amount, proxy_ceiling,
			kind, sequence, submitted_at, is_winning
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	batch := &pgx.Batch{}
	for _, b := range bids {
		batch.Queue(query,
			b.ID, b.AuctionID, b.BidderID, b.Amount, b.ProxyCeiling,
			string(b.Kind), b.Sequence, b.SubmittedAt, b.IsWinning,
		)
	}
	br := db.SendBatch(ctx, batch)
	defer br.Close()
	for _, b := range bids {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert bid %s: %w", b.ID, err)
		}
	}
	return nil
}

// scanAuction scans one row selected with auctionCols.
func scanAuction(row pgx.Row) (domain.Auction, error) {
	var (
		a                      domain.Auction
		starting, current      string
		reserve, buyout        *string
		increments             []byte
		windowMS, extensionMS  int64
		state                  string
		winningBidID, winnerID *string
		lastBidAt              *time.Time
		settlement             string
	)
	err := row.Scan(
		&a.ID, &a.ItemID, &a.SellerID,
		&starting, &reserve, &buyout, &increments,
		&a.StartTime, &a.ScheduledEnd, &a.EndTime,
		&windowMS, &extensionMS, &a.MaxExtensions, &a.Extensions,
		&state, &current, &winningBidID, &winnerID,
		&a.BidCount, &a.LastSequence, &lastBidAt, &a.ReserveMet, &a.BoughtOut,
		&settlement, &a.Version, &a.CreatedAt, &a.UpdatedAt, &a.ClosedAt,
	)
	if err != nil {
		return domain.Auction{}, err
	}

	if a.StartingPrice, err = decimal.NewFromString(starting); err != nil {
		return domain.Auction{}, fmt.Errorf("starting_price: %w", err)
	}
	if a.CurrentPrice, err = decimal.NewFromString(current); err != nil {
		return domain.Auction{}, fmt.Errorf("current_price: %w", err)
	}
	if a.ReservePrice, err = parseNullDecimal(reserve); err != nil {
		return domain.Auction{}, fmt.Errorf("reserve_price: %w", err)
	}
	if a.BuyoutPrice, err = parseNullDecimal(buyout); err != nil {
		return domain.Auction{}, fmt.Errorf("buyout_price: %w", err)
	}
	if len(increments) > 0 {
		if err := json.Unmarshal(increments, &a.Increments); err != nil {
			return domain.Auction{}, fmt.Errorf("increments: %w", err)
		}
		if len(a.Increments) == 0 {
			a.Increments = nil
		}
	}
	a.AntiSnipeWindow = time.Duration(windowMS) * time.Millisecond
	a.ExtensionDuration = time.Duration(extensionMS) * time.Millisecond
	a.State = domain.AuctionState(state)
	a.SettlementStatus = domain.SettlementStatus(settlement)
	if winningBidID != nil {
		a.WinningBidID = *winningBidID
	}
	if winnerID != nil {
		a.WinnerID = *winnerID
	}
	if lastBidAt != nil {
		a.LastBidAt = *lastBidAt
	}
	return a, nil
}

// scanBid scans one row selected with bidCols.
func scanBid(row pgx.Row) (domain.Bid, error) {
	var (
		b       domain.Bid
		amount  string
		ceiling *string
		kind    string
	)
	if err := row.Scan(
		&b.ID, &b.AuctionID, &b.BidderID, &amount, &ceiling,
		&kind, &b.Sequence, &b.SubmittedAt, &b.IsWinning,
	); err != nil {
		return domain.Bid{}, err
	}
	var err error
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Bid{}, fmt.Errorf("amount: %w", err)
	}
	if b.ProxyCeiling, err = parseNullDecimal(ceiling); err != nil {
		return domain.Bid{}, fmt.Errorf("proxy_ceiling: %w", err)
	}
	b.Kind = domain.BidKind(kind)
	return b, nil
}
