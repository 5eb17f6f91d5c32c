package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/auctionengine/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// BidHistory is the read side the archiver needs from the auction store.
type BidHistory interface {
	LoadBids(ctx context.Context, auctionID string) ([]domain.Bid, error)
}

// ArchiveImpl implements domain.Archiver. For each finished auction it
// writes the public bid history and the event log as JSONL:
//
//	auctions/{id}/bids.jsonl
//	auctions/{id}/events.jsonl
//
// events.jsonl is written last and marks the archive complete, so a
// repeated call for the same auction is a no-op. Archived rows are not
// deleted from the primary store.
type ArchiveImpl struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	bids   BidHistory
	events domain.EventStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an ArchiveImpl. audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	bids BidHistory,
	events domain.EventStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		reader: reader,
		bids:   bids,
		events: events,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// BidsPath is the object key of an auction's archived bid history.
func BidsPath(auctionID string) string {
	return fmt.Sprintf("auctions/%s/bids.jsonl", auctionID)
}

// EventsPath is the object key of an auction's archived event log.
func EventsPath(auctionID string) string {
	return fmt.Sprintf("auctions/%s/events.jsonl", auctionID)
}

// ArchiveAuction uploads the auction's history unless already archived.
func (a *ArchiveImpl) ArchiveAuction(ctx context.Context, auctionID string) error {
	done, err := a.reader.Exists(ctx, EventsPath(auctionID))
	if err != nil {
		return fmt.Errorf("s3blob: archive %s: %w", auctionID, err)
	}
	if done {
		a.logger.DebugContext(ctx, "auction already archived", slog.String("auction_id", auctionID))
		return nil
	}

	bids, err := a.bids.LoadBids(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("s3blob: archive %s: load bids: %w", auctionID, err)
	}
	views := make([]domain.BidView, 0, len(bids))
	for _, b := range bids {
		if b.Public() {
			views = append(views, b.View())
		}
	}
	events, err := a.events.ListByAuction(ctx, auctionID, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("s3blob: archive %s: list events: %w", auctionID, err)
	}

	if err := uploadJSONL(ctx, a.writer, BidsPath(auctionID), views); err != nil {
		return err
	}
	if err := uploadJSONL(ctx, a.writer, EventsPath(auctionID), events); err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "auction archived",
		slog.String("auction_id", auctionID),
		slog.Int("bids", len(views)),
		slog.Int("events", len(events)),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "auction_archived", map[string]any{
			"auction_id": auctionID,
			"bids":       len(views),
			"events":     len(events),
		}); err != nil {
			return fmt.Errorf("s3blob: archive %s: audit log: %w", auctionID, err)
		}
	}
	return nil
}

func uploadJSONL[T any](ctx context.Context, w domain.BlobWriter, path string, records []T) error {
	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: marshal %s: %w", path, err)
	}
	if err := w.Put(ctx, path, bytes.NewReader(buf), jsonlContentType); err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", path, err)
	}
	return nil
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
