// Package ledger appends settled toll payments to the payment ledger and
// notifies live subscribers. Inserts that fail are spooled and retried.
package ledger

import (
	"context"
	"fmt"

	"github.com/thakursanju/smartToll/feed"
	"github.com/thakursanju/smartToll/repository"
	"github.com/thakursanju/smartToll/tollbooth"

	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// Store is the insert-only ledger table.
type Store interface {
	InsertTransaction(ctx context.Context, rec tollbooth.PaymentRecord) *repository.RepositoryError
}

type Service struct {
	store     Store
	publisher feed.Publisher
	spool     *Spool
	logger    cmtlog.Logger
}

func NewService(store Store, publisher feed.Publisher, spool *Spool, logger cmtlog.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		spool:     spool,
		logger:    logger,
	}
}

// Append records rec and pushes it to the wallet's subscribers. A record that
// is already in the ledger counts as appended. When the insert fails the
// record is spooled and the insert error is returned.
func (s *Service) Append(ctx context.Context, rec tollbooth.PaymentRecord) error {
	inserted, err := s.insert(ctx, rec)
	if err != nil {
		if s.spool == nil {
			return fmt.Errorf("append %s: %w", rec.TxHash, err)
		}
		if spoolErr := s.spool.Put(rec); spoolErr != nil {
			s.logger.Error("Failed to spool record", "tx_hash", rec.TxHash, "err", spoolErr)
			return fmt.Errorf("append %s: %w", rec.TxHash, err)
		}
		s.logger.Info("Record spooled for retry", "tx_hash", rec.TxHash)
		return fmt.Errorf("append %s (spooled for retry): %w", rec.TxHash, err)
	}
	if inserted {
		s.notify(ctx, rec)
	}
	return nil
}

// Retry re-inserts spooled records and returns how many left the spool.
func (s *Service) Retry(ctx context.Context) (int, error) {
	if s.spool == nil {
		return 0, nil
	}
	records, err := s.spool.List()
	if err != nil {
		return 0, err
	}

	flushed := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return flushed, ctx.Err()
		}
		inserted, err := s.insert(ctx, rec)
		if err != nil {
			s.logger.Error("Retry insert failed", "tx_hash", rec.TxHash, "err", err)
			continue
		}
		if err := s.spool.Delete(rec.TxHash); err != nil {
			s.logger.Error("Failed to remove record from spool", "tx_hash", rec.TxHash, "err", err)
			continue
		}
		flushed++
		if inserted {
			s.notify(ctx, rec)
		}
	}
	return flushed, nil
}

// Pending returns the number of spooled records.
func (s *Service) Pending() (int, error) {
	if s.spool == nil {
		return 0, nil
	}
	return s.spool.Len()
}

func (s *Service) insert(ctx context.Context, rec tollbooth.PaymentRecord) (bool, error) {
	rerr := s.store.InsertTransaction(ctx, rec)
	if rerr == nil {
		return true, nil
	}
	if rerr.Code == repository.ErrCodeDuplicate {
		s.logger.Debug("Record already in ledger", "tx_hash", rec.TxHash)
		return false, nil
	}
	return false, rerr
}

func (s *Service) notify(ctx context.Context, rec tollbooth.PaymentRecord) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, rec); err != nil {
		s.logger.Error("Failed to publish record", "tx_hash", rec.TxHash, "err", err)
	}
}
