package ledger

import (
	"context"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/robfig/cron"
)

const retryWorkerName = "LedgerRetryWorker"

// RetryWorker periodically drains the spool into the ledger.
type RetryWorker struct {
	ledger   *Service
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
	logger   cmtlog.Logger
}

func NewRetryWorker(ledger *Service, schedule string, logger cmtlog.Logger) *RetryWorker {
	if schedule == "" {
		schedule = "@every 30s"
	}
	return &RetryWorker{
		ledger:   ledger,
		cron:     cron.New(),
		schedule: schedule,
		timeout:  time.Minute,
		logger:   logger.With("worker", retryWorkerName),
	}
}

func (w *RetryWorker) Start() error {
	if err := w.cron.AddFunc(w.schedule, w.run); err != nil {
		return err
	}
	w.cron.Start()
	w.logger.Info("Started", "schedule", w.schedule)
	return nil
}

func (w *RetryWorker) Stop() {
	w.cron.Stop()
}

func (w *RetryWorker) run() {
	pending, err := w.ledger.Pending()
	if err != nil {
		w.logger.Error("Could not read spool", "err", err)
		return
	}
	if pending == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	flushed, err := w.ledger.Retry(ctx)
	if err != nil {
		w.logger.Error("Retry interrupted", "err", err)
	}
	w.logger.Info("Spool drained", "flushed", flushed, "pending", pending-flushed)
}
