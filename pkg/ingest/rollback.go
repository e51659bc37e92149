package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"election_results/pkg/data"
	"election_results/pkg/metrics"
)

// Engine rolls back uploads. A rollback soft-deletes the upload and
// recomputes the current result of every constituency the upload touched;
// ledger entries themselves are never removed.
type Engine struct {
	ledger    Ledger
	logger    *zap.Logger
	metrics   *metrics.Metrics
	batchSize int
}

// NewEngine creates a rollback engine.
func NewEngine(ledger Ledger, m *metrics.Metrics, logger *zap.Logger, batchSize int) *Engine {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Engine{
		ledger:    ledger,
		logger:    logger,
		metrics:   m,
		batchSize: batchSize,
	}
}

// Run rolls back one upload and streams job events. Precondition failures
// arrive as the first (and only) event; the channel is closed after the
// terminal event and must be drained by the caller.
func (e *Engine) Run(ctx context.Context, uploadID int64) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		e.run(ctx, uploadID, events)
	}()
	return events
}

func (e *Engine) run(ctx context.Context, uploadID int64, events chan<- Event) {
	start := time.Now()
	log := e.logger.With(zap.Int64("uploadID", uploadID))

	upload, err := e.ledger.GetUpload(ctx, uploadID)
	if err != nil {
		events <- newFailure(uploadID, err)
		return
	}
	if upload.Status == data.UploadProcessing {
		events <- newFailure(uploadID, ErrUploadInFlight)
		return
	}
	if upload.Deleted() {
		events <- newFailure(uploadID, data.ErrAlreadyDeleted)
		return
	}

	affected, err := e.ledger.VersionsTouchedBy(ctx, uploadID)
	if err != nil {
		log.Error("Listing affected constituencies", zap.Error(err))
		events <- newFailure(uploadID, err)
		return
	}

	// The soft-delete is the rollback's single point of truth: once the
	// deleted_at flag is set, every read already excludes this upload.
	if err := e.ledger.MarkUploadDeleted(ctx, uploadID); err != nil {
		events <- newFailure(uploadID, err)
		return
	}

	log.Info("Rollback started", zap.Int("constituenciesAffected", len(affected)))
	events <- Started{
		Event:         "started",
		UploadID:      uploadID,
		TotalAffected: len(affected),
	}

	for i, constituencyID := range affected {
		if err := e.ledger.RecomputeCurrent(ctx, constituencyID); err != nil {
			log.Error("Recomputing current result",
				zap.Int64("constituencyID", constituencyID), zap.Error(err))
			events <- newFailure(uploadID, err)
			return
		}

		done := i + 1
		if done%e.batchSize == 0 || done == len(affected) {
			events <- newProgress(uploadID, done, len(affected))
		}
	}

	e.metrics.Rollbacks.Inc()
	log.Info("Rollback completed",
		zap.Int("rolledBack", len(affected)),
		zap.Duration("elapsed", time.Since(start)))

	events <- RollbackComplete{
		Event:      "complete",
		UploadID:   uploadID,
		Message:    "Upload deleted",
		RolledBack: len(affected),
	}
}
