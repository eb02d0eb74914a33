package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/progress"
	"github.com/JakeFAU/sitemirror/internal/store"
)

// StoreSink persists the newest snapshot of each job in a batch through a
// store.StatusRepository.
type StoreSink struct {
	repo   store.StatusRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.StatusRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes one record per job. A failed write does not stop the rest
// of the batch; all failures are returned together.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var errs []error
	for _, evt := range progress.Latest(batch) {
		rec := store.RecordFromUpdate(evt.Node, evt.Update, evt.TS)
		if err := s.repo.UpsertStatus(ctx, rec); err != nil {
			s.logger.Debug("persist job status failed", zap.String("job", evt.Job()), zap.Error(err))
			errs = append(errs, fmt.Errorf("persist status of %s: %w", evt.Job(), err))
		}
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
