package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mediassist/mediassist/internal/domain/casefile"
)

const reconcileWorkers = 4

// ReconcileStale marks every case still pending after staleAfter as failed
// with kind Interrupted. It runs at startup, before new submissions are
// accepted, so any pending case that old was abandoned by a previous
// process. Returns the number of cases it finalized.
func ReconcileStale(ctx context.Context, store casefile.Store, staleAfter time.Duration, logger zerolog.Logger) (int, error) {
	ids, err := store.ListStalePending(ctx, time.Now().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale cases: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var marked atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileWorkers)
	for _, id := range ids {
		g.Go(func() error {
			return markInterrupted(gctx, store, id, staleAfter, &marked, logger)
		})
	}
	err = g.Wait()

	n := int(marked.Load())
	logger.Info().Int("found", len(ids)).Int("marked", n).Msg("stale pending cases reconciled")
	return n, err
}

func markInterrupted(ctx context.Context, store casefile.Store, id uuid.UUID, staleAfter time.Duration, marked *atomic.Int64, logger zerolog.Logger) error {
	err := store.MarkFailed(ctx, id, casefile.Failure{
		Kind:   casefile.FailureInterrupted,
		Detail: fmt.Sprintf("still pending after %s; processing was interrupted", staleAfter),
	})
	switch {
	case err == nil:
		marked.Add(1)
		logger.Warn().Str("case_id", id.String()).Msg("case marked interrupted")
		return nil
	case errors.Is(err, casefile.ErrInvalidState), errors.Is(err, casefile.ErrNotFound):
		// Finalized concurrently.
		return nil
	default:
		return fmt.Errorf("mark case %s interrupted: %w", id, err)
	}
}
