package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

// Sweeper propagates local deletions to the server. Deleting a
// conversation locally leaves a tombstone in the store; the sweeper
// batches pending and errored tombstones to the bulk delete endpoint
// on a fixed interval, records per-id outcomes, and prunes tombstones
// the server has confirmed. Failed deletions stay tombstoned and are
// retried on the next sweep, so the interval itself is the throttle.
type Sweeper struct {
	store    *store.Store
	client   *Client
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper over the given store and API client.
func NewSweeper(st *store.Store, client *Client, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    st,
		client:   client,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps on the configured interval until ctx is cancelled. One
// sweep runs immediately on start to flush deletions from a previous
// session.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sweep performs one batch deletion pass. Errors are logged, never
// returned: a failed sweep leaves the tombstones in place for the next.
func (s *Sweeper) sweep(ctx context.Context) {
	tombstones, err := s.store.PendingTombstones()
	if err != nil {
		s.logger.Error("listing tombstones", slog.String("error", err.Error()))
		return
	}
	if len(tombstones) == 0 {
		return
	}

	ids := make([]string, len(tombstones))
	for i, ts := range tombstones {
		ids[i] = ts.ID
	}

	results, err := s.client.DeleteConversations(ctx, ids)
	if err != nil {
		s.logger.Warn("deletion batch failed, will retry next sweep",
			slog.Int("count", len(ids)),
			slog.String("error", err.Error()),
		)
		return
	}

	var confirmed, failed int

	for i, id := range ids {
		status := models.StatusError
		if i < len(results) && results[i].OK() {
			status = models.StatusSynced
			confirmed++
		} else {
			failed++
		}

		if err := s.store.ResolveTombstone(id, status); err != nil {
			s.logger.Warn("resolving tombstone",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	pruned, err := s.store.PruneSyncedTombstones()
	if err != nil {
		s.logger.Warn("pruning tombstones", slog.String("error", err.Error()))
	}

	s.logger.Info("deletion sweep complete",
		slog.Int("confirmed", confirmed),
		slog.Int("failed", failed),
		slog.Int("pruned", pruned),
	)
}
