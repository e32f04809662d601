package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

// Snapshot is one classification of the store's current contents into the
// three actionable buckets. Full result sets, never deltas: the consumer
// must be idempotent against re-delivery of items it already has in
// flight, and in exchange a missed notification self-heals on the next
// tick because nothing depends on having seen the previous one.
type Snapshot struct {
	New     []models.Conversation
	Pending []models.Conversation
	Errored []models.Conversation
}

// Observer turns store mutations into classified work signals for the
// sync manager. Classification is stateless: every tick re-runs the three
// status queries against ground truth.
type Observer struct {
	store  *store.Store
	logger *slog.Logger
}

func NewObserver(st *store.Store, logger *slog.Logger) *Observer {
	return &Observer{store: st, logger: logger}
}

// Classify runs the three bucket queries and returns the full result sets.
func (o *Observer) Classify() (Snapshot, error) {
	newConvs, err := o.store.QueryByStatus(models.StatusNew)
	if err != nil {
		return Snapshot{}, fmt.Errorf("querying new conversations: %w", err)
	}

	pending, err := o.store.QueryByStatus(models.StatusPending)
	if err != nil {
		return Snapshot{}, fmt.Errorf("querying pending conversations: %w", err)
	}

	errored, err := o.store.QueryByStatus(models.StatusError)
	if err != nil {
		return Snapshot{}, fmt.Errorf("querying errored conversations: %w", err)
	}

	return Snapshot{New: newConvs, Pending: pending, Errored: errored}, nil
}

// Run subscribes to the store's change feed and emits a fresh Snapshot on
// out for the initial state and after every feed tick. A query error is
// logged and skipped; the next tick recomputes from scratch. Returns when
// ctx is cancelled or the feed closes.
func (o *Observer) Run(ctx context.Context, out chan<- Snapshot) error {
	feed, cancel := o.store.Subscribe()
	defer cancel()

	for {
		snap, err := o.Classify()
		if err != nil {
			o.logger.Error("classifying store contents", slog.String("error", err.Error()))
		} else {
			select {
			case out <- snap:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case _, ok := <-feed:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
