package engine

import (
	"math/rand/v2"
	"sort"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// maxJitter is the bound on the random addend applied to every backoff
// delay, breaking lockstep retries across items and clients.
const maxJitter = time.Second

type itemKind string

const (
	kindConversation itemKind = "conversation"
	kindMessage      itemKind = "message"
)

// syncItem is one unit of outbound work: a conversation create or a
// message sync, with its own retry bookkeeping.
type syncItem struct {
	id             string
	conversationID string
	kind           itemKind

	conv models.Conversation // kind == kindConversation
	msg  models.Message      // kind == kindMessage

	retryCount  int
	lastAttempt time.Time
}

// retryQueue holds items awaiting a future send attempt, keyed by entity
// id. Only the engine's event loop and the bridge (under the engine
// mutex) touch it.
type retryQueue struct {
	items map[string]*syncItem
}

func newRetryQueue() *retryQueue {
	return &retryQueue{items: make(map[string]*syncItem)}
}

func (q *retryQueue) upsert(item *syncItem) {
	q.items[item.id] = item
}

func (q *retryQueue) get(id string) (*syncItem, bool) {
	item, ok := q.items[id]
	return item, ok
}

func (q *retryQueue) has(id string) bool {
	_, ok := q.items[id]
	return ok
}

func (q *retryQueue) remove(id string) {
	delete(q.items, id)
}

func (q *retryQueue) len() int {
	return len(q.items)
}

func (q *retryQueue) clear() {
	clear(q.items)
}

// eligible returns the items whose backoff window has elapsed, oldest
// attempt first so starved items go ahead of fresh failures.
func (q *retryQueue) eligible(now time.Time, base, limit time.Duration) []*syncItem {
	var out []*syncItem
	for _, item := range q.items {
		if now.Sub(item.lastAttempt) >= backoffBase(item.retryCount, base, limit) {
			out = append(out, item)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].lastAttempt.Equal(out[j].lastAttempt) {
			return out[i].lastAttempt.Before(out[j].lastAttempt)
		}
		return out[i].id < out[j].id
	})

	return out
}

// backoffBase computes min(base * 2^attempt, cap) without jitter.
// Monotone in attempt up to the cap.
func backoffBase(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	d := base
	for i := 0; i < attempt; i++ {
		d <<= 1
		if d >= limit || d <= 0 {
			return limit
		}
	}

	if d > limit {
		return limit
	}

	return d
}

// backoffDelay is backoffBase plus a bounded random jitter.
func backoffDelay(attempt int, base, limit time.Duration) time.Duration {
	return backoffBase(attempt, base, limit) + rand.N(maxJitter)
}
