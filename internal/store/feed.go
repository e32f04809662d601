package store

import "sync"

// feed fans a "something changed" signal out to subscribers. Channels are
// buffered with capacity 1 and sends never block: a subscriber that has
// not drained its pending signal gets the next batch of changes folded
// into it. Subscribers re-query the store for ground truth, so a coalesced
// signal carries exactly as much information as many.
type feed struct {
	mu     sync.Mutex
	subs   map[int]chan struct{}
	nextID int
	closed bool
}

func newFeed() *feed {
	return &feed{subs: make(map[int]chan struct{})}
}

func (f *feed) subscribe() (<-chan struct{}, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++

	ch := make(chan struct{}, 1)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	f.subs[id] = ch

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()

		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(ch)
		}
	}
}

func (f *feed) notify() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true

	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
