package dispatch

import (
	"context"
	"sync"
)

// lanes serializes work per resource id: callers holding the same key run
// one at a time in the order they called acquire. Distinct keys never wait
// on each other.
type lanes struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newLanes() *lanes {
	return &lanes{tails: make(map[string]chan struct{})}
}

// acquire blocks until every earlier holder of key has released. The
// returned release must be called exactly once.
func (l *lanes) acquire(ctx context.Context, key string) (func(), error) {
	done := make(chan struct{})
	l.mu.Lock()
	prev := l.tails[key]
	l.tails[key] = done
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		if l.tails[key] == done {
			delete(l.tails, key)
		}
		l.mu.Unlock()
		close(done)
	}

	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		// keep the chain intact: whoever queued behind us waits for prev
		// through our done channel.
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

// active reports the number of keys with a holder or waiter.
func (l *lanes) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tails)
}
