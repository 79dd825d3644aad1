// Package notify is the broadcast that wakes subscriptions after an append.
package notify

import (
	"context"
	"sync"
	"time"
)

// Broadcaster wakes every waiter on Notify. Waiters pass the generation they
// observed before reading, so a notify between their read and their wait is
// never lost, and a burst of notifies costs at most one extra read.
type Broadcaster struct {
	lock sync.Mutex
	gen  uint64
	ch   chan struct{}
}

func New() *Broadcaster {
	return &Broadcaster{
		ch: make(chan struct{}),
	}
}

// Generation is the number of notifies so far.
func (b *Broadcaster) Generation() uint64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.gen
}

func (b *Broadcaster) Notify() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.gen++
	close(b.ch)
	b.ch = make(chan struct{})
}

// Wait blocks until the generation moves past since, the timeout passes or
// ctx is done. It reports whether a notify was observed.
func (b *Broadcaster) Wait(ctx context.Context, since uint64, timeout time.Duration) (bool, error) {
	b.lock.Lock()
	if b.gen != since {
		b.lock.Unlock()
		return true, nil
	}
	ch := b.ch
	b.lock.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true, nil
	case <-t.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
