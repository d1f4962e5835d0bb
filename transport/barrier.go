package transport

import (
	"context"
	"sync"
)

// reusableBarrier is a cyclic barrier for n participants: each arrival blocks
// until the nth arrives, then all are released and the barrier resets for
// its next generation. This is the synchronization primitive Barrier and
// NonBlockingBarrier are built on.
type reusableBarrier struct {
	mu    sync.Mutex
	n     int
	count int
	gen   int
	ch    chan struct{}
}

func newReusableBarrier(n int) *reusableBarrier {
	return &reusableBarrier{n: n, ch: make(chan struct{})}
}

func (b *reusableBarrier) wait(ctx context.Context) error {
	b.mu.Lock()
	b.count++
	if b.count == b.n {
		ch := b.ch
		b.count = 0
		b.gen++
		b.ch = make(chan struct{})
		b.mu.Unlock()
		close(ch)
		return nil
	}
	ch := b.ch
	b.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitAsync runs wait in the background and signals the returned channel
// when it completes, without blocking the caller -- the building block for
// NonBlockingBarrier.
func (b *reusableBarrier) waitAsync(ctx context.Context) (ready chan struct{}, errOut *error) {
	ready = make(chan struct{})
	var err error
	errOut = &err
	go func() {
		err = b.wait(ctx)
		close(ready)
	}()
	return ready, errOut
}
