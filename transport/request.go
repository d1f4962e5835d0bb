package transport

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// Request is an opaque handle tracking one non-blocking transfer or
// collective. Per the spec, the underlying operation is already in flight
// from the moment the Request is returned; Wait is purely a completion
// boundary. ready is closed by the producing goroutine as soon as the
// operation has actually happened (e.g. a channel receive completed);
// finalize then copies the result into the caller's buffers and is called
// exactly once, by whichever of Wait/WaitAny observes readiness first.
type Request struct {
	mu       sync.Mutex
	done     bool
	canceled bool
	source   int
	err      error
	ready    chan struct{}
	finalize func() error
	lastBuf  []byte // scratch used by LocalComm.Allgather to stash a variable-length result
}

// NewRequest builds a Request that becomes ready when ready is closed, and
// whose result is produced by finalize (called at most once).
func NewRequest(ready chan struct{}, finalize func() error) *Request {
	return &Request{ready: ready, finalize: finalize}
}

// Source reports which rank a completed IRecv request actually received
// from. Only meaningful after Wait has returned for an IRecv-produced
// Request built with AnySource.
func (r *Request) Source() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source
}

func (r *Request) setSource(s int) {
	r.mu.Lock()
	r.source = s
	r.mu.Unlock()
}

func (r *Request) complete() error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return r.err
	}
	r.done = true
	canceled := r.canceled
	finalize := r.finalize
	r.mu.Unlock()

	var err error
	if !canceled && finalize != nil {
		err = finalize()
	}
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	return err
}

// Wait blocks until the request completes. Reusing a request after Wait is
// forbidden (spec testable property 7); a second Wait call is a
// precondition violation.
func Wait(ctx context.Context, r *Request) error {
	r.mu.Lock()
	alreadyDone := r.done
	r.mu.Unlock()
	if alreadyDone {
		panic(fmt.Errorf("transport: Wait called on an already-completed request"))
	}
	select {
	case <-r.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.complete()
}

// WaitAll completes every request in order, returning the first error
// encountered after every request has been given a chance to complete, so
// no buffer is left with an outstanding transfer.
func WaitAll(ctx context.Context, reqs []*Request) error {
	var first error
	for _, r := range reqs {
		if err := Wait(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WaitAny blocks until at least one request is ready, completes it, and
// returns its index. The other requests are left untouched -- still
// waitable later -- since readiness (channel close) persists and completion
// only happens on the request that is actually finalized here.
func WaitAny(ctx context.Context, reqs []*Request) (int, error) {
	if len(reqs) == 0 {
		panic(fmt.Errorf("transport: WaitAny called with no requests"))
	}
	cases := make([]reflect.SelectCase, 0, len(reqs)+1)
	for _, r := range reqs {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(r.ready),
		})
	}
	cases = append(cases, reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(ctx.Done()),
	})
	chosen, _, _ := reflect.Select(cases)
	if chosen == len(reqs) {
		return -1, ctx.Err()
	}
	err := reqs[chosen].complete()
	return chosen, err
}

// Cancel marks an outstanding request as abandoned: its underlying transfer
// is still considered to have happened (ready still fires), but finalize is
// skipped. Per the spec, cancellation of individual in-flight transfers is
// not otherwise supported; this exists only to let Handshake drop unclaimed
// IRecv probes.
func (r *Request) Cancel() {
	r.mu.Lock()
	r.canceled = true
	r.mu.Unlock()
}
