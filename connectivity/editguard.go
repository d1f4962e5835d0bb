package connectivity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/transport"
)

// editState is held by pointer in every per-pair table (MTable, NTable,
// and OverlapTable through its NTable) to implement the ref-counted edit/restore protocol: the
// first Edit* call on a pair barriers and locks the pair against Resize;
// nested Edit* calls on the same pair just bump the refcount; the last
// matching Close barriers again and publishes the pair's event.
type editState struct {
	mu       sync.Mutex
	refcount int32
	events   chan PairEvent
}

type PairEvent struct {
	Pair  Pair
	Flags govktypes.EventFlag
}

func newEditState() *editState {
	return &editState{events: make(chan PairEvent, 256)}
}

// editGuard is returned by every Edit* call; Close restores once every
// outstanding guard for this pair has been released.
type editGuard struct {
	state *editState
	comm  transport.Comm
	pair  Pair
	flag  govktypes.EventFlag
	once  sync.Once
}

func (s *editState) beginEdit(ctx context.Context, comm transport.Comm, pair Pair, flag govktypes.EventFlag) (*editGuard, error) {
	if atomic.AddInt32(&s.refcount, 1) == 1 {
		if err := comm.Barrier(ctx); err != nil {
			atomic.AddInt32(&s.refcount, -1)
			return nil, fmt.Errorf("connectivity: edit entry barrier for pair %+v: %w", pair, err)
		}
	}
	return &editGuard{state: s, comm: comm, pair: pair, flag: flag}, nil
}

// Close restores the table once every outstanding editGuard for this pair
// has been closed: barriers and publishes the edit event. Calling Close
// twice on the same guard is a precondition violation.
func (g *editGuard) Close(ctx context.Context) error {
	var err error
	called := false
	g.once.Do(func() {
		called = true
		if atomic.AddInt32(&g.state.refcount, -1) == 0 {
			if berr := g.comm.Barrier(ctx); berr != nil {
				err = fmt.Errorf("connectivity: edit restore barrier for pair %+v: %w", g.pair, berr)
				return
			}
			select {
			case g.state.events <- PairEvent{Pair: g.pair, Flags: g.flag}:
			default:
			}
		}
	})
	if !called {
		panic(fmt.Errorf("connectivity: editGuard for pair %+v closed twice", g.pair))
	}
	return err
}

// requireNotEditing panics if an edit is in flight, the precondition
// Resize enforces before clearing a pair's tables.
func (s *editState) requireNotEditing() {
	if atomic.LoadInt32(&s.refcount) != 0 {
		panic(fmt.Errorf("connectivity: Resize called while an edit is active"))
	}
}
