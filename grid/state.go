package grid

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/transport"
)

// State is a flag bitset carried per point of a grid's extended range,
// mutated through the same edit/restore protocol connectivity stores use:
// Edit barriers and returns a guard, Close on the guard restores and
// barriers again, making every rank's view of the flags consistent before
// any rank proceeds past the restore.
type State struct {
	grid    *Grid
	flags   []govktypes.StateFlag
	editing int32
	events  chan govktypes.EventFlag
}

// NewState allocates a State over g's extended range, all flags clear.
func NewState(g *Grid) *State {
	return &State{
		grid:   g,
		flags:  make([]govktypes.StateFlag, g.ExtendedRange.Count()),
		events: make(chan govktypes.EventFlag, 64),
	}
}

func (s *State) index(p govktypes.Tuple3) int {
	return p.Sub(s.grid.ExtendedRange.Begin).RowMajorIndex(s.grid.ExtendedRange.Size())
}

// Get returns the flags at p.
func (s *State) Get(p govktypes.Tuple3) govktypes.StateFlag { return s.flags[s.index(p)] }

// Test reports whether every bit of mask is set at p.
func (s *State) Test(p govktypes.Tuple3, mask govktypes.StateFlag) bool {
	return s.Get(p).Test(mask)
}

// Set turns on the bits of mask at p. Must be called while an EditGuard for
// this State is held.
func (s *State) Set(p govktypes.Tuple3, mask govktypes.StateFlag) {
	s.requireEditing()
	s.flags[s.index(p)] |= mask
}

// Clear turns off the bits of mask at p. Must be called while an EditGuard
// for this State is held.
func (s *State) Clear(p govktypes.Tuple3, mask govktypes.StateFlag) {
	s.requireEditing()
	s.flags[s.index(p)] &^= mask
}

func (s *State) requireEditing() {
	if atomic.LoadInt32(&s.editing) == 0 {
		panic(fmt.Errorf("grid: State mutated without an active EditGuard"))
	}
}

// EditGuard is held while a State's flags are being mutated. Closing it
// restores the state (barrier, publish EventEditState) once every holder
// has released -- ref-counted so nested Edit calls within one phase don't
// double-barrier.
type EditGuard struct {
	state *State
	comm  transport.Comm
}

// Edit barriers on first entry (ref-counted) and returns a guard whose
// Close restores. Nested Edit calls on the same State just bump the
// refcount; only the outermost Close triggers the restore barrier.
func (s *State) Edit(ctx context.Context, comm transport.Comm) (*EditGuard, error) {
	if atomic.AddInt32(&s.editing, 1) == 1 {
		if err := comm.Barrier(ctx); err != nil {
			atomic.AddInt32(&s.editing, -1)
			return nil, fmt.Errorf("grid: Edit entry barrier: %w", err)
		}
	}
	return &EditGuard{state: s, comm: comm}, nil
}

// Close restores the state once every outstanding EditGuard has been
// closed, barriers, and publishes EventEditState.
func (g *EditGuard) Close(ctx context.Context) error {
	if atomic.AddInt32(&g.state.editing, -1) == 0 {
		if err := g.comm.Barrier(ctx); err != nil {
			return fmt.Errorf("grid: Edit restore barrier: %w", err)
		}
		select {
		case g.state.events <- govktypes.EventEditState:
		default:
		}
	}
	return nil
}

// Events returns the channel EventEditState notifications are published
// on, consumed by exchange.Exchanger to invalidate cached collect/disperse
// plans built against this grid's active mask.
func (s *State) Events() <-chan govktypes.EventFlag { return s.events }
