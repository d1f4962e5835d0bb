package grid_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/grid"
	"github.com/notargets/govk/transport"
)

// fakePartition is a 1D, 2-rank partition split along axis 0 with no
// periodicity, used to exercise Grid construction without a real CartComm.
type fakePartition struct {
	rank, size int
}

func (p fakePartition) Rank() int                  { return p.rank }
func (p fakePartition) CommSize() int               { return p.size }
func (p fakePartition) CartDims() govktypes.Tuple3  { return govktypes.Tuple3{p.size, 1, 1} }
func (p fakePartition) CartPeriodic() [3]bool       { return [3]bool{false, false, false} }
func (p fakePartition) NeighborRank(axis, dir int) (int, bool) {
	if axis != 0 {
		return -1, false
	}
	n := p.rank + dir
	if n < 0 || n >= p.size {
		return -1, false
	}
	return n, true
}

func TestNewGridTilingInvariantHolds(t *testing.T) {
	comms := transport.NewLocalNetwork(2)
	global := govktypes.NewRange(govktypes.Tuple3{0, 0, 0}, govktypes.Tuple3{10, 4, 1})
	locals := []govktypes.Range{
		govktypes.NewRange(govktypes.Tuple3{0, 0, 0}, govktypes.Tuple3{5, 4, 1}),
		govktypes.NewRange(govktypes.Tuple3{5, 0, 0}, govktypes.Tuple3{10, 4, 1}),
	}

	errs := make(chan error, 2)
	for r := 0; r < 2; r++ {
		r := r
		go func() {
			ctx := context.Background()
			part := fakePartition{rank: r, size: 2}
			g, err := grid.NewGrid(ctx, comms[r], 0, "seam", 2, part, global, locals[r], [3]bool{false, false, false}, 1)
			if err != nil {
				errs <- err
				return
			}
			if g.ExtendedRange.Count() == 0 {
				errs <- assert.AnError
				return
			}
			errs <- nil
		}()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}

func TestCellCoverRangeExtendsOnlyAtInteriorEdges(t *testing.T) {
	part := fakePartition{rank: 0, size: 2}
	g := &grid.Grid{
		Partition:      part,
		CellLocalRange: govktypes.NewRange(govktypes.Tuple3{0, 0, 0}, govktypes.Tuple3{5, 4, 1}),
	}
	cover := grid.CellCoverRange(g)
	// rank 0's axis-0 neighbor at dir -1 doesn't exist (domain edge); dir +1 does.
	assert.Equal(t, 0, cover.Begin[0])
	assert.Equal(t, 6, cover.End[0])
}

func TestGeometryVertexRoundTrip(t *testing.T) {
	r := govktypes.NewRange(govktypes.Tuple3{0, 0, 0}, govktypes.Tuple3{3, 3, 1})
	geom := grid.NewGeometry(govktypes.GeometryUniform, r, [3]bool{false, false, false}, govktypes.FTuple3{})
	p := govktypes.Tuple3{1, 2, 0}
	geom.SetAt(p, govktypes.FTuple3{1.5, 2.5, 0})
	assert.Equal(t, govktypes.FTuple3{1.5, 2.5, 0}, geom.At(p))
}

func TestGeometryDefaultsPeriodicLengthToRangeExtent(t *testing.T) {
	r := govktypes.NewRange(govktypes.Tuple3{0, 0, 0}, govktypes.Tuple3{8, 1, 1})
	geom := grid.NewGeometry(govktypes.GeometryUniform, r, [3]bool{true, false, false}, govktypes.FTuple3{})
	assert.Equal(t, 8.0, geom.PeriodicLength[0])
}

func TestStateEditRestoreRoundTrip(t *testing.T) {
	comms := transport.NewLocalNetwork(1)
	part := fakePartition{rank: 0, size: 1}
	g := &grid.Grid{
		Partition:     part,
		ExtendedRange: govktypes.NewRange(govktypes.Tuple3{0, 0, 0}, govktypes.Tuple3{4, 4, 1}),
	}
	s := grid.NewState(g)
	ctx := context.Background()
	guard, err := s.Edit(ctx, comms[0])
	require.NoError(t, err)
	p := govktypes.Tuple3{1, 1, 0}
	s.Set(p, govktypes.StateActive)
	require.NoError(t, guard.Close(ctx))
	assert.True(t, s.Test(p, govktypes.StateActive))

	select {
	case ev := <-s.Events():
		assert.Equal(t, govktypes.EventEditState, ev)
	default:
		t.Fatal("expected an EventEditState notification after Close")
	}
}

func TestStateMutationWithoutEditPanics(t *testing.T) {
	g := &grid.Grid{ExtendedRange: govktypes.NewRange(govktypes.Tuple3{0, 0, 0}, govktypes.Tuple3{2, 2, 1})}
	s := grid.NewState(g)
	assert.Panics(t, func() {
		s.Set(govktypes.Tuple3{0, 0, 0}, govktypes.StateActive)
	})
}
