package assemble_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/govk/assemble"
	"github.com/notargets/govk/connectivity"
	"github.com/notargets/govk/domain"
	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/grid"
	"github.com/notargets/govk/transport"
)

// isolatedPartition has no Cartesian neighbors in any direction.
type isolatedPartition struct{}

func (isolatedPartition) Rank() int                              { return 0 }
func (isolatedPartition) CommSize() int                          { return 1 }
func (isolatedPartition) CartDims() govktypes.Tuple3              { return govktypes.Tuple3{1, 1, 1} }
func (isolatedPartition) CartPeriodic() [3]bool                   { return [3]bool{false, false, false} }
func (isolatedPartition) NeighborRank(axis, dir int) (int, bool)  { return -1, false }

// ringedPartition reports a (fake) neighbor on both directions of axis 0
// and 1, used to exercise the inner-edge-of-active-region inference path
// without a real second rank.
type ringedPartition struct{}

func (ringedPartition) Rank() int                 { return 0 }
func (ringedPartition) CommSize() int             { return 1 }
func (ringedPartition) CartDims() govktypes.Tuple3 { return govktypes.Tuple3{1, 1, 1} }
func (ringedPartition) CartPeriodic() [3]bool      { return [3]bool{false, false, false} }
func (ringedPartition) NeighborRank(axis, dir int) (int, bool) {
	if axis == 0 || axis == 1 {
		return 0, true
	}
	return -1, false
}

// periodicSelfPartition reports a wraparound neighbor on axis 0, modeling
// a single-rank periodic grid.
type periodicSelfPartition struct{}

func (periodicSelfPartition) Rank() int                 { return 0 }
func (periodicSelfPartition) CommSize() int             { return 1 }
func (periodicSelfPartition) CartDims() govktypes.Tuple3 { return govktypes.Tuple3{1, 1, 1} }
func (periodicSelfPartition) CartPeriodic() [3]bool      { return [3]bool{true, false, false} }
func (periodicSelfPartition) NeighborRank(axis, dir int) (int, bool) {
	if axis == 0 {
		return 0, true
	}
	return -1, false
}

func build1DUniformGrid(t *testing.T, ctx context.Context, comm transport.Comm, id int, name string,
	begin, end int) (*grid.Grid, *grid.Geometry, *grid.State) {

	rng := govktypes.NewRange(govktypes.Tuple3{begin, 0, 0}, govktypes.Tuple3{end, 1, 1})
	g, err := grid.NewGrid(ctx, comm, id, name, 1, isolatedPartition{}, rng, rng, [3]bool{false, false, false}, 0)
	require.NoError(t, err)

	geom := grid.NewGeometry(govktypes.GeometryUniform, g.ExtendedRange, [3]bool{false, false, false}, govktypes.FTuple3{})
	g.ExtendedRange.Iterate(func(p govktypes.Tuple3) {
		geom.SetAt(p, govktypes.FTuple3{float64(p[0]), 0, 0})
	})
	state := grid.NewState(g)
	return g, geom, state
}

// TestAssembleCutsBoundaryDonorAnchors is grounded on spec.md's S1 "two
// grids sharing a seam": grid A covers columns [0,10), grid B covers
// columns [2,12), physically overlapping on [2,9]. cutBoundaryHoles
// should drop exactly the rows whose donor anchor coincides with the
// donor's own outer edge, and generateConnectivity should never write a
// donor anchor equal to that edge into the surviving tables.
func TestAssembleCutsBoundaryDonorAnchors(t *testing.T) {
	comms := transport.NewLocalNetwork(1)
	ctx := context.Background()
	comm := comms[0]

	gridA, geomA, stateA := build1DUniformGrid(t, ctx, comm, 0, "A", 0, 10)
	gridB, geomB, stateB := build1DUniformGrid(t, ctx, comm, 1, "B", 2, 12)

	dom := domain.NewDomain(domain.NewContext(comm))
	dom.CreateGrids(gridA, gridB)

	driver := assemble.NewDriver(dom, assemble.Options{
		Dim:          1,
		Overlappable: func(m, n int) bool { return m != n },
	})
	driver.AddGrid(gridA, geomA, stateA)
	driver.AddGrid(gridB, geomB, stateB)

	result, err := driver.Assemble(ctx)
	require.NoError(t, err)

	pairAB := connectivity.Pair{MGrid: 0, NGrid: 1} // A donates to B
	pairBA := connectivity.Pair{MGrid: 1, NGrid: 0} // B donates to A

	assert.Contains(t, result.Pairs, pairAB)
	assert.Contains(t, result.Pairs, pairBA)
	assert.Greater(t, result.RowCounts[pairAB], 0)
	assert.Greater(t, result.RowCounts[pairBA], 0)

	comp := dom.Component(driver.ComponentID())

	mAB := comp.MStore.Read(pairAB)
	for i := 0; i < mAB.NumDonors; i++ {
		assert.NotEqual(t, 0, mAB.Begin[0][i], "A's own edge column 0 must never be a surviving donor anchor")
	}
	mBA := comp.MStore.Read(pairBA)
	for i := 0; i < mBA.NumDonors; i++ {
		assert.NotEqual(t, 2, mBA.Begin[0][i], "B's own edge column 2 must never be a surviving donor anchor")
	}
}

// TestInferBoundariesRingOfFour is grounded on spec.md's S6 "inference":
// a 4x4 active region surrounded by inactive points with no overlap
// present. After inferBoundaries, exactly the 12-point outer ring should
// carry DOMAIN_BOUNDARY|INFERRED_DOMAIN_BOUNDARY; the inner 2x2 should
// not.
func TestInferBoundariesRingOfFour(t *testing.T) {
	comms := transport.NewLocalNetwork(1)
	ctx := context.Background()
	comm := comms[0]

	local := govktypes.NewRange(govktypes.Tuple3{0, 0, 0}, govktypes.Tuple3{4, 4, 1})
	g, err := grid.NewGrid(ctx, comm, 0, "R", 2, ringedPartition{}, local, local, [3]bool{false, false, false}, 1)
	require.NoError(t, err)
	geom := grid.NewGeometry(govktypes.GeometryUniform, g.ExtendedRange, [3]bool{false, false, false}, govktypes.FTuple3{})
	g.ExtendedRange.Iterate(func(p govktypes.Tuple3) {
		geom.SetAt(p, govktypes.FTuple3{float64(p[0]), float64(p[1]), 0})
	})
	state := grid.NewState(g)

	dom := domain.NewDomain(domain.NewContext(comm))
	dom.CreateGrids(g)

	driver := assemble.NewDriver(dom, assemble.Options{
		Dim:          2,
		Overlappable: func(m, n int) bool { return false },
	})
	driver.AddGrid(g, geom, state)

	_, err = driver.Assemble(ctx)
	require.NoError(t, err)

	ringCount := 0
	local.Iterate(func(p govktypes.Tuple3) {
		mask := govktypes.StateDomainBoundary | govktypes.StateInferredDomainBoundary
		isRing := p[0] == 0 || p[0] == 3 || p[1] == 0 || p[1] == 3
		if state.Test(p, mask) {
			ringCount++
			assert.True(t, isRing, "only the outer ring should be inferred, got %+v", p)
		} else {
			assert.False(t, isRing, "every outer-ring point should be inferred, missing %+v", p)
		}
	})
	assert.Equal(t, 12, ringCount)
}

// TestInitializeMasksTreatsPeriodicWrapAsInternal is grounded on spec.md's
// S3 "periodicity": a 1D periodic grid's wrap edge is a Cartesian
// neighbor (itself), so initializeMasks must mark it
// INTERNAL_BOUNDARY, never DOMAIN_BOUNDARY.
func TestInitializeMasksTreatsPeriodicWrapAsInternal(t *testing.T) {
	comms := transport.NewLocalNetwork(1)
	ctx := context.Background()
	comm := comms[0]

	local := govktypes.NewRange(govktypes.Tuple3{0, 0, 0}, govktypes.Tuple3{16, 1, 1})
	g, err := grid.NewGrid(ctx, comm, 0, "P", 1, periodicSelfPartition{}, local, local, [3]bool{true, false, false}, 1)
	require.NoError(t, err)
	geom := grid.NewGeometry(govktypes.GeometryUniform, g.ExtendedRange, [3]bool{true, false, false}, govktypes.FTuple3{})
	g.ExtendedRange.Iterate(func(p govktypes.Tuple3) {
		geom.SetAt(p, govktypes.FTuple3{float64(p[0]), 0, 0})
	})
	state := grid.NewState(g)

	dom := domain.NewDomain(domain.NewContext(comm))
	dom.CreateGrids(g)

	driver := assemble.NewDriver(dom, assemble.Options{
		Dim:          1,
		Overlappable: func(m, n int) bool { return false },
	})
	driver.AddGrid(g, geom, state)

	_, err = driver.Assemble(ctx)
	require.NoError(t, err)

	assert.True(t, state.Test(govktypes.Tuple3{0, 0, 0}, govktypes.StateInternalBoundary))
	assert.False(t, state.Test(govktypes.Tuple3{0, 0, 0}, govktypes.StateDomainBoundary))
	assert.True(t, state.Test(govktypes.Tuple3{15, 0, 0}, govktypes.StateInternalBoundary))
	assert.False(t, state.Test(govktypes.Tuple3{15, 0, 0}, govktypes.StateDomainBoundary))
}

// TestAssembleCrossRankDonorWritesOwnMStore is the genuine two-rank
// scenario spec.md's S1 calls for: grid A lives entirely on rank 0, grid
// B lives entirely on rank 1, with the two columns [0,10) and [2,12)
// physically overlapping on [2,9]. Overlap is bidirectional (A donates
// to B, and B donates to A), so each rank ends up owning one side of
// each pair: rank 0 owns the receiver table for {1,0} (A receiving from
// B) and, via a donorRequest shipped over from rank 1, the donor table
// for {0,1} (A donating to B); rank 1 is the mirror image. Neither rank
// ever writes a table for a grid it doesn't locally own.
func TestAssembleCrossRankDonorWritesOwnMStore(t *testing.T) {
	comms := transport.NewLocalNetwork(2)
	ctx := context.Background()
	pairAB := connectivity.Pair{MGrid: 0, NGrid: 1} // A donates to B
	pairBA := connectivity.Pair{MGrid: 1, NGrid: 0} // B donates to A
	overlappable := func(m, n int) bool { return m != n }

	var domRank1 *domain.Domain
	var driverRank1 *assemble.Driver
	var resultRank1 *assemble.Result
	done := make(chan error, 1)

	go func() {
		solo := transport.NewLocalNetwork(1)[0]
		gridB, geomB, stateB := build1DUniformGrid(t, ctx, solo, 1, "B", 2, 12)

		domRank1 = domain.NewDomain(domain.NewContext(comms[1]))
		domRank1.CreateGrids(gridB)
		driverRank1 = assemble.NewDriver(domRank1, assemble.Options{
			Dim:          1,
			Overlappable: overlappable,
		})
		driverRank1.AddGrid(gridB, geomB, stateB)

		res, err := driverRank1.Assemble(ctx)
		resultRank1 = res
		done <- err
	}()

	solo := transport.NewLocalNetwork(1)[0]
	gridA, geomA, stateA := build1DUniformGrid(t, ctx, solo, 0, "A", 0, 10)

	domRank0 := domain.NewDomain(domain.NewContext(comms[0]))
	domRank0.CreateGrids(gridA)
	driverRank0 := assemble.NewDriver(domRank0, assemble.Options{
		Dim:          1,
		Overlappable: overlappable,
	})
	driverRank0.AddGrid(gridA, geomA, stateA)

	resultRank0, err := driverRank0.Assemble(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)

	// Rank 0 owns grid A: its own MStore for {0,1} (A donating to B) is
	// populated entirely from donorRequests shipped over by rank 1, and
	// its own NStore for {1,0} (A receiving from B) is populated locally.
	compRank0 := domRank0.Component(driverRank0.ComponentID())
	mAB0 := compRank0.MStore.Read(pairAB)
	require.Greater(t, mAB0.NumDonors, 0)
	for i := 0; i < mAB0.NumDonors; i++ {
		assert.Equal(t, 1, mAB0.DestinationRank[i], "A's donor rows must all be destined for rank 1")
	}
	nBA0 := compRank0.NStore.Read(pairBA)
	require.Greater(t, nBA0.NumPoints, 0)
	for i := 0; i < nBA0.NumPoints; i++ {
		assert.Equal(t, 1, nBA0.SourceRank[i], "A's receiver rows must all be sourced from rank 1")
	}

	// Rank 1 owns grid B: the mirror image of rank 0's tables.
	compRank1 := domRank1.Component(driverRank1.ComponentID())
	mBA1 := compRank1.MStore.Read(pairBA)
	require.Greater(t, mBA1.NumDonors, 0)
	for i := 0; i < mBA1.NumDonors; i++ {
		assert.Equal(t, 0, mBA1.DestinationRank[i], "B's donor rows must all be destined for rank 0")
	}
	nAB1 := compRank1.NStore.Read(pairAB)
	require.Greater(t, nAB1.NumPoints, 0)
	for i := 0; i < nAB1.NumPoints; i++ {
		assert.Equal(t, 0, nAB1.SourceRank[i], "B's receiver rows must all be sourced from rank 0")
	}

	assert.Contains(t, resultRank1.Pairs, pairAB)
	assert.Equal(t, resultRank1.RowCounts[pairAB], mAB0.NumDonors,
		"rank 1's receiver rows for A->B and rank 0's donor rows for A->B must agree on row count")

	assert.Contains(t, resultRank0.Pairs, pairBA)
	assert.Equal(t, resultRank0.RowCounts[pairBA], mBA1.NumDonors,
		"rank 0's receiver rows for B->A and rank 1's donor rows for B->A must agree on row count")
}
