// Package grid defines the per-rank local tile of a structured grid: its
// index ranges, its geometry (physical coordinates), and its flag state.
// The decomposition itself (which rank owns which tile) is supplied from
// outside via the Partition interface, generalizing the teacher's
// utils.PartitionMap 1D split into an opaque 3D Cartesian decomposition.
package grid

import (
	"context"
	"fmt"

	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/transport"
)

// Partition is the externally supplied decomposition a Grid is built
// against: which rank owns this tile, how many ranks share the grid, and
// who the Cartesian neighbors are. transport.CartComm satisfies this
// directly.
type Partition interface {
	Rank() int
	CommSize() int
	CartDims() govktypes.Tuple3
	CartPeriodic() [3]bool
	NeighborRank(axis int, dir int) (rank int, ok bool)
}

// cartPartition adapts a transport.CartComm to Partition.
type cartPartition struct{ cart *transport.CartComm }

// NewCartPartition wraps a CartComm as a grid.Partition.
func NewCartPartition(cart *transport.CartComm) Partition { return cartPartition{cart} }

func (p cartPartition) Rank() int     { return p.cart.Rank() }
func (p cartPartition) CommSize() int { return p.cart.Size() }
func (p cartPartition) CartDims() govktypes.Tuple3 {
	d := p.cart.Dims()
	return govktypes.Tuple3{d[0], d[1], d[2]}
}
func (p cartPartition) CartPeriodic() [3]bool { return p.cart.Periodic() }
func (p cartPartition) NeighborRank(axis, dir int) (int, bool) {
	return p.cart.NeighborRank(axis, dir)
}

// Grid is one rank's local tile of a structured grid.
type Grid struct {
	ID   int
	Name string
	Dim  int

	Partition Partition

	GlobalRange        govktypes.Range
	LocalRange         govktypes.Range
	ExtendedRange       govktypes.Range
	CellLocalRange      govktypes.Range
	CellExtendedRange   govktypes.Range
	Periodicity         [3]bool
}

// NewGrid validates the tiling and halo invariants and returns the
// assembled Grid. haloWidth is the number of extra points grown on every
// side that has a Cartesian neighbor (typically 1).
func NewGrid(ctx context.Context, comm transport.Comm, id int, name string, dim int,
	partition Partition, globalRange, localRange govktypes.Range, periodicity [3]bool,
	haloWidth int) (*Grid, error) {

	g := &Grid{
		ID:          id,
		Name:        name,
		Dim:         dim,
		Partition:   partition,
		GlobalRange: globalRange,
		LocalRange:  localRange,
		Periodicity: periodicity,
	}
	g.ExtendedRange = extendRange(localRange, globalRange, partition, periodicity, haloWidth)
	g.CellLocalRange = pointRangeToCellRange(localRange)
	g.CellExtendedRange = pointRangeToCellRange(g.ExtendedRange)

	if err := g.checkTiling(ctx, comm); err != nil {
		return nil, err
	}
	return g, nil
}

// extendRange grows localRange by haloWidth on every axis/side that has an
// actual Cartesian neighbor (including wraparound via periodicity); a true
// domain edge with no neighbor is left unextended.
func extendRange(local, global govktypes.Range, partition Partition, periodicity [3]bool, haloWidth int) govktypes.Range {
	out := local
	for axis := 0; axis < 3; axis++ {
		if _, ok := partition.NeighborRank(axis, -1); ok {
			out.Begin[axis] -= haloWidth
		}
		if _, ok := partition.NeighborRank(axis, +1); ok {
			out.End[axis] += haloWidth
		}
	}
	return out
}

// pointRangeToCellRange converts a vertex/point range to the range of cells
// whose low corner lies in it (one fewer than the point count per axis with
// points present, collapsed axes stay size 1).
func pointRangeToCellRange(r govktypes.Range) govktypes.Range {
	out := r
	for axis := 0; axis < 3; axis++ {
		if r.End[axis]-r.Begin[axis] > 1 {
			out.End[axis] = r.End[axis] - 1
		}
	}
	return out
}

// checkTiling asserts that local ranges across ranks are disjoint and union
// to GlobalRange, via an Allreduce sum of local point counts against the
// global point count -- a non-fatal assert in debug builds per the ambient
// error-handling model (panics here since a torn decomposition is a
// precondition violation, never a recoverable runtime condition).
func (g *Grid) checkTiling(ctx context.Context, comm transport.Comm) error {
	localVol := float64(g.LocalRange.Count())
	out := make([]float64, 1)
	if err := comm.Allreduce(ctx, transport.ReduceSum, []float64{localVol}, out); err != nil {
		return fmt.Errorf("grid: checkTiling Allreduce: %w", err)
	}
	globalVol := float64(g.GlobalRange.Count())
	if out[0] != globalVol {
		panic(fmt.Errorf("grid %q: local point counts sum to %v, want %v (torn or overlapping decomposition)", g.Name, out[0], globalVol))
	}
	return nil
}

// CellCoverRange returns the local cell range extended by 1 on every
// non-upper, non-periodic edge: the region a donor search or overlap scan
// from this rank needs to cover.
func CellCoverRange(g *Grid) govktypes.Range {
	out := g.CellLocalRange
	for axis := 0; axis < 3; axis++ {
		if _, ok := g.Partition.NeighborRank(axis, -1); ok {
			out.Begin[axis]--
		}
		if _, ok := g.Partition.NeighborRank(axis, +1); ok {
			out.End[axis]++
		}
	}
	return out
}
