// Package assemble runs the fixed-order assembly pipeline that turns a
// set of registered grids and a set of allowed donor/receiver pairs into
// connectivity: initializing flag masks, detecting overlap, inferring
// boundaries, and thinning the overlap superset down into the
// MStore/NStore tables the exchange package consumes.
package assemble

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/notargets/govk/connectivity"
	"github.com/notargets/govk/domain"
	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/grid"
	"github.com/notargets/govk/hash"
	"github.com/notargets/govk/overlap"
)

// Options configures a Driver's policy layers.
type Options struct {
	// Dim is the spatial dimension shared by every registered grid.
	Dim int
	// Overlappable reports whether grid m is allowed to donate to grid n.
	Overlappable func(m, n int) bool
	// Priority ranks a donor grid for computeOcclusion; higher wins. A nil
	// Priority disables occlusion (every valid donor is kept until
	// minimizeOverlap's distance tie-break runs).
	Priority func(gridID int) int
	// PadCells is the number of neighbor rings applyPadding grows retained
	// connectivity by, re-admitting points from the original overlap
	// superset that border an already-retained point.
	PadCells int
	// Tolerance is passed to invert.CoordsInCell; 0 selects the default.
	Tolerance float64
}

// Result summarizes one Assemble run: the surviving pairs and their final
// row counts, reported by cmd/govk-demo's status printout.
type Result struct {
	Pairs     []connectivity.Pair
	RowCounts map[connectivity.Pair]int
}

type gridEntry struct {
	grid  *grid.Grid
	geom  *grid.Geometry
	state *grid.State
}

// Driver orchestrates the fixed phase sequence against one Domain
// component. Grids must be registered with AddGrid before Assemble runs.
type Driver struct {
	dom    *domain.Domain
	opts   Options
	compID int
	det    *overlap.Detector
	grids  map[int]*gridEntry
}

// NewDriver allocates a new connectivity component on dom and returns a
// Driver ready to have its grids registered via AddGrid.
func NewDriver(dom *domain.Domain, opts Options) *Driver {
	compID := dom.CreateComponent()
	det := overlap.NewDetector(dom.Context().Comm, dom.Context().Log, overlap.Options{
		Dim:          opts.Dim,
		Overlappable: opts.Overlappable,
		Tolerance:    opts.Tolerance,
	})
	return &Driver{
		dom:    dom,
		opts:   opts,
		compID: compID,
		det:    det,
		grids:  make(map[int]*gridEntry),
	}
}

// ComponentID returns the connectivity component this Driver populates.
func (d *Driver) ComponentID() int { return d.compID }

// Hash returns the spatial hash built by the most recent Assemble call, or
// nil if Assemble has not yet run. Exposed for diagnostic printouts such as
// cmd/govk-demo's bin occupancy summary.
func (d *Driver) Hash() *hash.Hash { return d.det.Hash() }

// AddGrid registers a locally owned grid, its geometry, and its flag
// state with the Driver, both for mask initialization and as a candidate
// donor/receiver in overlap detection.
func (d *Driver) AddGrid(g *grid.Grid, geom *grid.Geometry, state *grid.State) {
	d.grids[g.ID] = &gridEntry{grid: g, geom: geom, state: state}
	d.det.Register(g, geom, state)
}

type row struct {
	point  govktypes.Tuple3
	anchor govktypes.Tuple3
	rank   int
}

// Assemble runs the fixed phase sequence and returns the resulting
// connectivity summary. It is collective: every rank in dom.Context().Comm
// must call Assemble even if it owns no grids this round.
func (d *Driver) Assemble(ctx context.Context) (*Result, error) {
	comm := d.dom.Context().Comm
	log := d.dom.Context().Log
	comp := d.dom.Component(d.compID)

	if err := d.initializeMasks(ctx); err != nil {
		return nil, fmt.Errorf("assemble: initializeMasks: %w", err)
	}
	log.Status("initializeMasks done")
	if err := comm.Barrier(ctx); err != nil {
		return nil, err
	}

	if err := d.det.BuildHash(ctx); err != nil {
		return nil, fmt.Errorf("assemble: detectOverlap BuildHash: %w", err)
	}
	overlapStore, err := d.det.Detect(ctx)
	if err != nil {
		return nil, fmt.Errorf("assemble: detectOverlap: %w", err)
	}
	log.Status("detectOverlap done")
	if err := comm.Barrier(ctx); err != nil {
		return nil, err
	}

	if err := d.inferBoundaries(ctx); err != nil {
		return nil, fmt.Errorf("assemble: inferBoundaries: %w", err)
	}
	log.Status("inferBoundaries done")
	if err := comm.Barrier(ctx); err != nil {
		return nil, err
	}

	rows := d.extractRows(overlapStore)
	rows = d.cutBoundaryHoles(rows)
	log.Status("cutBoundaryHoles done")

	rows = d.computeOcclusion(rows)
	rows = d.applyPadding(rows, overlapStore)
	rows = d.applySmoothing(rows)
	rows = d.minimizeOverlap(rows)
	log.Status("computeOcclusion/applyPadding/applySmoothing/minimizeOverlap done")
	if err := comm.Barrier(ctx); err != nil {
		return nil, err
	}

	result, err := d.generateConnectivity(ctx, comp, rows)
	if err != nil {
		return nil, fmt.Errorf("assemble: generateConnectivity: %w", err)
	}
	log.Status("generateConnectivity done: %d pairs", len(result.Pairs))
	if err := comm.Barrier(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Driver) overlappable(m, n int) bool {
	if d.opts.Overlappable == nil {
		return true
	}
	return d.opts.Overlappable(m, n)
}

// sortedGridIDs returns the Driver's registered grid IDs in ascending
// order, the iteration order every phase below uses for determinism.
func (d *Driver) sortedGridIDs() []int {
	ids := make([]int, 0, len(d.grids))
	for id := range d.grids {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// cellCornerActive reports whether every one of a cell's 2^dim corner
// points is flagged active, the logical AND initializeMasks' cell-active
// pass computes.
func cellCornerActive(ge *gridEntry, anchor govktypes.Tuple3) bool {
	dim := ge.grid.Dim
	numCorners := 1 << dim
	for corner := 0; corner < numCorners; corner++ {
		var p govktypes.Tuple3
		for axis := 0; axis < dim; axis++ {
			p[axis] = anchor[axis] + (corner>>axis)&1
		}
		for axis := dim; axis < 3; axis++ {
			p[axis] = anchor[axis]
		}
		if !ge.grid.ExtendedRange.Contains(p) || !ge.state.Test(p, govktypes.StateActive) {
			return false
		}
	}
	return true
}

func distance(a, b govktypes.FTuple3) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
