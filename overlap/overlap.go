// Package overlap implements the distributed overlap-detection algorithm:
// given a set of locally owned grids and a built spatial hash, it finds
// every receiver point covered by some other (overlappable) grid's cells,
// computes donor cell and local coordinates, and emits the provisional
// overlap tables assemble.Driver later thins into real connectivity.
package overlap

import (
	"context"
	"fmt"
	"sort"

	"github.com/notargets/govk/connectivity"
	"github.com/notargets/govk/govklog"
	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/grid"
	"github.com/notargets/govk/hash"
	"github.com/notargets/govk/invert"
	"github.com/notargets/govk/transport"
)

// Options configures a Detector.
type Options struct {
	// Dim is the spatial dimension shared by every registered grid.
	Dim int
	// Overlappable reports whether grid m is allowed to donate to grid n.
	Overlappable func(m, n int) bool
	// Tolerance is the containment tolerance passed to invert.CoordsInCell;
	// 0 selects invert.DefaultTolerance.
	Tolerance float64
}

type localGrid struct {
	grid  *grid.Grid
	geom  *grid.Geometry
	state *grid.State
}

type remoteKey struct{ rank, gridID int }

const (
	metaRequestTag  = 40001
	metaResponseTag = 40002
)

// Detector orchestrates overlap discovery for every grid registered on it.
type Detector struct {
	comm  transport.Comm
	log   *govklog.Logger
	opts  Options
	grids map[int]*localGrid
	hash  *hash.Hash
	cache map[remoteKey]partitionMeta
}

// NewDetector builds an empty Detector bound to comm.
func NewDetector(comm transport.Comm, log *govklog.Logger, opts Options) *Detector {
	return &Detector{
		comm:  comm,
		log:   log,
		opts:  opts,
		grids: make(map[int]*localGrid),
		cache: make(map[remoteKey]partitionMeta),
	}
}

// Register adds a locally owned grid (with its geometry and flag state) to
// the set of grids this Detector considers, both as a candidate donor and
// as a candidate receiver.
func (d *Detector) Register(g *grid.Grid, geom *grid.Geometry, state *grid.State) {
	d.grids[g.ID] = &localGrid{grid: g, geom: geom, state: state}
}

// cellRangeToPointRange inverts grid's point->cell range collapse: every
// spatial axis gains one more point than it has cells; collapsed axes
// (axis >= dim) are left untouched.
func cellRangeToPointRange(cellRange govktypes.Range, dim int) govktypes.Range {
	out := cellRange
	for axis := 0; axis < dim; axis++ {
		out.End[axis] = cellRange.End[axis] + 1
	}
	return out
}

// GatherBounds returns one hash.Region per locally registered grid, covering
// the vertex bounding box of its CellCoverRange.
func (d *Detector) GatherBounds() []hash.Region {
	out := make([]hash.Region, 0, len(d.grids))
	for id, lg := range d.grids {
		cover := grid.CellCoverRange(lg.grid)
		pts := cellRangeToPointRange(cover, lg.grid.Dim)
		box := lg.geom.Bounds(pts)
		out = append(out, hash.Region{Rank: d.comm.Rank(), GridID: id, Box: box})
	}
	return out
}

// Hash returns the spatial hash built by the most recent BuildHash call,
// or nil if BuildHash has not yet run.
func (d *Detector) Hash() *hash.Hash { return d.hash }

// BuildHash is collective: builds the spatial hash every rank's Detect call
// depends on to discover candidate donor grids.
func (d *Detector) BuildHash(ctx context.Context) error {
	h, err := hash.Build(ctx, d.comm, d.opts.Dim, d.GatherBounds())
	if err != nil {
		return fmt.Errorf("overlap: BuildHash: %w", err)
	}
	d.hash = h
	return nil
}

// Detect runs the full overlap-detection algorithm for every registered
// grid acting as receiver, returning the accumulated overlap tables. It is
// collective: every rank must call Detect even if it owns no receiver
// points this round, since hash retrieval and partition-meta exchange are
// both handshake-based collectives.
func (d *Detector) Detect(ctx context.Context) (*connectivity.OverlapStore, error) {
	store := connectivity.NewOverlapStore(d.comm)

	ids := make([]int, 0, len(d.grids))
	for id := range d.grids {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, nID := range ids {
		n := d.grids[nID]
		if err := d.detectForReceiver(ctx, n, store); err != nil {
			return nil, fmt.Errorf("overlap: Detect grid %d: %w", nID, err)
		}
	}
	return store, nil
}

type overlapRow struct {
	point  govktypes.Tuple3
	anchor govktypes.Tuple3
	rank   int
}

func (d *Detector) detectForReceiver(ctx context.Context, n *localGrid, store *connectivity.OverlapStore) error {
	activePoints := make([]govktypes.Tuple3, 0)
	bins := make(map[int]struct{})
	pointBin := make(map[govktypes.Tuple3]int)

	n.grid.LocalRange.Iterate(func(p govktypes.Tuple3) {
		if n.state != nil && !n.state.Test(p, govktypes.StateActive) {
			return
		}
		bin := d.hash.MapPointToBin(n.geom.At(p))
		pointBin[p] = bin
		bins[bin] = struct{}{}
		activePoints = append(activePoints, p)
	})
	if len(activePoints) == 0 {
		return nil
	}

	regionsByBin, err := d.hash.RetrieveBins(ctx, d.comm, bins)
	if err != nil {
		return fmt.Errorf("RetrieveBins: %w", err)
	}

	candidates := make(map[remoteKey]struct{})
	for _, p := range activePoints {
		coord := n.geom.At(p)
		for _, region := range regionsByBin[pointBin[p]] {
			if region.GridID == n.grid.ID {
				continue
			}
			if d.opts.Overlappable != nil && !d.opts.Overlappable(region.GridID, n.grid.ID) {
				continue
			}
			if !region.Box.Contains(coord) {
				continue
			}
			candidates[remoteKey{region.Rank, region.GridID}] = struct{}{}
		}
	}

	if err := d.exchangePartitionMeta(ctx, candidates); err != nil {
		return fmt.Errorf("ExchangePartitionMeta: %w", err)
	}

	rowsByDonor := make(map[int][]overlapRow)
	tol := d.opts.Tolerance

	// Every candidate donor is tested independently -- a single receiver
	// point can and does appear in more than one donor's overlap table,
	// since the overlap tables are a superset that downstream occlusion
	// and minimization phases thin down, not a pre-resolved answer. The
	// candidate order is sorted (rather than ranged directly over the
	// candidates map) so two runs over unchanged input visit donors in
	// the same order and produce the same tables.
	sortedCandidates := make([]remoteKey, 0, len(candidates))
	for key := range candidates {
		sortedCandidates = append(sortedCandidates, key)
	}
	sort.Slice(sortedCandidates, func(i, j int) bool {
		if sortedCandidates[i].rank != sortedCandidates[j].rank {
			return sortedCandidates[i].rank < sortedCandidates[j].rank
		}
		return sortedCandidates[i].gridID < sortedCandidates[j].gridID
	})

	for _, p := range activePoints {
		coord := n.geom.At(p)
		for _, key := range sortedCandidates {
			meta, ok := d.cache[key]
			if !ok {
				continue
			}
			anchor, found := pointInCellSearch(meta, tol, coord, d.log)
			if !found {
				continue
			}
			rowsByDonor[meta.GridID] = append(rowsByDonor[meta.GridID], overlapRow{
				point:  p,
				anchor: anchor,
				rank:   key.rank,
			})
		}
	}

	if n.state != nil {
		overlapped := make(map[govktypes.Tuple3]bool)
		for _, rows := range rowsByDonor {
			for _, r := range rows {
				overlapped[r.point] = true
			}
		}
		if len(overlapped) > 0 {
			guard, err := n.state.Edit(ctx, d.comm)
			if err != nil {
				return fmt.Errorf("OverlapMask edit: %w", err)
			}
			for p := range overlapped {
				n.state.Set(p, govktypes.StateOverlapped)
			}
			if err := guard.Close(ctx); err != nil {
				return fmt.Errorf("OverlapMask restore: %w", err)
			}
		}
	}

	for donorID, rows := range rowsByDonor {
		sort.Slice(rows, func(i, j int) bool {
			return rowGlobalIndex(n.grid, rows[i].point) < rowGlobalIndex(n.grid, rows[j].point)
		})
		pair := connectivity.Pair{MGrid: donorID, NGrid: n.grid.ID}
		if err := emitOverlapTable(ctx, store, pair, rows); err != nil {
			return fmt.Errorf("EmitTables pair %+v: %w", pair, err)
		}
	}
	return nil
}

func rowGlobalIndex(g *grid.Grid, p govktypes.Tuple3) int {
	return p.Sub(g.GlobalRange.Begin).RowMajorIndex(g.GlobalRange.Size())
}

func emitOverlapTable(ctx context.Context, store *connectivity.OverlapStore, pair connectivity.Pair, rows []overlapRow) error {
	if err := store.Resize(ctx, pair, len(rows)); err != nil {
		return err
	}
	pe, err := store.EditPoints(ctx, pair)
	if err != nil {
		return err
	}
	pts := pe.Point()
	for i, r := range rows {
		for axis := 0; axis < 3; axis++ {
			pts[axis][i] = r.point[axis]
		}
	}
	if err := pe.Close(ctx); err != nil {
		return err
	}

	se, err := store.EditSources(ctx, pair)
	if err != nil {
		return err
	}
	anchors := se.SourceCellAnchor()
	ranks := se.SourceRank()
	for i, r := range rows {
		for axis := 0; axis < 3; axis++ {
			anchors[axis][i] = r.anchor[axis]
		}
		(*ranks)[i] = r.rank
	}
	return se.Close(ctx)
}

// pointInCellSearch brute-forces meta's cell_local_range in row-major order,
// returning the first cell whose invert.CoordsInCell accepts coord. Since
// meta always describes a single rank's own local cells, the accepted rank
// IS the owning rank -- ResolveOwner reduces to that identity rather than a
// further lookup. A curvilinear cell whose Newton solve doesn't converge is
// still accepted as a match (with a warning) rather than silently treated
// as "point outside the cell" -- a non-convergent local coordinate cannot
// be trusted to rule the donor out.
func pointInCellSearch(meta partitionMeta, tol float64, coord govktypes.FTuple3, log *govklog.Logger) (govktypes.Tuple3, bool) {
	var found govktypes.Tuple3
	ok := false
	meta.CellLocalRange.Iterate(func(anchor govktypes.Tuple3) {
		if ok {
			return
		}
		cell := cellFromVertices(meta, anchor)
		_, matched, converged := invert.CoordsInCell(cell, tol, coord)
		if !matched {
			return
		}
		if !converged {
			log.Warn("overlap: curvilinear donor cell %+v (grid %d) did not converge while testing point %+v, recording as donor anyway", anchor, meta.GridID, coord)
		}
		found = anchor
		ok = true
	})
	return found, ok
}

// cellFromVertices builds an invert.Cell generically from the 2^dim corner
// coordinates of the cell anchored at anchor, populating every field
// CoordsInCell's dispatch might read regardless of meta.Type: Corner/
// Spacing for Uniform, AxisCoords for Rectilinear (valid since both assume
// an axis-aligned grid, which every GeometryType here is -- oriented
// variants are treated as axis-aligned, a documented simplification), and
// the full Vertices list for Curvilinear.
func cellFromVertices(meta partitionMeta, anchor govktypes.Tuple3) invert.Cell {
	dim := meta.Dim
	numCorners := 1 << dim
	verts := make([]govktypes.FTuple3, numCorners)
	for corner := 0; corner < numCorners; corner++ {
		var offset govktypes.Tuple3
		for axis := 0; axis < dim; axis++ {
			offset[axis] = (corner >> axis) & 1
		}
		verts[corner] = meta.At(anchor.Add(offset))
	}

	cell := invert.Cell{Type: meta.Type, Dim: dim, Vertices: verts, Corner: verts[0]}
	for axis := 0; axis < dim; axis++ {
		bit := 1 << axis
		cell.Spacing[axis] = verts[bit][axis] - verts[0][axis]
		cell.Axes[axis] = unitAxis(axis)
		cell.AxisCoords[axis] = []float64{verts[0][axis], verts[numCorners-1][axis]}
	}
	return cell
}

func unitAxis(axis int) govktypes.FTuple3 {
	var v govktypes.FTuple3
	v[axis] = 1
	return v
}

func (d *Detector) exchangePartitionMeta(ctx context.Context, candidates map[remoteKey]struct{}) error {
	requestsByRank := make(map[int][]int)
	for key := range candidates {
		if _, cached := d.cache[key]; cached {
			continue
		}
		if key.rank == d.comm.Rank() {
			d.cache[key] = d.localMeta(key.gridID)
			continue
		}
		requestsByRank[key.rank] = append(requestsByRank[key.rank], key.gridID)
	}
	if len(requestsByRank) == 0 {
		return nil
	}

	knownPeers := make(map[int]struct{}, len(requestsByRank))
	for rank, ids := range requestsByRank {
		knownPeers[rank] = struct{}{}
		if err := transport.SendFrame(ctx, d.comm, rank, metaRequestTag, encodeIntList(ids)); err != nil {
			return err
		}
	}

	senders, err := transport.Handshake(ctx, d.comm, knownPeers)
	if err != nil {
		return err
	}

	froms := make([]int, 0, len(senders))
	for from := range senders {
		froms = append(froms, from)
	}
	sort.Ints(froms)

	for _, from := range froms {
		payload, _, err := transport.RecvFrame(ctx, d.comm, from, metaRequestTag)
		if err != nil {
			return err
		}
		wanted := decodeIntList(payload)
		metas := make([]partitionMeta, 0, len(wanted))
		for _, id := range wanted {
			if lg, ok := d.grids[id]; ok {
				metas = append(metas, d.buildMeta(lg))
			}
		}
		if err := transport.SendFrame(ctx, d.comm, from, metaResponseTag, encodeMetaList(metas)); err != nil {
			return err
		}
	}

	for rank := range requestsByRank {
		payload, _, err := transport.RecvFrame(ctx, d.comm, rank, metaResponseTag)
		if err != nil {
			return err
		}
		metas := decodeMetaList(payload)
		for _, m := range metas {
			d.cache[remoteKey{rank, m.GridID}] = m
		}
	}
	return nil
}

func (d *Detector) localMeta(gridID int) partitionMeta {
	return d.buildMeta(d.grids[gridID])
}

func (d *Detector) buildMeta(lg *localGrid) partitionMeta {
	return partitionMeta{
		GridID:         lg.grid.ID,
		Type:           lg.geom.Type,
		Dim:            lg.grid.Dim,
		CellLocalRange: lg.grid.CellLocalRange,
		ExtendedRange:  lg.geom.Range,
		Coords:         lg.geom.Coords,
	}
}
