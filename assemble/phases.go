package assemble

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/notargets/govk/connectivity"
	"github.com/notargets/govk/domain"
	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/invert"
)

func sortPairs(pairs []connectivity.Pair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].MGrid != pairs[j].MGrid {
			return pairs[i].MGrid < pairs[j].MGrid
		}
		return pairs[i].NGrid < pairs[j].NGrid
	})
}

// initializeMasks sets active (on every local point, including any the
// caller cleared before Assemble ran), cell-active (AND of 2^dim
// corner activity, stored at the cell's low-corner anchor point since
// State is indexed per point), domain-boundary (a local-range edge with
// no Cartesian neighbor on that side), and internal-boundary (a
// local-range edge that does have a neighbor -- the halo seam).
func (d *Driver) initializeMasks(ctx context.Context) error {
	comm := d.dom.Context().Comm
	for _, id := range d.sortedGridIDs() {
		ge := d.grids[id]
		guard, err := ge.state.Edit(ctx, comm)
		if err != nil {
			return err
		}
		ge.grid.LocalRange.Iterate(func(p govktypes.Tuple3) {
			if !ge.state.Test(p, govktypes.StateActive) {
				ge.state.Set(p, govktypes.StateActive)
			}
		})
		ge.grid.CellLocalRange.Iterate(func(anchor govktypes.Tuple3) {
			if cellCornerActive(ge, anchor) {
				ge.state.Set(anchor, govktypes.StateCellActive)
			}
		})
		ge.grid.LocalRange.Iterate(func(p govktypes.Tuple3) {
			domainEdge, internalEdge := false, false
			for axis := 0; axis < ge.grid.Dim; axis++ {
				if p[axis] == ge.grid.LocalRange.Begin[axis] {
					if _, ok := ge.grid.Partition.NeighborRank(axis, -1); ok {
						internalEdge = true
					} else {
						domainEdge = true
					}
				}
				if p[axis] == ge.grid.LocalRange.End[axis]-1 {
					if _, ok := ge.grid.Partition.NeighborRank(axis, +1); ok {
						internalEdge = true
					} else {
						domainEdge = true
					}
				}
			}
			if domainEdge {
				ge.state.Set(p, govktypes.StateDomainBoundary)
			}
			if internalEdge {
				ge.state.Set(p, govktypes.StateInternalBoundary)
			}
		})
		if err := guard.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

// inferBoundaries marks DOMAIN_BOUNDARY|INFERRED_DOMAIN_BOUNDARY on every
// active point that borders at least one inactive 1-neighbor (an
// "outside" point, whether off the end of the extended range or flagged
// inactive within it), is not already a domain boundary, and is not
// overlapped by any donor grid (overlap.Detector's Detect call, run in
// the prior phase, already set StateOverlapped on exactly those points).
func (d *Driver) inferBoundaries(ctx context.Context) error {
	comm := d.dom.Context().Comm
	for _, id := range d.sortedGridIDs() {
		ge := d.grids[id]
		guard, err := ge.state.Edit(ctx, comm)
		if err != nil {
			return err
		}
		ge.grid.LocalRange.Iterate(func(p govktypes.Tuple3) {
			if !ge.state.Test(p, govktypes.StateActive) {
				return
			}
			if ge.state.Test(p, govktypes.StateDomainBoundary) {
				return
			}
			if ge.state.Test(p, govktypes.StateOverlapped) {
				return
			}
			if !hasInactiveNeighbor(ge, p) {
				return
			}
			ge.state.Set(p, govktypes.StateDomainBoundary|govktypes.StateInferredDomainBoundary)
		})
		if err := guard.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

func hasInactiveNeighbor(ge *gridEntry, p govktypes.Tuple3) bool {
	for axis := 0; axis < ge.grid.Dim; axis++ {
		for dir := -1; dir <= 1; dir += 2 {
			q := p
			q[axis] += dir
			if ge.grid.Periodicity[axis] && !ge.grid.GlobalRange.Contains(q) {
				// Across a periodic wrap the neighbor is the point at the
				// other end of the global range, when this rank holds it.
				lo := ge.grid.GlobalRange.Begin[axis]
				size := ge.grid.GlobalRange.End[axis] - lo
				w := q
				w[axis] = lo + ((q[axis]-lo)%size+size)%size
				if ge.grid.ExtendedRange.Contains(w) {
					q = w
				}
			}
			if !ge.grid.ExtendedRange.Contains(q) {
				return true
			}
			if !ge.state.Test(q, govktypes.StateActive) {
				return true
			}
		}
	}
	return false
}

// extractRows copies every pair's OverlapTable columns into the Driver's
// own row slices, the mutable working set the policy phases below thin
// down before generateConnectivity writes the survivors back out.
func (d *Driver) extractRows(store *connectivity.OverlapStore) map[connectivity.Pair][]row {
	out := make(map[connectivity.Pair][]row)
	for _, pair := range store.Pairs() {
		t := store.Read(pair)
		rs := make([]row, t.NumPoints)
		for i := 0; i < t.NumPoints; i++ {
			for axis := 0; axis < 3; axis++ {
				rs[i].point[axis] = t.Point[axis][i]
				rs[i].anchor[axis] = t.SourceCellAnchor[axis][i]
			}
			rs[i].rank = t.SourceRank[i]
		}
		out[pair] = rs
	}
	return out
}

// cutBoundaryHoles drops a receiver row whenever both (m,n) and (n,m) are
// overlappable and the donor's own anchor cell sits on a domain-boundary
// point: a donor cell touching its own outer edge has no real interior
// neighborhood to interpolate from, so the receiver point behind it is
// cut rather than connected. Pairs whose donor grid isn't locally
// registered (a remote-only donor this rank never saw directly) are left
// untouched -- the boundary flag can only be read from the owning rank.
func (d *Driver) cutBoundaryHoles(rows map[connectivity.Pair][]row) map[connectivity.Pair][]row {
	out := make(map[connectivity.Pair][]row, len(rows))
	for pair, rs := range rows {
		if !(d.overlappable(pair.MGrid, pair.NGrid) && d.overlappable(pair.NGrid, pair.MGrid)) {
			out[pair] = rs
			continue
		}
		donor, ok := d.grids[pair.MGrid]
		if !ok {
			out[pair] = rs
			continue
		}
		kept := make([]row, 0, len(rs))
		for _, r := range rs {
			if donor.state.Test(r.anchor, govktypes.StateDomainBoundary) {
				continue
			}
			kept = append(kept, r)
		}
		out[pair] = kept
	}
	return out
}

type receiverPoint struct {
	nGrid int
	point govktypes.Tuple3
}

// computeOcclusion keeps, for every receiver point covered by more than
// one donor grid, only the row belonging to the highest-priority donor
// (Options.Priority). A nil Priority disables this phase entirely,
// leaving the tie-break to minimizeOverlap.
func (d *Driver) computeOcclusion(rows map[connectivity.Pair][]row) map[connectivity.Pair][]row {
	if d.opts.Priority == nil {
		return rows
	}
	winner := make(map[receiverPoint]int) // -> winning MGrid
	for pair, rs := range rows {
		if len(rs) == 0 {
			continue
		}
		for _, r := range rs {
			key := receiverPoint{pair.NGrid, r.point}
			cur, ok := winner[key]
			if !ok || d.opts.Priority(pair.MGrid) > d.opts.Priority(cur) {
				winner[key] = pair.MGrid
			}
		}
	}
	out := make(map[connectivity.Pair][]row, len(rows))
	for pair, rs := range rows {
		kept := make([]row, 0, len(rs))
		for _, r := range rs {
			if winner[receiverPoint{pair.NGrid, r.point}] == pair.MGrid {
				kept = append(kept, r)
			}
		}
		out[pair] = kept
	}
	return out
}

// applyPadding grows each pair's retained point set by Options.PadCells
// rings, re-admitting rows from the original overlap superset (passed as
// full) whose point is a direct 1-neighbor of an already-retained point
// for the same pair.
func (d *Driver) applyPadding(rows map[connectivity.Pair][]row, store *connectivity.OverlapStore) map[connectivity.Pair][]row {
	if d.opts.PadCells <= 0 {
		return rows
	}
	full := d.extractRows(store)
	out := make(map[connectivity.Pair][]row, len(rows))
	for pair, rs := range rows {
		retained := make(map[govktypes.Tuple3]row, len(rs))
		for _, r := range rs {
			retained[r.point] = r
		}
		superset := full[pair]
		bySuperset := make(map[govktypes.Tuple3]row, len(superset))
		for _, r := range superset {
			bySuperset[r.point] = r
		}
		dim := d.opts.Dim
		for ring := 0; ring < d.opts.PadCells; ring++ {
			frontier := make([]govktypes.Tuple3, 0, len(retained))
			for p := range retained {
				frontier = append(frontier, p)
			}
			for _, p := range frontier {
				for axis := 0; axis < dim; axis++ {
					for dir := -1; dir <= 1; dir += 2 {
						q := p
						q[axis] += dir
						if _, already := retained[q]; already {
							continue
						}
						if r, found := bySuperset[q]; found {
							retained[q] = r
						}
					}
				}
			}
		}
		kept := make([]row, 0, len(retained))
		for _, r := range retained {
			kept = append(kept, r)
		}
		out[pair] = kept
	}
	return out
}

// applySmoothing drops an isolated single-point connectivity island: a
// retained row whose receiver point has no 1-neighbor also retained for
// the same pair.
func (d *Driver) applySmoothing(rows map[connectivity.Pair][]row) map[connectivity.Pair][]row {
	out := make(map[connectivity.Pair][]row, len(rows))
	dim := d.opts.Dim
	for pair, rs := range rows {
		present := make(map[govktypes.Tuple3]struct{}, len(rs))
		for _, r := range rs {
			present[r.point] = struct{}{}
		}
		kept := make([]row, 0, len(rs))
		for _, r := range rs {
			island := true
			for axis := 0; axis < dim && island; axis++ {
				for dir := -1; dir <= 1; dir += 2 {
					q := r.point
					q[axis] += dir
					if _, ok := present[q]; ok {
						island = false
						break
					}
				}
			}
			if !island {
				kept = append(kept, r)
			}
		}
		out[pair] = kept
	}
	return out
}

// minimizeOverlap resolves any receiver point still covered by more than
// one donor grid after occlusion by keeping only the geometrically
// closer donor, measured from the receiver's physical coordinate to the
// donor cell's low-corner vertex (a cheap proxy for cell-center distance
// that needs no extra geometry lookups beyond what generateConnectivity
// already performs). Only candidates whose donor grid is locally
// registered are measured, and the nearest of those wins. When none is,
// or the receiver grid itself isn't registered, the first entry of the
// point's candidate list is kept; that list is gathered by ranging a
// map, so which candidate comes first is not fixed.
func (d *Driver) minimizeOverlap(rows map[connectivity.Pair][]row) map[connectivity.Pair][]row {
	type candidate struct {
		pair connectivity.Pair
		r    row
	}
	byPoint := make(map[receiverPoint][]candidate)
	for pair, rs := range rows {
		for _, r := range rs {
			key := receiverPoint{pair.NGrid, r.point}
			byPoint[key] = append(byPoint[key], candidate{pair, r})
		}
	}

	keepPair := make(map[receiverPoint]connectivity.Pair, len(byPoint))
	for key, cands := range byPoint {
		if len(cands) == 1 {
			keepPair[key] = cands[0].pair
			continue
		}
		n, ok := d.grids[key.nGrid]
		best := cands[0].pair
		bestDist := math.MaxFloat64
		haveDist := false
		if ok {
			receiverCoord := n.geom.At(key.point)
			for _, c := range cands {
				donor, dok := d.grids[c.pair.MGrid]
				if !dok {
					continue
				}
				donorCoord := donor.geom.At(c.r.anchor)
				dist := distance(receiverCoord, donorCoord)
				if !haveDist || dist < bestDist {
					bestDist = dist
					best = c.pair
					haveDist = true
				}
			}
		}
		keepPair[key] = best
	}

	out := make(map[connectivity.Pair][]row, len(rows))
	for pair, rs := range rows {
		kept := make([]row, 0, len(rs))
		for _, r := range rs {
			if keepPair[receiverPoint{pair.NGrid, r.point}] == pair {
				kept = append(kept, r)
			}
		}
		out[pair] = kept
	}
	return out
}

// generateConnectivity writes every surviving row into comp's NStore (the
// receiver-owning rank always holds the full receiver-side table for its
// own grids) and into comp's MStore (the donor-owning rank's own table).
// Those two rank roles are not always the same rank: a row whose donor
// cell lives on another rank is shipped there as a donorRequest so that
// rank can resize and populate its own MStore entry using its own local
// donor geometry to compute interpolation coefficients, rather than
// writing a foreign donor's stencil into this rank's component from an
// approximation. Rows whose donor cell is local are written directly,
// with no round trip.
func (d *Driver) generateConnectivity(ctx context.Context, comp *domain.Component, rows map[connectivity.Pair][]row) (*Result, error) {
	comm := d.dom.Context().Comm
	dim := d.opts.Dim
	numCorners := 1 << dim
	result := &Result{RowCounts: make(map[connectivity.Pair]int)}

	localDonor := make(map[connectivity.Pair][]donorRequest)
	outgoing := make(map[int][]donorRequest)
	for pair, rs := range rows {
		n := d.grids[pair.NGrid]
		for _, r := range rs {
			req := donorRequest{
				pair:      pair,
				anchor:    r.anchor,
				destPoint: r.point,
				destRank:  comm.Rank(),
				destCoord: n.geom.At(r.point),
			}
			if r.rank == comm.Rank() {
				localDonor[pair] = append(localDonor[pair], req)
			} else {
				outgoing[r.rank] = append(outgoing[r.rank], req)
			}
		}
	}

	incoming, err := d.exchangeDonorRequests(ctx, outgoing)
	if err != nil {
		return nil, fmt.Errorf("generateConnectivity: %w", err)
	}

	mStoreRows := make(map[connectivity.Pair][]donorRequest, len(localDonor))
	for pair, reqs := range localDonor {
		mStoreRows[pair] = append(mStoreRows[pair], reqs...)
	}
	for _, reqs := range incoming {
		for _, req := range reqs {
			mStoreRows[req.pair] = append(mStoreRows[req.pair], req)
		}
	}
	for pair := range mStoreRows {
		sortDonorRequests(mStoreRows[pair])
	}

	for _, pair := range sortedDonorPairs(mStoreRows) {
		reqs := mStoreRows[pair]
		if len(reqs) == 0 {
			continue
		}
		donor := d.grids[pair.MGrid]

		if err := comp.MStore.Resize(ctx, pair, len(reqs), numCorners); err != nil {
			return nil, err
		}
		ext, err := comp.MStore.EditExtents(ctx, pair)
		if err != nil {
			return nil, err
		}
		begin, end := ext.Begin(), ext.End()
		for i, req := range reqs {
			for axis := 0; axis < 3; axis++ {
				begin[axis][i] = req.anchor[axis]
				if axis < dim {
					end[axis][i] = req.anchor[axis] + 2
				} else {
					end[axis][i] = req.anchor[axis] + 1
				}
			}
		}
		if err := ext.Close(ctx); err != nil {
			return nil, err
		}

		dest, err := comp.MStore.EditDestinations(ctx, pair)
		if err != nil {
			return nil, err
		}
		destPts, destRank := dest.Destination(), dest.DestinationRank()
		for i, req := range reqs {
			for axis := 0; axis < 3; axis++ {
				destPts[axis][i] = req.destPoint[axis]
			}
			(*destRank)[i] = req.destRank
		}
		if err := dest.Close(ctx); err != nil {
			return nil, err
		}

		coefEd, err := comp.MStore.EditCoefs(ctx, pair)
		if err != nil {
			return nil, err
		}
		coef := coefEd.Coef()
		for i, req := range reqs {
			var u govktypes.FTuple3
			ok := false
			if donor != nil {
				cell := cellFromGeometry(donor, req.anchor, dim)
				var converged bool
				u, ok, converged = invert.CoordsInCell(cell, d.opts.Tolerance, req.destCoord)
				if ok && !converged {
					d.dom.Context().Log.Warn("generateConnectivity: curvilinear donor cell for pair %+v row %d did not converge, using best-effort coordinates", pair, i)
				}
			}
			for p := 0; p < numCorners; p++ {
				for axis := 0; axis < 3; axis++ {
					factor := 1.0
					if axis < dim {
						bit := (p >> axis) & 1
						if ok {
							if bit == 1 {
								factor = u[axis]
							} else {
								factor = 1 - u[axis]
							}
						} else {
							factor = 0.5
						}
					}
					(*coef)[axis][p][i] = factor
				}
			}
			if !ok {
				d.dom.Context().Log.Warn("generateConnectivity: degenerate donor cell for pair %+v row %d, using equal weights", pair, i)
			}
		}
		if err := coefEd.Close(ctx); err != nil {
			return nil, err
		}
	}

	for _, pair := range sortedPairs(rows) {
		rs := rows[pair]
		if len(rs) == 0 {
			continue
		}

		if err := comp.NStore.Resize(ctx, pair, len(rs)); err != nil {
			return nil, err
		}
		pe, err := comp.NStore.EditPoints(ctx, pair)
		if err != nil {
			return nil, err
		}
		pts := pe.Point()
		for i, r := range rs {
			for axis := 0; axis < 3; axis++ {
				pts[axis][i] = r.point[axis]
			}
		}
		if err := pe.Close(ctx); err != nil {
			return nil, err
		}

		se, err := comp.NStore.EditSources(ctx, pair)
		if err != nil {
			return nil, err
		}
		anchors, srcRank := se.SourceCellAnchor(), se.SourceRank()
		for i, r := range rs {
			for axis := 0; axis < 3; axis++ {
				anchors[axis][i] = r.anchor[axis]
			}
			(*srcRank)[i] = r.rank
		}
		if err := se.Close(ctx); err != nil {
			return nil, err
		}

		result.Pairs = append(result.Pairs, pair)
		result.RowCounts[pair] = len(rs)
	}
	return result, nil
}

// cellFromGeometry builds an invert.Cell from a locally registered
// grid's own geometry, mirroring overlap.cellFromVertices but reading
// coordinates directly rather than through a decoded partitionMeta.
func cellFromGeometry(ge *gridEntry, anchor govktypes.Tuple3, dim int) invert.Cell {
	numCorners := 1 << dim
	verts := make([]govktypes.FTuple3, numCorners)
	for corner := 0; corner < numCorners; corner++ {
		var offset govktypes.Tuple3
		for axis := 0; axis < dim; axis++ {
			offset[axis] = (corner >> axis) & 1
		}
		p := anchor.Add(offset)
		verts[corner] = ge.geom.At(p)
	}
	cell := invert.Cell{Type: ge.geom.Type, Dim: dim, Vertices: verts, Corner: verts[0]}
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

func sortedPairs(rows map[connectivity.Pair][]row) []connectivity.Pair {
	out := make([]connectivity.Pair, 0, len(rows))
	for pair := range rows {
		out = append(out, pair)
	}
	sortPairs(out)
	return out
}
