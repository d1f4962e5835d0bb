// Package hash implements the distributed bounding-box spatial hash that
// overlap detection uses to discover which (grid, rank) pairs might
// overlap without an all-to-all exchange: every rank reduces a shared
// union box, carves it into a uniform bin grid, and ships each of its
// local regions to whichever rank "owns" every bin that region's box
// touches.
package hash

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/james-bowman/sparse"

	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/transport"
)

// Region is one rank's contribution to the hash: the bounding box of one
// grid's locally owned coverage.
type Region struct {
	Rank   int
	GridID int
	Box    govktypes.FBox
}

// Hash is the built spatial index: a uniform bin grid over the global
// union box, with each bin's contents held by its home rank.
type Hash struct {
	dim      int
	unionBox govktypes.FBox
	binCount govktypes.Tuple3
	commSize int
	homeBins map[int][]Region // bins homed on this rank -> their contents
	occupied []int            // per-bin occupancy count, valid on every rank after Build
}

const (
	buildTag    = 9001
	requestTag  = 9002
	responseTag = 9003
)

// Build is collective: every rank passes its own local Regions; the
// returned Hash is fully constructed (every home rank holds the contents
// of the bins it owns) once Build returns on every rank.
func Build(ctx context.Context, comm transport.Comm, dim int, local []Region) (*Hash, error) {
	box := govktypes.EmptyFBox()
	for _, r := range local {
		box = box.Union(r.Box)
	}
	unionBox, err := allreduceBox(ctx, comm, box)
	if err != nil {
		return nil, fmt.Errorf("hash: Build: reduce union box: %w", err)
	}

	totalCount := make([]float64, 1)
	if err := comm.Allreduce(ctx, transport.ReduceSum, []float64{float64(len(local))}, totalCount); err != nil {
		return nil, fmt.Errorf("hash: Build: reduce region count: %w", err)
	}
	binCount := chooseBinCount(dim, unionBox, int(totalCount[0]), comm.Size())
	numBins := binCount[0] * binCount[1] * binCount[2]

	h := &Hash{
		dim:      dim,
		unionBox: unionBox,
		binCount: binCount,
		commSize: comm.Size(),
		homeBins: make(map[int][]Region),
	}

	// One (bin_home, Region) tuple per home rank a region's bins map to,
	// never double-counted (invariant 8.4); the home rank files it under
	// each of its own bins the region touches.
	toSend := make(map[int][]Region)
	for _, r := range local {
		seen := make(map[int]bool)
		for _, bin := range r.Box.IntersectingBins(unionBox, binCount) {
			home := bin % comm.Size()
			if seen[home] {
				continue
			}
			seen[home] = true
			toSend[home] = append(toSend[home], r)
		}
	}

	if err := exchangeRegions(ctx, comm, toSend, buildTag, func(regions []Region) {
		for _, r := range regions {
			for _, bin := range r.Box.IntersectingBins(unionBox, binCount) {
				if bin%comm.Size() == comm.Rank() {
					h.homeBins[bin] = append(h.homeBins[bin], r)
				}
			}
		}
	}); err != nil {
		return nil, fmt.Errorf("hash: Build: exchange regions: %w", err)
	}

	occupancy := make([]float64, numBins)
	for bin, regions := range h.homeBins {
		occupancy[bin] = float64(len(regions))
	}
	globalOccupancy := make([]float64, numBins)
	if err := comm.Allreduce(ctx, transport.ReduceSum, occupancy, globalOccupancy); err != nil {
		return nil, fmt.Errorf("hash: Build: reduce bin occupancy: %w", err)
	}
	h.occupied = make([]int, numBins)
	for i, v := range globalOccupancy {
		h.occupied[i] = int(v)
	}

	return h, nil
}

// MapPointToBin returns the row-major bin index x falls in.
func (h *Hash) MapPointToBin(x govktypes.FTuple3) int {
	var bin govktypes.Tuple3
	for axis := 0; axis < 3; axis++ {
		span := h.unionBox.Max[axis] - h.unionBox.Min[axis]
		if span <= 0 {
			bin[axis] = 0
			continue
		}
		frac := (x[axis] - h.unionBox.Min[axis]) / span
		idx := int(frac * float64(h.binCount[axis]))
		if idx < 0 {
			idx = 0
		}
		if idx >= h.binCount[axis] {
			idx = h.binCount[axis] - 1
		}
		bin[axis] = idx
	}
	return bin.RowMajorIndex(h.binCount)
}

// RetrieveBins fetches the contents of the requested bins from whichever
// rank homes each, using the dynamic handshake so a requesting rank never
// needs to know in advance who will answer it.
func (h *Hash) RetrieveBins(ctx context.Context, comm transport.Comm, bins map[int]struct{}) (map[int][]Region, error) {
	requestsByHome := make(map[int][]int)
	for bin := range bins {
		home := bin % comm.Size()
		requestsByHome[home] = append(requestsByHome[home], bin)
	}

	knownPeers := make(map[int]struct{}, len(requestsByHome))
	for home := range requestsByHome {
		if home != comm.Rank() {
			knownPeers[home] = struct{}{}
		}
	}

	for home, binList := range requestsByHome {
		if home == comm.Rank() {
			continue
		}
		if err := transport.SendFrame(ctx, comm, home, requestTag, encodeBinList(binList)); err != nil {
			return nil, err
		}
	}

	senders, err := transport.Handshake(ctx, comm, knownPeers)
	if err != nil {
		return nil, err
	}

	result := make(map[int][]Region)
	if local, ok := requestsByHome[comm.Rank()]; ok {
		for _, bin := range local {
			result[bin] = append(result[bin], h.homeBins[bin]...)
		}
	}

	froms := sortedKeys(senders)
	for _, from := range froms {
		payload, _, err := transport.RecvFrame(ctx, comm, from, requestTag)
		if err != nil {
			return nil, err
		}
		reqBins := decodeBinList(payload)
		response := make(map[int][]Region, len(reqBins))
		for _, bin := range reqBins {
			response[bin] = h.homeBins[bin]
		}
		if err := transport.SendFrame(ctx, comm, from, responseTag, encodeRegionsByBin(response)); err != nil {
			return nil, err
		}
	}

	for home := range requestsByHome {
		if home == comm.Rank() {
			continue
		}
		payload, _, err := transport.RecvFrame(ctx, comm, home, responseTag)
		if err != nil {
			return nil, err
		}
		for bin, regions := range decodeRegionsByBin(payload) {
			result[bin] = append(result[bin], regions...)
		}
	}

	return result, nil
}

// Stats returns a bins-by-ranks sparse incidence matrix: Stats[bin][rank]
// is 1 if that rank contributed at least one region intersecting that bin
// (a coarse load-imbalance diagnostic surfaced by the assembler's status
// log), using james-bowman/sparse's DOK builder since the matrix is
// overwhelmingly empty for any real decomposition.
func (h *Hash) Stats() *sparse.DOK {
	numBins := h.binCount[0] * h.binCount[1] * h.binCount[2]
	m := sparse.NewDOK(numBins, h.commSize)
	for bin, regions := range h.homeBins {
		seen := make(map[int]bool)
		for _, r := range regions {
			if seen[r.Rank] {
				continue
			}
			seen[r.Rank] = true
			m.Set(bin, r.Rank, 1)
		}
	}
	return m
}

// Occupancy returns the per-bin total region count (summed across every
// rank's contributions), indexed by row-major bin index.
func (h *Hash) Occupancy() []int { return h.occupied }

// chooseBinCount picks a uniform per-axis bin count approximating the
// cube root (or square root, for Dim==2) of totalRegions scaled to the
// union box's aspect ratio, generalizing utils.PartitionMap.Split1D's
// load-balance idea to a 3D bin grid.
func chooseBinCount(dim int, box govktypes.FBox, totalRegions, commSize int) govktypes.Tuple3 {
	target := totalRegions
	if target < commSize {
		target = commSize
	}
	if target < 1 {
		target = 1
	}
	perAxis := math.Pow(float64(target), 1.0/float64(dim))
	var extents [3]float64
	for axis := 0; axis < dim; axis++ {
		e := box.Max[axis] - box.Min[axis]
		if e <= 0 {
			e = 1
		}
		extents[axis] = e
	}
	meanExtent := 0.0
	for axis := 0; axis < dim; axis++ {
		meanExtent += extents[axis]
	}
	meanExtent /= float64(dim)

	var counts govktypes.Tuple3
	for axis := 0; axis < 3; axis++ {
		if axis >= dim {
			counts[axis] = 1
			continue
		}
		n := int(math.Round(perAxis * extents[axis] / meanExtent))
		if n < 1 {
			n = 1
		}
		counts[axis] = n
	}
	return counts
}

func allreduceBox(ctx context.Context, comm transport.Comm, box govktypes.FBox) (govktypes.FBox, error) {
	minIn := []float64{box.Min[0], box.Min[1], box.Min[2]}
	maxIn := []float64{box.Max[0], box.Max[1], box.Max[2]}
	minOut := make([]float64, 3)
	maxOut := make([]float64, 3)
	if err := comm.Allreduce(ctx, transport.ReduceMin, minIn, minOut); err != nil {
		return govktypes.FBox{}, err
	}
	if err := comm.Allreduce(ctx, transport.ReduceMax, maxIn, maxOut); err != nil {
		return govktypes.FBox{}, err
	}
	return govktypes.FBox{
		Min: govktypes.FTuple3{minOut[0], minOut[1], minOut[2]},
		Max: govktypes.FTuple3{maxOut[0], maxOut[1], maxOut[2]},
	}, nil
}

// exchangeRegions ships toSend[home] to each home rank (via SendFrame) and
// invokes deliver for every batch this rank receives, including its own
// contribution, delivered directly without going over the wire.
func exchangeRegions(ctx context.Context, comm transport.Comm, toSend map[int][]Region, tag int, deliver func(regions []Region)) error {
	if own, ok := toSend[comm.Rank()]; ok {
		deliver(own)
	}

	knownPeers := make(map[int]struct{})
	for home, regions := range toSend {
		if home == comm.Rank() {
			continue
		}
		knownPeers[home] = struct{}{}
		if err := transport.SendFrame(ctx, comm, home, tag, encodeRegionList(regions)); err != nil {
			return err
		}
	}

	senders, err := transport.Handshake(ctx, comm, knownPeers)
	if err != nil {
		return err
	}

	for _, from := range sortedKeys(senders) {
		payload, _, err := transport.RecvFrame(ctx, comm, from, tag)
		if err != nil {
			return err
		}
		deliver(decodeRegionList(payload))
	}
	return nil
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
