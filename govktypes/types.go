// Package govktypes defines the enums and small value types shared by every
// package in the assembly and exchange engine: integer 3-tuples, half-open
// index boxes, and the parameter enums from the public API surface.
package govktypes

import (
	"fmt"
	"math"
)

// Tuple3 is an integer 3-tuple. Grids of dimension 1 or 2 are carried with
// their trailing axes collapsed to size 1, per the normalization rule: all
// coordinate and index tuples are 3-wide internally regardless of Dim.
type Tuple3 [3]int

// FTuple3 is a floating-point 3-tuple, used for physical coordinates.
type FTuple3 [3]float64

func (t Tuple3) Add(u Tuple3) Tuple3 {
	return Tuple3{t[0] + u[0], t[1] + u[1], t[2] + u[2]}
}

func (t Tuple3) Sub(u Tuple3) Tuple3 {
	return Tuple3{t[0] - u[0], t[1] - u[1], t[2] - u[2]}
}

// RowMajorIndex returns the row-major linear index of t within a box of the
// given size, with axis 2 varying slowest. This is the ordering the spec's
// "destination-point global row-major index" sort keys on.
func (t Tuple3) RowMajorIndex(size Tuple3) int {
	return t[0] + size[0]*(t[1]+size[1]*t[2])
}

// Range is a half-open integer box [Begin, End) in each of 3 axes.
type Range struct {
	Begin, End Tuple3
}

// NewRange builds a Range from inclusive-begin/exclusive-end tuples.
func NewRange(begin, end Tuple3) Range {
	return Range{Begin: begin, End: end}
}

// Size returns the per-axis extent of the range. A collapsed axis (Dim < 3)
// always reports size 1.
func (r Range) Size() Tuple3 {
	return Tuple3{r.End[0] - r.Begin[0], r.End[1] - r.Begin[1], r.End[2] - r.Begin[2]}
}

// Count returns the total number of points/cells in the range.
func (r Range) Count() int {
	s := r.Size()
	if s[0] <= 0 || s[1] <= 0 || s[2] <= 0 {
		return 0
	}
	return s[0] * s[1] * s[2]
}

// Contains reports whether p lies within the half-open box.
func (r Range) Contains(p Tuple3) bool {
	for i := 0; i < 3; i++ {
		if p[i] < r.Begin[i] || p[i] >= r.End[i] {
			return false
		}
	}
	return true
}

// Intersect returns the intersection of r and o, and whether it is non-empty.
func (r Range) Intersect(o Range) (Range, bool) {
	var out Range
	for i := 0; i < 3; i++ {
		if r.Begin[i] > o.Begin[i] {
			out.Begin[i] = r.Begin[i]
		} else {
			out.Begin[i] = o.Begin[i]
		}
		if r.End[i] < o.End[i] {
			out.End[i] = r.End[i]
		} else {
			out.End[i] = o.End[i]
		}
	}
	empty := out.End[0] <= out.Begin[0] || out.End[1] <= out.Begin[1] || out.End[2] <= out.Begin[2]
	return out, !empty
}

// ExpandBy grows the range on the given axis by lo on the low side and hi on
// the high side. Negative growth is permitted (shrinking).
func (r Range) ExpandBy(axis, lo, hi int) Range {
	out := r
	out.Begin[axis] -= lo
	out.End[axis] += hi
	return out
}

// Iterate visits every point of the range in row-major order (axis 0
// fastest, axis 2 slowest) -- the iteration order that spec ordering
// guarantees are defined against.
func (r Range) Iterate(fn func(Tuple3)) {
	for k := r.Begin[2]; k < r.End[2]; k++ {
		for j := r.Begin[1]; j < r.End[1]; j++ {
			for i := r.Begin[0]; i < r.End[0]; i++ {
				fn(Tuple3{i, j, k})
			}
		}
	}
}

// FBox is an axis-aligned floating-point bounding box, used by the
// distributed bounding-box hash and by point-in-cell candidate filtering.
type FBox struct {
	Min, Max FTuple3
}

// EmptyFBox returns a box initialized so that the first ExpandByPoint call
// sets it exactly to that point.
func EmptyFBox() FBox {
	return FBox{
		Min: FTuple3{math.Inf(1), math.Inf(1), math.Inf(1)},
		Max: FTuple3{math.Inf(-1), math.Inf(-1), math.Inf(-1)},
	}
}

func (b FBox) ExpandByPoint(p FTuple3) FBox {
	out := b
	for i := 0; i < 3; i++ {
		if p[i] < out.Min[i] {
			out.Min[i] = p[i]
		}
		if p[i] > out.Max[i] {
			out.Max[i] = p[i]
		}
	}
	return out
}

func (b FBox) Union(o FBox) FBox {
	out := b
	for i := 0; i < 3; i++ {
		if o.Min[i] < out.Min[i] {
			out.Min[i] = o.Min[i]
		}
		if o.Max[i] > out.Max[i] {
			out.Max[i] = o.Max[i]
		}
	}
	return out
}

func (b FBox) Contains(p FTuple3) bool {
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] || p[i] > b.Max[i] {
			return false
		}
	}
	return true
}

// IntersectingBins enumerates the row-major bin indices (within a uniform
// binCount grid covering unionBox) that b overlaps, used by hash.Build to
// fan out (bin, region) tuples without double-counting any bin.
func (b FBox) IntersectingBins(unionBox FBox, binCount Tuple3) []int {
	var loBin, hiBin Tuple3
	for axis := 0; axis < 3; axis++ {
		span := unionBox.Max[axis] - unionBox.Min[axis]
		if span <= 0 {
			loBin[axis], hiBin[axis] = 0, 0
			continue
		}
		loBin[axis] = binIndexOnAxis(b.Min[axis], unionBox.Min[axis], span, binCount[axis])
		hiBin[axis] = binIndexOnAxis(b.Max[axis], unionBox.Min[axis], span, binCount[axis])
	}
	var out []int
	for k := loBin[2]; k <= hiBin[2]; k++ {
		for j := loBin[1]; j <= hiBin[1]; j++ {
			for i := loBin[0]; i <= hiBin[0]; i++ {
				out = append(out, Tuple3{i, j, k}.RowMajorIndex(binCount))
			}
		}
	}
	return out
}

func binIndexOnAxis(x, minAxis, span float64, count int) int {
	frac := (x - minAxis) / span
	idx := int(frac * float64(count))
	if idx < 0 {
		idx = 0
	}
	if idx >= count {
		idx = count - 1
	}
	return idx
}

func (b FBox) Intersects(o FBox) bool {
	for i := 0; i < 3; i++ {
		if b.Max[i] < o.Min[i] || o.Max[i] < b.Min[i] {
			return false
		}
	}
	return true
}

// GeometryType selects the inverse-mapping algorithm used by the invert
// package to compute iso-parametric local coordinates within a cell.
type GeometryType uint8

const (
	GeometryUniform GeometryType = iota
	GeometryOrientedUniform
	GeometryRectilinear
	GeometryOrientedRectilinear
	GeometryCurvilinear
)

func (g GeometryType) String() string {
	switch g {
	case GeometryUniform:
		return "Uniform"
	case GeometryOrientedUniform:
		return "OrientedUniform"
	case GeometryRectilinear:
		return "Rectilinear"
	case GeometryOrientedRectilinear:
		return "OrientedRectilinear"
	case GeometryCurvilinear:
		return "Curvilinear"
	default:
		return fmt.Sprintf("GeometryType(%d)", uint8(g))
	}
}

// DataType is the set of field element types the collect/send/disperse
// kernels are monomorphized over.
type DataType uint8

const (
	DataBool DataType = iota
	DataByte
	DataInt32
	DataInt64
	DataUint32
	DataUint64
	DataFloat32
	DataFloat64
)

// Size returns the width in bytes of one value of the data type.
func (d DataType) Size() int {
	switch d {
	case DataBool, DataByte:
		return 1
	case DataInt32, DataUint32, DataFloat32:
		return 4
	case DataInt64, DataUint64, DataFloat64:
		return 8
	default:
		panic(fmt.Errorf("govktypes: unknown data type %d", d))
	}
}

// ArrayLayout selects row-major or column-major flattening of multi-dim
// field arrays passed across the collect/disperse boundary.
type ArrayLayout uint8

const (
	RowMajor ArrayLayout = iota
	ColumnMajor
)

// CollectOp selects the reduction applied along a donor cell's
// point-in-cell axis during collect.
type CollectOp uint8

const (
	CollectNone CollectOp = iota
	CollectAny
	CollectNotAll
	CollectAll
	CollectInterpolate
	CollectMin
	CollectMax
	CollectSum
)

// DisperseOp selects how disperse writes a receiver value into a field.
type DisperseOp uint8

const (
	DisperseOverwrite DisperseOp = iota
	DisperseAppend
)

// StateFlag is a bitset carried per extended-range point of a grid.
type StateFlag uint32

const (
	StateActive StateFlag = 1 << iota
	StateCellActive
	StateDomainBoundary
	StateInternalBoundary
	StateInferredDomainBoundary
	StateOverlapped
)

// Test reports whether all bits of mask are set in f.
func (f StateFlag) Test(mask StateFlag) bool { return f&mask == mask }

// LogLevel is the bitset gating govklog output.
type LogLevel uint8

const (
	LogErrors LogLevel = 1 << iota
	LogWarnings
	LogStatus
	LogDebug
)

// EventFlag publishes create/destroy/edit notifications for grids, state,
// and connectivity components so dependents (the exchanger) can invalidate
// cached plans.
type EventFlag uint32

const (
	EventCreate EventFlag = 1 << iota
	EventDestroy
	EventEditExtents
	EventEditCoefs
	EventEditDestinations
	EventEditPoints
	EventEditSources
	EventEditState
)

