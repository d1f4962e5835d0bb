package grid

import "github.com/notargets/govk/govktypes"

// Geometry holds the physical coordinates backing a Grid's extended range,
// flattened row-major, plus the per-axis periodic length used when mapping
// points across a periodic seam.
type Geometry struct {
	Type           govktypes.GeometryType
	Range          govktypes.Range // the range Coords is shaped over (normally the grid's ExtendedRange)
	Coords         [3][]float64
	PeriodicLength govktypes.FTuple3
}

// NewGeometry allocates a Geometry over r. If periodicLength is the zero
// value on an axis where periodicity is enabled, it defaults to the range's
// own extent on that axis, matching the original implementation's
// behavior when no explicit period is supplied.
func NewGeometry(geomType govktypes.GeometryType, r govktypes.Range, periodic [3]bool, periodicLength govktypes.FTuple3) *Geometry {
	n := r.Count()
	g := &Geometry{Type: geomType, Range: r, PeriodicLength: periodicLength}
	for axis := 0; axis < 3; axis++ {
		g.Coords[axis] = make([]float64, n)
		if periodic[axis] && periodicLength[axis] == 0 {
			g.PeriodicLength[axis] = float64(r.Size()[axis])
		}
	}
	return g
}

func (g *Geometry) index(p govktypes.Tuple3) int {
	local := p.Sub(g.Range.Begin)
	return local.RowMajorIndex(g.Range.Size())
}

// VertexIndex returns the flattened row-major index of point p within this
// geometry's range.
func (g *Geometry) VertexIndex(p govktypes.Tuple3) int { return g.index(p) }

// At returns the physical coordinate stored at point p.
func (g *Geometry) At(p govktypes.Tuple3) govktypes.FTuple3 {
	i := g.index(p)
	return govktypes.FTuple3{g.Coords[0][i], g.Coords[1][i], g.Coords[2][i]}
}

// SetAt stores the physical coordinate at point p.
func (g *Geometry) SetAt(p govktypes.Tuple3, x govktypes.FTuple3) {
	i := g.index(p)
	g.Coords[0][i] = x[0]
	g.Coords[1][i] = x[1]
	g.Coords[2][i] = x[2]
}

// Bounds returns the axis-aligned bounding box of every vertex in r (which
// must lie within g.Range).
func (g *Geometry) Bounds(r govktypes.Range) govktypes.FBox {
	box := govktypes.EmptyFBox()
	r.Iterate(func(p govktypes.Tuple3) {
		box = box.ExpandByPoint(g.At(p))
	})
	return box
}
