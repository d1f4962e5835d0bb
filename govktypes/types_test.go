package govktypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeSizeAndContains(t *testing.T) {
	r := NewRange(Tuple3{0, 0, 0}, Tuple3{4, 3, 1})
	assert.Equal(t, Tuple3{4, 3, 1}, r.Size())
	assert.Equal(t, 12, r.Count())
	assert.True(t, r.Contains(Tuple3{3, 2, 0}))
	assert.False(t, r.Contains(Tuple3{4, 0, 0}))
	assert.False(t, r.Contains(Tuple3{0, 0, 1}))
}

func TestRangeIntersect(t *testing.T) {
	a := NewRange(Tuple3{0, 0, 0}, Tuple3{10, 10, 1})
	b := NewRange(Tuple3{5, -2, 0}, Tuple3{12, 3, 1})
	x, ok := a.Intersect(b)
	assert.True(t, ok)
	assert.Equal(t, Tuple3{5, 0, 0}, x.Begin)
	assert.Equal(t, Tuple3{10, 3, 1}, x.End)

	c := NewRange(Tuple3{20, 20, 0}, Tuple3{30, 30, 1})
	_, ok = a.Intersect(c)
	assert.False(t, ok)
}

func TestRangeExpandBy(t *testing.T) {
	r := NewRange(Tuple3{2, 2, 0}, Tuple3{5, 5, 1})
	g := r.ExpandBy(0, 1, 1)
	assert.Equal(t, Tuple3{1, 2, 0}, g.Begin)
	assert.Equal(t, Tuple3{6, 5, 1}, g.End)
}

func TestRangeIterateRowMajorOrder(t *testing.T) {
	r := NewRange(Tuple3{0, 0, 0}, Tuple3{2, 2, 1})
	var got []Tuple3
	r.Iterate(func(p Tuple3) { got = append(got, p) })
	assert.Equal(t, []Tuple3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0}}, got)
}

func TestTupleRowMajorIndex(t *testing.T) {
	size := Tuple3{3, 4, 1}
	assert.Equal(t, 0, Tuple3{0, 0, 0}.RowMajorIndex(size))
	assert.Equal(t, 1, Tuple3{1, 0, 0}.RowMajorIndex(size))
	assert.Equal(t, 3, Tuple3{0, 1, 0}.RowMajorIndex(size))
	assert.Equal(t, 12, Tuple3{0, 0, 1}.RowMajorIndex(size))
}

func TestFBoxUnionAndContains(t *testing.T) {
	b := EmptyFBox()
	b = b.ExpandByPoint(FTuple3{1, 2, 0})
	b = b.ExpandByPoint(FTuple3{-1, 5, 0})
	assert.Equal(t, FTuple3{-1, 2, 0}, b.Min)
	assert.Equal(t, FTuple3{1, 5, 0}, b.Max)
	assert.True(t, b.Contains(FTuple3{0, 3, 0}))
	assert.False(t, b.Contains(FTuple3{2, 3, 0}))

	o := EmptyFBox().ExpandByPoint(FTuple3{0.5, 4, 0})
	assert.True(t, b.Intersects(o))
}

func TestDataTypeSize(t *testing.T) {
	assert.Equal(t, 1, DataBool.Size())
	assert.Equal(t, 4, DataFloat32.Size())
	assert.Equal(t, 8, DataFloat64.Size())
}

func TestStateFlagTest(t *testing.T) {
	f := StateActive | StateDomainBoundary
	assert.True(t, f.Test(StateActive))
	assert.False(t, f.Test(StateCellActive))
	assert.True(t, f.Test(StateActive|StateDomainBoundary))
}
