package invert_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/invert"
)

func TestUniformCoordsInsideAndOutside(t *testing.T) {
	cell := invert.Cell{
		Type:    govktypes.GeometryUniform,
		Dim:     2,
		Corner:  govktypes.FTuple3{0, 0, 0},
		Spacing: govktypes.FTuple3{2, 2, 1},
	}
	u, ok, converged := invert.CoordsInCell(cell, 0, govktypes.FTuple3{1, 1, 0})
	assert.True(t, ok)
	assert.True(t, converged)
	assert.InDelta(t, 0.5, u[0], 1e-9)
	assert.InDelta(t, 0.5, u[1], 1e-9)

	_, ok, converged = invert.CoordsInCell(cell, 0, govktypes.FTuple3{5, 5, 0})
	assert.False(t, ok)
	assert.True(t, converged)
}

func TestRectilinearCoords(t *testing.T) {
	cell := invert.Cell{
		Type: govktypes.GeometryRectilinear,
		Dim:  2,
		AxisCoords: [3][]float64{
			{0, 4},
			{10, 12},
		},
	}
	u, ok, converged := invert.CoordsInCell(cell, 0, govktypes.FTuple3{1, 11, 0})
	assert.True(t, ok)
	assert.True(t, converged)
	assert.InDelta(t, 0.25, u[0], 1e-9)
	assert.InDelta(t, 0.5, u[1], 1e-9)
}

func TestOverlapsCellMatchesCoordsInCell(t *testing.T) {
	cell := invert.Cell{
		Type:    govktypes.GeometryUniform,
		Dim:     1,
		Corner:  govktypes.FTuple3{0, 0, 0},
		Spacing: govktypes.FTuple3{1, 1, 1},
	}
	assert.True(t, invert.OverlapsCell(cell, 0, govktypes.FTuple3{0.5, 0, 0}))
	assert.False(t, invert.OverlapsCell(cell, 0, govktypes.FTuple3{2, 0, 0}))
}

func TestCurvilinearCoordsSolvesUnitSquare(t *testing.T) {
	// A slightly skewed quad, vertices ordered row-major (axis0 fastest).
	cell := invert.Cell{
		Type: govktypes.GeometryCurvilinear,
		Dim:  2,
		Vertices: []govktypes.FTuple3{
			{0, 0, 0},
			{1, 0.1, 0},
			{0.1, 1, 0},
			{1.1, 1.1, 0},
		},
	}
	target := govktypes.FTuple3{0.5, 0.5, 0}
	u, ok, converged := invert.CoordsInCell(cell, 1e-8, target)
	assert.True(t, ok)
	assert.True(t, converged)
	assert.True(t, u[0] >= 0 && u[0] <= 1)
	assert.True(t, u[1] >= 0 && u[1] <= 1)
}

// TestCurvilinearCoordsDegenerateCellReportsNonConvergence exercises a
// singular cell (all four vertices collinear, so the blend's Jacobian is
// singular everywhere): per spec, the Newton solve's failure to converge
// must be reported via converged=false while still accepting the cell as
// a match (ok=true), rather than silently treated as "outside the cell".
func TestCurvilinearCoordsDegenerateCellReportsNonConvergence(t *testing.T) {
	cell := invert.Cell{
		Type: govktypes.GeometryCurvilinear,
		Dim:  2,
		Vertices: []govktypes.FTuple3{
			{0, 0, 0},
			{1, 0, 0},
			{0, 0, 0},
			{1, 0, 0},
		},
	}
	target := govktypes.FTuple3{0.5, 1, 0}
	_, ok, converged := invert.CoordsInCell(cell, 1e-10, target)
	assert.True(t, ok)
	assert.False(t, converged)
}
