// Package invert computes, for a candidate grid cell and a physical point,
// whether the point lies inside the cell and (if so) its iso-parametric
// local coordinates -- the donor-stencil coefficients used by the collect
// kernel's interpolate op. Uniform/rectilinear/oriented variants are closed
// form; curvilinear cells fall back to a Newton iteration built on
// gonum/mat, the wiring home for the teacher's already-present gonum
// dependency once generalized past its DG basis-function use.
package invert

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/notargets/govk/govktypes"
)

// DefaultTolerance is the default containment/convergence tolerance used
// when a caller passes 0.
const DefaultTolerance = 1e-10

// MaxNewtonIterations bounds the curvilinear Newton solve.
const MaxNewtonIterations = 50

// Cell carries the corner (and, for curvilinear, every vertex) coordinates
// of a single candidate cell, plus the geometry type that selects the
// inversion strategy.
type Cell struct {
	Type   govktypes.GeometryType
	Dim    int
	Corner govktypes.FTuple3   // low corner, used by Uniform/OrientedUniform
	Spacing govktypes.FTuple3  // per-axis cell size, Uniform/OrientedUniform
	Axes    [3]govktypes.FTuple3 // oriented basis vectors (unit), OrientedUniform/OrientedRectilinear
	AxisCoords [3][]float64    // per-axis 1D node coordinates, Rectilinear/OrientedRectilinear (2 values: low/high)
	Vertices   []govktypes.FTuple3 // row-major corner list (2^Dim entries), Curvilinear
}

// OverlapsCell reports whether point lies within cell to within tolerance
// (0 selects DefaultTolerance), without computing local coordinates --
// overlap.Detector's PointInCellSearch uses this for its cheap first pass.
func OverlapsCell(cell Cell, tolerance float64, point govktypes.FTuple3) bool {
	_, ok, _ := CoordsInCell(cell, tolerance, point)
	return ok
}

// CoordsInCell computes the iso-parametric local coordinate (each axis in
// [0,1] when the point is inside, within tolerance) of point within cell.
// ok is false when the point lies outside the cell. converged is true for
// every closed-form geometry type; for curvilinear cells it is false when
// the Newton solve failed to converge within MaxNewtonIterations or hit a
// singular Jacobian -- per spec, a non-convergent curvilinear inversion
// cannot be trusted to rule the point out, so ok is still true in that case
// and the caller is expected to log a warning and record the cell as a
// donor anyway.
func CoordsInCell(cell Cell, tolerance float64, point govktypes.FTuple3) (u govktypes.FTuple3, ok bool, converged bool) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	switch cell.Type {
	case govktypes.GeometryUniform:
		u, ok = uniformCoords(cell, tolerance, point)
		return u, ok, true
	case govktypes.GeometryOrientedUniform:
		u, ok = orientedUniformCoords(cell, tolerance, point)
		return u, ok, true
	case govktypes.GeometryRectilinear:
		u, ok = rectilinearCoords(cell, tolerance, point)
		return u, ok, true
	case govktypes.GeometryOrientedRectilinear:
		u, ok = orientedRectilinearCoords(cell, tolerance, point)
		return u, ok, true
	case govktypes.GeometryCurvilinear:
		return curvilinearCoords(cell, tolerance, point)
	default:
		return govktypes.FTuple3{}, false, true
	}
}

func inUnitBox(u govktypes.FTuple3, dim int, tol float64) bool {
	for axis := 0; axis < dim; axis++ {
		if u[axis] < -tol || u[axis] > 1+tol {
			return false
		}
	}
	return true
}

func uniformCoords(cell Cell, tol float64, point govktypes.FTuple3) (govktypes.FTuple3, bool) {
	var u govktypes.FTuple3
	for axis := 0; axis < cell.Dim; axis++ {
		if cell.Spacing[axis] == 0 {
			u[axis] = 0
			continue
		}
		u[axis] = (point[axis] - cell.Corner[axis]) / cell.Spacing[axis]
	}
	return u, inUnitBox(u, cell.Dim, tol)
}

func orientedUniformCoords(cell Cell, tol float64, point govktypes.FTuple3) (govktypes.FTuple3, bool) {
	rel := govktypes.FTuple3{point[0] - cell.Corner[0], point[1] - cell.Corner[1], point[2] - cell.Corner[2]}
	var u govktypes.FTuple3
	for axis := 0; axis < cell.Dim; axis++ {
		axisVec := cell.Axes[axis]
		proj := rel[0]*axisVec[0] + rel[1]*axisVec[1] + rel[2]*axisVec[2]
		if cell.Spacing[axis] == 0 {
			u[axis] = 0
			continue
		}
		u[axis] = proj / cell.Spacing[axis]
	}
	return u, inUnitBox(u, cell.Dim, tol)
}

func rectilinearCoords(cell Cell, tol float64, point govktypes.FTuple3) (govktypes.FTuple3, bool) {
	var u govktypes.FTuple3
	for axis := 0; axis < cell.Dim; axis++ {
		lo, hi := cell.AxisCoords[axis][0], cell.AxisCoords[axis][1]
		if hi == lo {
			u[axis] = 0
			continue
		}
		u[axis] = (point[axis] - lo) / (hi - lo)
	}
	return u, inUnitBox(u, cell.Dim, tol)
}

func orientedRectilinearCoords(cell Cell, tol float64, point govktypes.FTuple3) (govktypes.FTuple3, bool) {
	rel := govktypes.FTuple3{point[0] - cell.Corner[0], point[1] - cell.Corner[1], point[2] - cell.Corner[2]}
	var u govktypes.FTuple3
	for axis := 0; axis < cell.Dim; axis++ {
		axisVec := cell.Axes[axis]
		proj := rel[0]*axisVec[0] + rel[1]*axisVec[1] + rel[2]*axisVec[2]
		lo, hi := cell.AxisCoords[axis][0], cell.AxisCoords[axis][1]
		if hi == lo {
			u[axis] = 0
			continue
		}
		u[axis] = (proj - lo) / (hi - lo)
	}
	return u, inUnitBox(u, cell.Dim, tol)
}

// curvilinearCoords Newton-solves for the local coordinate u such that the
// trilinear (or bilinear, Dim==2) blend of cell.Vertices equals point,
// using gonum/mat to solve the 2x2/3x3 Jacobian system each step. A
// singular Jacobian or a solve that doesn't converge within
// MaxNewtonIterations is reported via converged=false rather than folded
// into the inside/outside answer -- the caller decides whether a
// non-convergent cell should still count as a match.
func curvilinearCoords(cell Cell, tol float64, point govktypes.FTuple3) (u govktypes.FTuple3, ok bool, converged bool) {
	dim := cell.Dim
	u = govktypes.FTuple3{0.5, 0.5, 0.5}

	for iter := 0; iter < MaxNewtonIterations; iter++ {
		x := blend(cell, u)
		residual := mat.NewVecDense(dim, nil)
		for axis := 0; axis < dim; axis++ {
			residual.SetVec(axis, x[axis]-point[axis])
		}
		if mat.Norm(residual, 2) < tol {
			return u, inUnitBox(u, dim, tol), true
		}

		jac := mat.NewDense(dim, dim, nil)
		const h = 1e-6
		for col := 0; col < dim; col++ {
			up := u
			up[col] += h
			xp := blend(cell, up)
			for row := 0; row < dim; row++ {
				jac.Set(row, col, (xp[row]-x[row])/h)
			}
		}

		var du mat.VecDense
		if err := du.SolveVec(jac, residual); err != nil {
			return u, true, false
		}
		for axis := 0; axis < dim; axis++ {
			u[axis] -= du.AtVec(axis)
		}
	}
	x := blend(cell, u)
	if math.Hypot(x[0]-point[0], x[1]-point[1]) >= tol*10 {
		return u, true, false
	}
	return u, inUnitBox(u, dim, tol), true
}

// blend evaluates the multilinear interpolation of cell.Vertices at local
// coordinate u. Vertices are ordered row-major: axis 0 varies fastest.
func blend(cell Cell, u govktypes.FTuple3) govktypes.FTuple3 {
	dim := cell.Dim
	var out govktypes.FTuple3
	numCorners := 1 << dim
	for corner := 0; corner < numCorners; corner++ {
		weight := 1.0
		for axis := 0; axis < dim; axis++ {
			bit := (corner >> axis) & 1
			if bit == 1 {
				weight *= u[axis]
			} else {
				weight *= 1 - u[axis]
			}
		}
		v := cell.Vertices[corner]
		out[0] += weight * v[0]
		out[1] += weight * v[1]
		out[2] += weight * v[2]
	}
	return out
}
