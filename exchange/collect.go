package exchange

import (
	"fmt"

	"github.com/notargets/govk/connectivity"
	"github.com/notargets/govk/govktypes"
)

// CollectHandle reduces donor-cell vertex values into one value per donor
// row, per the op table in the collect kernel (spec's interpolate/boolean/
// numeric reductions). It assumes fieldPtrs is shaped over the donor
// grid's extended range (i.e. already halo-exchanged) so that every
// donor's stencil -- which per the original implementation can reach a
// negative offset from the donor cell's own anchor for higher-order
// interpolation -- resolves to data already resident on this rank,
// matching how the teacher's own solver keeps a halo-extended field array
// and runs its per-cell kernels purely locally between exchanges.
type CollectHandle struct {
	table      *connectivity.MTable
	pair       connectivity.Pair
	op         govktypes.CollectOp
	dtype      govktypes.DataType
	count      int
	fieldRange govktypes.Range
	layout     govktypes.ArrayLayout
	kernel     collectKernel
}

type collectKernel func(h *CollectHandle, donor int, fieldPtrs Buffers, donorBuf Buffers)

// NewCollectHandle resolves the op/dtype kernel once at construction time
// (spec Design Notes' "nested polymorphism": tag-dispatch happens once,
// not per call).
func NewCollectHandle(mstore *connectivity.MStore, pair connectivity.Pair, id int,
	op govktypes.CollectOp, dtype govktypes.DataType, count int,
	fieldRange govktypes.Range, layout govktypes.ArrayLayout) (*CollectHandle, error) {

	h := &CollectHandle{
		table:      mstore.Read(pair),
		pair:       pair,
		op:         op,
		dtype:      dtype,
		count:      count,
		fieldRange: fieldRange,
		layout:     layout,
	}
	kernel, err := kernelForCollect(op)
	if err != nil {
		return nil, err
	}
	h.kernel = kernel
	return h, nil
}

// Collect runs the resolved kernel for every donor row, writing one
// reduced value (per component, per count) into donorBufPtrs.
func (h *CollectHandle) Collect(fieldPtrs Buffers, donorBufPtrs Buffers) error {
	for donor := 0; donor < h.table.NumDonors; donor++ {
		h.kernel(h, donor, fieldPtrs, donorBufPtrs)
	}
	return nil
}

// stencilSize returns the number of vertices (point_in_cell) this donor's
// half-open Begin/End sub-box covers.
func (h *CollectHandle) stencilSize(donor int) int {
	n := 1
	for axis := 0; axis < 3; axis++ {
		span := h.table.End[axis][donor] - h.table.Begin[axis][donor]
		if span > 0 {
			n *= span
		}
	}
	return n
}

// stencilVertex returns the field-buffer flat index of the p'th vertex
// (row-major within the donor's sub-box) of donor, for the given field
// component.
func (h *CollectHandle) stencilVertex(donor, p int) int {
	var size govktypes.Tuple3
	var begin govktypes.Tuple3
	for axis := 0; axis < 3; axis++ {
		begin[axis] = h.table.Begin[axis][donor]
		span := h.table.End[axis][donor] - h.table.Begin[axis][donor]
		if span < 1 {
			span = 1
		}
		size[axis] = span
	}
	local := govktypes.Tuple3{
		p % size[0],
		(p / size[0]) % size[1],
		p / (size[0] * size[1]),
	}
	global := begin.Add(local)
	rangeLocal := global.Sub(h.fieldRange.Begin)
	return rangeLocal.RowMajorIndex(h.fieldRange.Size())
}

func kernelForCollect(op govktypes.CollectOp) (collectKernel, error) {
	switch op {
	case govktypes.CollectNone:
		return func(h *CollectHandle, donor int, fieldPtrs, donorBuf Buffers) {
			idx := h.stencilVertex(donor, 0)
			for c := 0; c < h.count; c++ {
				donorBuf[c].SetFloat64(donor, fieldPtrs[c].GetFloat64(idx))
			}
		}, nil
	case govktypes.CollectAny, govktypes.CollectAll, govktypes.CollectNotAll:
		return func(h *CollectHandle, donor int, fieldPtrs, donorBuf Buffers) {
			n := h.stencilSize(donor)
			for c := 0; c < h.count; c++ {
				trueCount := 0
				for p := 0; p < n; p++ {
					if fieldPtrs[c].GetFloat64(h.stencilVertex(donor, p)) != 0 {
						trueCount++
					}
				}
				var result float64
				switch h.op {
				case govktypes.CollectAny:
					if trueCount > 0 {
						result = 1
					}
				case govktypes.CollectAll:
					if trueCount == n {
						result = 1
					}
				case govktypes.CollectNotAll:
					if trueCount < n {
						result = 1
					}
				}
				donorBuf[c].SetFloat64(donor, result)
			}
		}, nil
	case govktypes.CollectMin, govktypes.CollectMax, govktypes.CollectSum:
		return func(h *CollectHandle, donor int, fieldPtrs, donorBuf Buffers) {
			n := h.stencilSize(donor)
			for c := 0; c < h.count; c++ {
				acc := fieldPtrs[c].GetFloat64(h.stencilVertex(donor, 0))
				for p := 1; p < n; p++ {
					v := fieldPtrs[c].GetFloat64(h.stencilVertex(donor, p))
					switch h.op {
					case govktypes.CollectMin:
						if v < acc {
							acc = v
						}
					case govktypes.CollectMax:
						if v > acc {
							acc = v
						}
					case govktypes.CollectSum:
						acc += v
					}
				}
				donorBuf[c].SetFloat64(donor, acc)
			}
		}, nil
	case govktypes.CollectInterpolate:
		return func(h *CollectHandle, donor int, fieldPtrs, donorBuf Buffers) {
			n := h.stencilSize(donor)
			for c := 0; c < h.count; c++ {
				acc := 0.0
				for p := 0; p < n; p++ {
					coef := interpCoef(h.table, donor, p)
					acc += coef * fieldPtrs[c].GetFloat64(h.stencilVertex(donor, p))
				}
				donorBuf[c].SetFloat64(donor, acc)
			}
		}, nil
	default:
		return nil, fmt.Errorf("exchange: unknown collect op %d", op)
	}
}

// interpCoef combines the per-axis coefficient rows stored in
// table.Coef[axis][p][donor] into the single scalar weight for vertex p of
// donor -- the axis-separable tensor-product weight. An axis along which
// the donor's Begin/End box spans a single vertex contributes no factor.
func interpCoef(table *connectivity.MTable, donor, p int) float64 {
	weight := 1.0
	for axis := 0; axis < 3; axis++ {
		if len(table.Coef[axis]) == 0 {
			continue
		}
		if table.End[axis][donor]-table.Begin[axis][donor] <= 1 {
			continue
		}
		row := table.Coef[axis][p%len(table.Coef[axis])]
		weight *= row[donor]
	}
	return weight
}
