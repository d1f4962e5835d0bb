package exchange

import (
	"fmt"

	"github.com/notargets/govk/connectivity"
	"github.com/notargets/govk/govktypes"
)

// DisperseHandle writes received values into a receiver grid's field, by
// overwrite or additive accumulation. No inter-rank communication: by the
// time Disperse runs, recvValues already holds this rank's local share of
// receiver values (as scattered by RecvHandle.Receive).
type DisperseHandle struct {
	table      *connectivity.NTable
	op         govktypes.DisperseOp
	dtype      govktypes.DataType
	count      int
	fieldRange govktypes.Range
	layout     govktypes.ArrayLayout
}

// NewDisperseHandle builds a handle against the current NTable for pair.
func NewDisperseHandle(nstore *connectivity.NStore, pair connectivity.Pair, id int,
	op govktypes.DisperseOp, dtype govktypes.DataType, count int,
	fieldRange govktypes.Range, layout govktypes.ArrayLayout) (*DisperseHandle, error) {
	if op != govktypes.DisperseOverwrite && op != govktypes.DisperseAppend {
		return nil, fmt.Errorf("exchange: unknown disperse op %d", op)
	}
	return &DisperseHandle{
		table:      nstore.Read(pair),
		op:         op,
		dtype:      dtype,
		count:      count,
		fieldRange: fieldRange,
		layout:     layout,
	}, nil
}

// Disperse writes recvValues (one row per receiver point, packed in the
// NTable's own row order) into fieldPtr at each receiver point's location.
func (h *DisperseHandle) Disperse(recvValues Buffers, fieldPtr Buffers) error {
	for point := 0; point < h.table.NumPoints; point++ {
		idx := h.pointIndex(point)
		for c := 0; c < h.count; c++ {
			v := recvValues[c].GetFloat64(point)
			switch h.op {
			case govktypes.DisperseOverwrite:
				fieldPtr[c].SetFloat64(idx, v)
			case govktypes.DisperseAppend:
				fieldPtr[c].SetFloat64(idx, fieldPtr[c].GetFloat64(idx)+v)
			}
		}
	}
	return nil
}

func (h *DisperseHandle) pointIndex(point int) int {
	p := govktypes.Tuple3{
		h.table.Point[0][point],
		h.table.Point[1][point],
		h.table.Point[2][point],
	}
	local := p.Sub(h.fieldRange.Begin)
	return local.RowMajorIndex(h.fieldRange.Size())
}
