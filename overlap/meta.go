package overlap

import (
	"encoding/binary"
	"math"

	"github.com/notargets/govk/govktypes"
)

// partitionMeta is the subset of a remote grid's local tile ExchangePartitionMeta
// ships to a discovered candidate donor rank: enough to run PointInCellSearch
// against that rank's own cell_local_range without any further round trip.
type partitionMeta struct {
	GridID         int
	Type           govktypes.GeometryType
	Dim            int
	CellLocalRange govktypes.Range
	ExtendedRange  govktypes.Range
	Coords         [3][]float64
}

func (m *partitionMeta) At(p govktypes.Tuple3) govktypes.FTuple3 {
	local := p.Sub(m.ExtendedRange.Begin)
	i := local.RowMajorIndex(m.ExtendedRange.Size())
	return govktypes.FTuple3{m.Coords[0][i], m.Coords[1][i], m.Coords[2][i]}
}

func encodeRange(buf []byte, r govktypes.Range) {
	for axis := 0; axis < 3; axis++ {
		binary.LittleEndian.PutUint32(buf[axis*4:axis*4+4], uint32(int32(r.Begin[axis])))
	}
	for axis := 0; axis < 3; axis++ {
		binary.LittleEndian.PutUint32(buf[12+axis*4:16+axis*4], uint32(int32(r.End[axis])))
	}
}

func decodeRange(buf []byte) govktypes.Range {
	var r govktypes.Range
	for axis := 0; axis < 3; axis++ {
		r.Begin[axis] = int(int32(binary.LittleEndian.Uint32(buf[axis*4 : axis*4+4])))
	}
	for axis := 0; axis < 3; axis++ {
		r.End[axis] = int(int32(binary.LittleEndian.Uint32(buf[12+axis*4 : 16+axis*4])))
	}
	return r
}

const rangeSize = 24

func encodeMeta(m partitionMeta) []byte {
	n := m.ExtendedRange.Count()
	header := make([]byte, 4+1+4+rangeSize+rangeSize+4)
	off := 0
	binary.LittleEndian.PutUint32(header[off:off+4], uint32(int32(m.GridID)))
	off += 4
	header[off] = byte(m.Type)
	off++
	binary.LittleEndian.PutUint32(header[off:off+4], uint32(int32(m.Dim)))
	off += 4
	encodeRange(header[off:off+rangeSize], m.CellLocalRange)
	off += rangeSize
	encodeRange(header[off:off+rangeSize], m.ExtendedRange)
	off += rangeSize
	binary.LittleEndian.PutUint32(header[off:off+4], uint32(int32(n)))

	buf := make([]byte, len(header)+3*n*8)
	copy(buf, header)
	off = len(header)
	for axis := 0; axis < 3; axis++ {
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(m.Coords[axis][i]))
			off += 8
		}
	}
	return buf
}

func decodeMeta(buf []byte) (partitionMeta, int) {
	var m partitionMeta
	off := 0
	m.GridID = int(int32(binary.LittleEndian.Uint32(buf[off : off+4])))
	off += 4
	m.Type = govktypes.GeometryType(buf[off])
	off++
	m.Dim = int(int32(binary.LittleEndian.Uint32(buf[off : off+4])))
	off += 4
	m.CellLocalRange = decodeRange(buf[off : off+rangeSize])
	off += rangeSize
	m.ExtendedRange = decodeRange(buf[off : off+rangeSize])
	off += rangeSize
	n := int(int32(binary.LittleEndian.Uint32(buf[off : off+4])))
	off += 4
	for axis := 0; axis < 3; axis++ {
		m.Coords[axis] = make([]float64, n)
		for i := 0; i < n; i++ {
			m.Coords[axis][i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off : off+8]))
			off += 8
		}
	}
	return m, off
}

func encodeMetaList(ms []partitionMeta) []byte {
	var buf []byte
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(ms)))
	buf = append(buf, header...)
	for _, m := range ms {
		buf = append(buf, encodeMeta(m)...)
	}
	return buf
}

func decodeMetaList(buf []byte) []partitionMeta {
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	out := make([]partitionMeta, 0, n)
	off := 4
	for i := 0; i < n; i++ {
		m, consumed := decodeMeta(buf[off:])
		out = append(out, m)
		off += consumed
	}
	return out
}

func encodeIntList(xs []int) []byte {
	buf := make([]byte, 4+len(xs)*4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(xs)))
	for i, x := range xs {
		binary.LittleEndian.PutUint32(buf[4+i*4:8+i*4], uint32(int32(x)))
	}
	return buf
}

func decodeIntList(buf []byte) []int {
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = int(int32(binary.LittleEndian.Uint32(buf[4+i*4 : 8+i*4])))
	}
	return out
}
