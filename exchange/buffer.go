// Package exchange implements the collect/send/receive/disperse pipeline
// that moves field data across donor/receiver connectivity: collect pulls
// donor-cell vertex values and reduces them into one value per donor,
// send/receive carries those values between ranks, and disperse writes
// them into the receiver's field, by overwrite or additive accumulation.
package exchange

import (
	"fmt"
	"math"

	"github.com/notargets/govk/govktypes"
)

// Buffer is a caller-owned, flat array of count*govktypes.DataType.Size()
// bytes, addressed the way the public API's function-pointer/void* buffers
// are: Data is the raw backing storage, Dtype/Count/Layout describe how to
// interpret it. The collect and disperse kernels read and write through
// the typed accessors below; SendHandle and RecvHandle copy Data bytes
// directly.
type Buffer struct {
	Data   []byte
	Dtype  govktypes.DataType
	Count  int
	Layout govktypes.ArrayLayout
}

// NewBuffer allocates a zeroed Buffer for count elements of dtype.
func NewBuffer(dtype govktypes.DataType, count int, layout govktypes.ArrayLayout) Buffer {
	return Buffer{Data: make([]byte, count*dtype.Size()), Dtype: dtype, Count: count, Layout: layout}
}

// Buffers is a named set of Buffer, the Collect/Disperse call's "fieldPtrs"
// style argument generalized past a single pointer since a real field may
// carry several interleaved components (e.g. velocity's 3 axes).
type Buffers []Buffer

// GetFloat64 returns element i of b as a float64, converting from the
// buffer's native dtype.
func (b Buffer) GetFloat64(i int) float64 {
	off := i * b.Dtype.Size()
	switch b.Dtype {
	case govktypes.DataFloat64:
		return math.Float64frombits(leUint64(b.Data[off : off+8]))
	case govktypes.DataFloat32:
		return float64(math.Float32frombits(uint32(leUint64(b.Data[off:off+4]) & 0xffffffff)))
	case govktypes.DataInt32:
		return float64(int32(leUint64(b.Data[off : off+4])))
	case govktypes.DataInt64:
		return float64(int64(leUint64(b.Data[off : off+8])))
	case govktypes.DataUint32:
		return float64(leUint64(b.Data[off : off+4]))
	case govktypes.DataUint64:
		return float64(leUint64(b.Data[off : off+8]))
	case govktypes.DataByte:
		return float64(b.Data[off])
	case govktypes.DataBool:
		if b.Data[off] != 0 {
			return 1
		}
		return 0
	default:
		panic(fmt.Errorf("exchange: GetFloat64: unsupported dtype %d", b.Dtype))
	}
}

// SetFloat64 stores v into element i of b, converting to the buffer's
// native dtype.
func (b Buffer) SetFloat64(i int, v float64) {
	off := i * b.Dtype.Size()
	switch b.Dtype {
	case govktypes.DataFloat64:
		putLeUint64(b.Data[off:off+8], math.Float64bits(v))
	case govktypes.DataFloat32:
		putLeUint64(b.Data[off:off+4], uint64(math.Float32bits(float32(v))))
	case govktypes.DataInt32:
		putLeUint64(b.Data[off:off+4], uint64(uint32(int32(v))))
	case govktypes.DataInt64:
		putLeUint64(b.Data[off:off+8], uint64(int64(v)))
	case govktypes.DataUint32:
		putLeUint64(b.Data[off:off+4], uint64(uint32(v)))
	case govktypes.DataUint64:
		putLeUint64(b.Data[off:off+8], uint64(v))
	case govktypes.DataByte:
		b.Data[off] = byte(v)
	case govktypes.DataBool:
		if v != 0 {
			b.Data[off] = 1
		} else {
			b.Data[off] = 0
		}
	default:
		panic(fmt.Errorf("exchange: SetFloat64: unsupported dtype %d", b.Dtype))
	}
}

// Slice returns the raw bytes backing elements [lo,hi).
func (b Buffer) Slice(lo, hi int) []byte {
	size := b.Dtype.Size()
	return b.Data[lo*size : hi*size]
}

func leUint64(p []byte) uint64 {
	var v uint64
	for i, b := range p {
		v |= uint64(b) << (8 * uint(i))
	}
	return v
}

func putLeUint64(p []byte, v uint64) {
	for i := range p {
		p[i] = byte(v >> (8 * uint(i)))
	}
}
