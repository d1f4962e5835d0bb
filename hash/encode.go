package hash

import (
	"encoding/binary"
	"math"
)

// Wire format for the tables this package exchanges: everything is
// fixed-width little-endian, matching the style of transport's own
// encode.go helpers.

func encodeBinList(bins []int) []byte {
	buf := make([]byte, 4+len(bins)*4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(bins)))
	for i, b := range bins {
		binary.LittleEndian.PutUint32(buf[4+i*4:8+i*4], uint32(int32(b)))
	}
	return buf
}

func decodeBinList(buf []byte) []int {
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = int(int32(binary.LittleEndian.Uint32(buf[4+i*4 : 8+i*4])))
	}
	return out
}

// region record: Rank int32, GridID int32, Box.Min/Max 3 float64 each.
const regionRecordSize = 4 + 4 + 6*8

func encodeRegion(buf []byte, r Region) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(r.Rank)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(int32(r.GridID)))
	off := 8
	for axis := 0; axis < 3; axis++ {
		binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(r.Box.Min[axis]))
		off += 8
	}
	for axis := 0; axis < 3; axis++ {
		binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(r.Box.Max[axis]))
		off += 8
	}
}

func decodeRegion(buf []byte) Region {
	var r Region
	r.Rank = int(int32(binary.LittleEndian.Uint32(buf[0:4])))
	r.GridID = int(int32(binary.LittleEndian.Uint32(buf[4:8])))
	off := 8
	for axis := 0; axis < 3; axis++ {
		r.Box.Min[axis] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off : off+8]))
		off += 8
	}
	for axis := 0; axis < 3; axis++ {
		r.Box.Max[axis] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off : off+8]))
		off += 8
	}
	return r
}

func encodeRegionList(regions []Region) []byte {
	buf := make([]byte, 4+len(regions)*regionRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(regions)))
	for i, r := range regions {
		encodeRegion(buf[4+i*regionRecordSize:4+(i+1)*regionRecordSize], r)
	}
	return buf
}

func decodeRegionList(buf []byte) []Region {
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	out := make([]Region, n)
	for i := 0; i < n; i++ {
		out[i] = decodeRegion(buf[4+i*regionRecordSize : 4+(i+1)*regionRecordSize])
	}
	return out
}

// encodeRegionsByBin/decodeRegionsByBin serialize a bin -> []Region map as
// a flat sequence of (bin, count, regions...) groups.
func encodeRegionsByBin(byBin map[int][]Region) []byte {
	var buf []byte
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(byBin)))
	buf = append(buf, header...)
	for bin, regions := range byBin {
		group := make([]byte, 8)
		binary.LittleEndian.PutUint32(group[0:4], uint32(int32(bin)))
		binary.LittleEndian.PutUint32(group[4:8], uint32(len(regions)))
		buf = append(buf, group...)
		buf = append(buf, encodeRegionList(regions)[4:]...) // reuse record encoding, skip its own count prefix
	}
	return buf
}

func decodeRegionsByBin(buf []byte) map[int][]Region {
	out := make(map[int][]Region)
	numGroups := int(binary.LittleEndian.Uint32(buf[0:4]))
	off := 4
	for g := 0; g < numGroups; g++ {
		bin := int(int32(binary.LittleEndian.Uint32(buf[off : off+4])))
		count := int(binary.LittleEndian.Uint32(buf[off+4 : off+8]))
		off += 8
		regions := make([]Region, count)
		for i := 0; i < count; i++ {
			regions[i] = decodeRegion(buf[off : off+regionRecordSize])
			off += regionRecordSize
		}
		out[bin] = regions
	}
	return out
}
