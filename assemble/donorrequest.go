package assemble

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/notargets/govk/connectivity"
	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/transport"
)

const donorRequestTag = 41001

// donorRequest is what a receiver-owning rank ships to the rank that
// actually owns the donor cell for one surviving row: enough for the
// donor-owning rank to populate its own MStore entry (extents,
// destination, and interpolation coefficients) without ever seeing the
// receiver grid's geometry directly.
type donorRequest struct {
	pair      connectivity.Pair
	anchor    govktypes.Tuple3
	destPoint govktypes.Tuple3
	destRank  int
	destCoord govktypes.FTuple3
}

func sortDonorRequests(reqs []donorRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].destRank != reqs[j].destRank {
			return reqs[i].destRank < reqs[j].destRank
		}
		for axis := 0; axis < 3; axis++ {
			if reqs[i].destPoint[axis] != reqs[j].destPoint[axis] {
				return reqs[i].destPoint[axis] < reqs[j].destPoint[axis]
			}
		}
		return false
	})
}

func sortedDonorPairs(rows map[connectivity.Pair][]donorRequest) []connectivity.Pair {
	out := make([]connectivity.Pair, 0, len(rows))
	for pair := range rows {
		out = append(out, pair)
	}
	sortPairs(out)
	return out
}

// exchangeDonorRequests is collective: every rank ships its outgoing
// requests to whichever rank owns each donor cell and, symmetrically,
// receives the requests any other rank addressed to donor cells this
// rank owns. It mirrors overlap.Detector.exchangePartitionMeta's
// handshake-then-frame idiom, one-directional since the donor-owning
// rank never needs to answer back -- the sender already has everything
// it needs for its own NStore entry.
func (d *Driver) exchangeDonorRequests(ctx context.Context, outgoing map[int][]donorRequest) (map[int][]donorRequest, error) {
	comm := d.dom.Context().Comm

	knownPeers := make(map[int]struct{}, len(outgoing))
	for rank := range outgoing {
		knownPeers[rank] = struct{}{}
	}
	senders, err := transport.Handshake(ctx, comm, knownPeers)
	if err != nil {
		return nil, fmt.Errorf("exchangeDonorRequests: handshake: %w", err)
	}

	ranks := make([]int, 0, len(outgoing))
	for rank := range outgoing {
		ranks = append(ranks, rank)
	}
	sort.Ints(ranks)
	for _, rank := range ranks {
		if err := transport.SendFrame(ctx, comm, rank, donorRequestTag, encodeDonorRequests(outgoing[rank])); err != nil {
			return nil, fmt.Errorf("exchangeDonorRequests: send to rank %d: %w", rank, err)
		}
	}

	froms := make([]int, 0, len(senders))
	for from := range senders {
		froms = append(froms, from)
	}
	sort.Ints(froms)

	incoming := make(map[int][]donorRequest, len(froms))
	for _, from := range froms {
		payload, _, err := transport.RecvFrame(ctx, comm, from, donorRequestTag)
		if err != nil {
			return nil, fmt.Errorf("exchangeDonorRequests: recv from rank %d: %w", from, err)
		}
		incoming[from] = decodeDonorRequests(payload)
	}
	return incoming, nil
}

func encodeTuple3(buf []byte, t govktypes.Tuple3) {
	for axis := 0; axis < 3; axis++ {
		binary.LittleEndian.PutUint32(buf[axis*4:axis*4+4], uint32(int32(t[axis])))
	}
}

func decodeTuple3(buf []byte) govktypes.Tuple3 {
	var t govktypes.Tuple3
	for axis := 0; axis < 3; axis++ {
		t[axis] = int(int32(binary.LittleEndian.Uint32(buf[axis*4 : axis*4+4])))
	}
	return t
}

const donorRequestSize = 4 + 4 + 12 + 12 + 4 + 24

func encodeDonorRequest(buf []byte, r donorRequest) {
	off := 0
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(int32(r.pair.MGrid)))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(int32(r.pair.NGrid)))
	off += 4
	encodeTuple3(buf[off:off+12], r.anchor)
	off += 12
	encodeTuple3(buf[off:off+12], r.destPoint)
	off += 12
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(int32(r.destRank)))
	off += 4
	for axis := 0; axis < 3; axis++ {
		binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(r.destCoord[axis]))
		off += 8
	}
}

func decodeDonorRequest(buf []byte) donorRequest {
	var r donorRequest
	off := 0
	r.pair.MGrid = int(int32(binary.LittleEndian.Uint32(buf[off : off+4])))
	off += 4
	r.pair.NGrid = int(int32(binary.LittleEndian.Uint32(buf[off : off+4])))
	off += 4
	r.anchor = decodeTuple3(buf[off : off+12])
	off += 12
	r.destPoint = decodeTuple3(buf[off : off+12])
	off += 12
	r.destRank = int(int32(binary.LittleEndian.Uint32(buf[off : off+4])))
	off += 4
	for axis := 0; axis < 3; axis++ {
		r.destCoord[axis] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off : off+8]))
		off += 8
	}
	return r
}

func encodeDonorRequests(reqs []donorRequest) []byte {
	buf := make([]byte, 4+len(reqs)*donorRequestSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(reqs)))
	off := 4
	for _, r := range reqs {
		encodeDonorRequest(buf[off:off+donorRequestSize], r)
		off += donorRequestSize
	}
	return buf
}

func decodeDonorRequests(buf []byte) []donorRequest {
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	out := make([]donorRequest, n)
	off := 4
	for i := 0; i < n; i++ {
		out[i] = decodeDonorRequest(buf[off : off+donorRequestSize])
		off += donorRequestSize
	}
	return out
}
