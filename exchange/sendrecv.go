package exchange

import (
	"context"
	"sort"

	"github.com/notargets/govk/connectivity"
	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/transport"
)

// peerSchedule is one handle's precomputed, packed ordering of rows bound
// for (or arriving from) a given peer rank, row-major by the destination's
// (or source's) global index -- the ordering invariant 8.1 depends on this
// being fixed once at construction.
type peerSchedule struct {
	peer    int
	indices []int // row indices into the MTable/NTable, in packed order
}

// SendHandle ships donor values from an MStore's rows to the ranks that
// own each row's destination point.
type SendHandle struct {
	comm     transport.Comm
	schedule []peerSchedule
	id       int
	dtype    govktypes.DataType
	count    int
}

// NewSendHandle builds the per-peer packing schedule once from the
// current MTable for pair (re-derive a new handle after any Edit* on this
// pair invalidates it -- exchange.Exchanger handles this via its watch on
// the pair's MStore.Events).
func NewSendHandle(comm transport.Comm, mstore *connectivity.MStore, pair connectivity.Pair,
	id int, dtype govktypes.DataType, count int) (*SendHandle, error) {
	table := mstore.Read(pair)
	byPeer := make(map[int][]int)
	for donor := 0; donor < table.NumDonors; donor++ {
		byPeer[table.DestinationRank[donor]] = append(byPeer[table.DestinationRank[donor]], donor)
	}
	schedule := packSchedule(byPeer, func(row int) int {
		return globalIndex(table.Destination, row)
	})
	return &SendHandle{comm: comm, schedule: schedule, id: id, dtype: dtype, count: count}, nil
}

// Send posts one framed send per peer carrying that peer's packed donor
// values, tagged by id so the matching RecvHandle on the peer pairs up
// correctly.
func (h *SendHandle) Send(ctx context.Context, donorValues Buffers) ([]*transport.Request, error) {
	var reqs []*transport.Request
	for _, sched := range h.schedule {
		payload := make([]byte, 0, len(sched.indices)*h.count*h.dtype.Size())
		for _, row := range sched.indices {
			for c := 0; c < h.count; c++ {
				elemSize := h.dtype.Size()
				off := row * elemSize
				payload = append(payload, donorValues[c].Data[off:off+elemSize]...)
			}
		}
		req, err := sendFrameAsync(h.comm, sched.peer, sendRecvTag(h.id), payload)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// RecvHandle receives values scattered into an NStore-shaped receiver
// array, packed the same way SendHandle packs its sends.
type RecvHandle struct {
	comm     transport.Comm
	schedule []peerSchedule
	id       int
	dtype    govktypes.DataType
	count    int
}

// NewRecvHandle builds the per-peer unpacking schedule from the current
// NTable for pair.
func NewRecvHandle(comm transport.Comm, nstore *connectivity.NStore, pair connectivity.Pair,
	id int, dtype govktypes.DataType, count int) (*RecvHandle, error) {
	table := nstore.Read(pair)
	byPeer := make(map[int][]int)
	for point := 0; point < table.NumPoints; point++ {
		byPeer[table.SourceRank[point]] = append(byPeer[table.SourceRank[point]], point)
	}
	schedule := packSchedule(byPeer, func(row int) int {
		return globalIndex(table.Point, row)
	})
	return &RecvHandle{comm: comm, schedule: schedule, id: id, dtype: dtype, count: count}, nil
}

// Receive posts one framed receive per peer; the returned Requests'
// Wait/WaitAll scatter each peer's payload into recvValues at the packed
// row indices once that peer's frame has arrived.
func (h *RecvHandle) Receive(ctx context.Context, recvValues Buffers) ([]*transport.Request, error) {
	var reqs []*transport.Request
	for _, sched := range h.schedule {
		sched := sched
		req, err := recvFrameAsync(ctx, h.comm, sched.peer, sendRecvTag(h.id), func(payload []byte) {
			elemSize := h.dtype.Size()
			off := 0
			for _, row := range sched.indices {
				for c := 0; c < h.count; c++ {
					copy(recvValues[c].Data[row*elemSize:(row+1)*elemSize], payload[off:off+elemSize])
					off += elemSize
				}
			}
		})
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func sendRecvTag(id int) int { return 30_000 + id }

func globalIndex(coords [3][]int, row int) int {
	return coords[0][row] + 1_000_000*coords[1][row] + 1_000_000_000*coords[2][row]
}

// packSchedule groups byPeer's rows and orders each peer's rows by the
// caller-supplied global-index key, the row-major destination/source
// ordering ordering invariant 8.1 requires.
func packSchedule(byPeer map[int][]int, key func(row int) int) []peerSchedule {
	peers := make([]int, 0, len(byPeer))
	for p := range byPeer {
		peers = append(peers, p)
	}
	sort.Ints(peers)
	out := make([]peerSchedule, 0, len(peers))
	for _, p := range peers {
		rows := append([]int(nil), byPeer[p]...)
		sort.Slice(rows, func(i, j int) bool { return key(rows[i]) < key(rows[j]) })
		out = append(out, peerSchedule{peer: p, indices: rows})
	}
	return out
}

// sendFrameAsync/recvFrameAsync adapt transport.SendFrame/RecvFrame (which
// block until complete) into Request-returning calls by running them on a
// background goroutine, matching the non-blocking ISend/IRecv contract
// SendHandle.Send/RecvHandle.Receive expose.
func sendFrameAsync(comm transport.Comm, dest, tag int, payload []byte) (*transport.Request, error) {
	ready := make(chan struct{})
	var sendErr error
	go func() {
		sendErr = transport.SendFrame(context.Background(), comm, dest, tag, payload)
		close(ready)
	}()
	return transport.NewRequest(ready, func() error { return sendErr }), nil
}

func recvFrameAsync(ctx context.Context, comm transport.Comm, source, tag int, onData func([]byte)) (*transport.Request, error) {
	ready := make(chan struct{})
	var recvErr error
	go func() {
		payload, _, err := transport.RecvFrame(ctx, comm, source, tag)
		if err != nil {
			recvErr = err
			close(ready)
			return
		}
		onData(payload)
		close(ready)
	}()
	return transport.NewRequest(ready, func() error { return recvErr }), nil
}
