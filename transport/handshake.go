package transport

import "context"

// handshakeTag is the reserved tag Handshake uses for its zero-byte probes,
// kept out of the nonnegative application tag space.
const handshakeTag = -999999

// peeker is satisfied by Comm implementations that can deterministically
// drain already-delivered messages without blocking. LocalComm implements
// it; Handshake falls back to a best-effort IRecv-based drain for any Comm
// that does not.
type peeker interface {
	tryRecvAny(tag int) (fromLocal int, data []byte, ok bool)
}

func (c *LocalComm) tryRecvAny(tag int) (int, []byte, bool) {
	ch := c.net.mailbox(c.globalRank(c.localRank), tag)
	select {
	case env := <-ch:
		return c.globalToLocal(env.From), env.Data, true
	default:
		return 0, nil, false
	}
}

// Handshake discovers, for this rank, which peers actually sent it a
// message, without a global reduction (spec §4.9): post a zero-byte Isend
// to every rank in knownPeers, signal completion via a non-blocking
// barrier (every sender's message is guaranteed to have been delivered to
// its destination's mailbox by the time every rank has passed the
// barrier), then drain whatever arrived.
func Handshake(ctx context.Context, comm Comm, knownPeers map[int]struct{}) (map[int]struct{}, error) {
	var sendReqs []*Request
	for peer := range knownPeers {
		req, err := comm.ISend(peer, handshakeTag, []byte{})
		if err != nil {
			return nil, err
		}
		sendReqs = append(sendReqs, req)
	}
	if err := WaitAll(ctx, sendReqs); err != nil {
		return nil, err
	}

	barrierReq, err := comm.NonBlockingBarrier(ctx)
	if err != nil {
		return nil, err
	}
	if err := Wait(ctx, barrierReq); err != nil {
		return nil, err
	}

	result := make(map[int]struct{})
	if pk, ok := comm.(peeker); ok {
		for {
			from, _, ok := pk.tryRecvAny(handshakeTag)
			if !ok {
				break
			}
			result[from] = struct{}{}
		}
		return result, nil
	}

	// Fallback for Comm implementations without a deterministic peek: post
	// one probe per possible sender and cancel whatever is not already
	// ready (best effort -- every real Comm in this module implements
	// peeker, so this path only guards against a future third-party Comm).
	size := comm.Size()
	reqs := make([]*Request, size)
	for r := 0; r < size; r++ {
		if r == comm.Rank() {
			continue
		}
		req, err := comm.IRecv(r, handshakeTag, []byte{})
		if err != nil {
			return nil, err
		}
		reqs[r] = req
	}
	for r, req := range reqs {
		if req == nil {
			continue
		}
		select {
		case <-req.ready:
			if err := Wait(ctx, req); err == nil {
				result[r] = struct{}{}
			}
		default:
			req.Cancel()
		}
	}
	return result, nil
}
