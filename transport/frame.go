package transport

import "context"

// SendFrame sends a variable-length payload to dest tagged tag: a 4-byte
// length preamble (tag+frameLenTagOffset) followed by the payload itself
// (tag). LocalComm's ISend/IRecv require exact-size buffers, so every
// dynamically-sized exchange in this module (hash region lists, overlap
// candidate tables, connectivity rows) goes through SendFrame/RecvFrame
// instead of a raw ISend/IRecv pair.
func SendFrame(ctx context.Context, comm Comm, dest, tag int, payload []byte) error {
	lenBuf := make([]byte, 4)
	encodeInt32(lenBuf, int32(len(payload)))
	lenReq, err := comm.ISend(dest, frameLenTag(tag), lenBuf)
	if err != nil {
		return err
	}
	if err := Wait(ctx, lenReq); err != nil {
		return err
	}
	dataReq, err := comm.ISend(dest, tag, payload)
	if err != nil {
		return err
	}
	return Wait(ctx, dataReq)
}

// RecvFrame receives one SendFrame-shaped message from source (or
// AnySource) tagged tag, returning the payload and the actual sender.
func RecvFrame(ctx context.Context, comm Comm, source, tag int) ([]byte, int, error) {
	lenBuf := make([]byte, 4)
	lenReq, err := comm.IRecv(source, frameLenTag(tag), lenBuf)
	if err != nil {
		return nil, 0, err
	}
	if err := Wait(ctx, lenReq); err != nil {
		return nil, 0, err
	}
	from := lenReq.Source()
	n := int(decodeInt32(lenBuf))
	payload := make([]byte, n)
	dataReq, err := comm.IRecv(from, tag, payload)
	if err != nil {
		return nil, 0, err
	}
	if err := Wait(ctx, dataReq); err != nil {
		return nil, 0, err
	}
	return payload, from, nil
}

// frameLenTag derives the reserved tag used for a SendFrame/RecvFrame pair's
// length preamble, kept distinct from the payload's own tag.
func frameLenTag(tag int) int {
	return -(2_000_000 + tag)
}
