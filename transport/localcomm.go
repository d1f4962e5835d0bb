package transport

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
)

// Envelope is one in-flight point-to-point message, keyed for delivery by
// destination global rank and tag.
type Envelope struct {
	From int
	Data []byte
}

// network is the shared in-process fabric backing every LocalComm derived
// from the same root. Mailboxes are addressed by global rank so that
// communicators created via Split can still route through one fabric.
type network struct {
	mu        sync.Mutex
	mailboxes map[int]map[int]chan Envelope // global rank -> tag -> channel
	barriers  map[string]*reusableBarrier
}

func newNetwork() *network {
	return &network{
		mailboxes: make(map[int]map[int]chan Envelope),
		barriers:  make(map[string]*reusableBarrier),
	}
}

func (nw *network) mailbox(globalRank, tag int) chan Envelope {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	byTag, ok := nw.mailboxes[globalRank]
	if !ok {
		byTag = make(map[int]chan Envelope)
		nw.mailboxes[globalRank] = byTag
	}
	ch, ok := byTag[tag]
	if !ok {
		ch = make(chan Envelope, 4096)
		byTag[tag] = ch
	}
	return ch
}

func (nw *network) barrier(id string, n int) *reusableBarrier {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	b, ok := nw.barriers[id]
	if !ok {
		b = newReusableBarrier(n)
		nw.barriers[id] = b
	}
	return b
}

// LocalComm is a goroutine-per-rank, channel-based Comm: the direct
// generalization of the teacher's utils.MailBox/NeighborNotifier pattern
// (utils/parallel_utils.go) into the full message-passing contract the
// spec's external interfaces section requires. One LocalComm value belongs
// to exactly one logical rank and must be driven from that rank's own
// goroutine (Concurrency & Resource Model: within a rank, execution is
// single-threaded).
type LocalComm struct {
	net          *network
	id           string
	participants []int // global ranks, in communicator rank order
	localRank    int
}

// NewLocalNetwork builds size LocalComm handles, one per rank, sharing a
// fresh in-process network -- the root communicator.
func NewLocalNetwork(size int) []Comm {
	nw := newNetwork()
	participants := make([]int, size)
	for i := range participants {
		participants[i] = i
	}
	out := make([]Comm, size)
	for r := 0; r < size; r++ {
		out[r] = &LocalComm{net: nw, id: "root", participants: participants, localRank: r}
	}
	return out
}

func (c *LocalComm) Rank() int { return c.localRank }
func (c *LocalComm) Size() int { return len(c.participants) }

func (c *LocalComm) globalRank(local int) int {
	return c.participants[local]
}

func (c *LocalComm) Barrier(ctx context.Context) error {
	return c.net.barrier(c.id, len(c.participants)).wait(ctx)
}

func (c *LocalComm) NonBlockingBarrier(ctx context.Context) (*Request, error) {
	ready, errOut := c.net.barrier(c.id, len(c.participants)).waitAsync(ctx)
	return NewRequest(ready, func() error { return *errOut }), nil
}

func (c *LocalComm) Bcast(ctx context.Context, root int, data []byte) error {
	if root < 0 || root >= c.Size() {
		panic(fmt.Errorf("transport: Bcast root %d out of range [0,%d)", root, c.Size()))
	}
	tag := bcastTag(c.id)
	if c.localRank == root {
		for dest := 0; dest < c.Size(); dest++ {
			if dest == root {
				continue
			}
			req, err := c.ISend(dest, tag, data)
			if err != nil {
				return err
			}
			// Waiting puts this message in dest's mailbox before the next
			// Bcast's, so back-to-back broadcasts arrive in order.
			if err := Wait(ctx, req); err != nil {
				return err
			}
		}
		return nil
	}
	req, err := c.IRecv(root, tag, data)
	if err != nil {
		return err
	}
	return Wait(ctx, req)
}

func (c *LocalComm) Allreduce(ctx context.Context, op ReduceOp, local, out []float64) error {
	if err := c.Reduce(ctx, 0, op, local, out); err != nil {
		return err
	}
	buf := make([]byte, len(local)*8)
	if c.localRank == 0 {
		encodeFloats(buf, out)
	}
	if err := c.Bcast(ctx, 0, buf); err != nil {
		return err
	}
	decodeFloats(buf, out)
	return nil
}

func (c *LocalComm) Reduce(ctx context.Context, root int, op ReduceOp, local, out []float64) error {
	if len(out) != len(local) {
		panic(fmt.Errorf("transport: Reduce out length %d does not match local length %d", len(out), len(local)))
	}
	tag := reduceTag(c.id)
	if c.localRank == root {
		acc := make([]float64, len(local))
		copy(acc, local)
		buf := make([]byte, len(local)*8)
		for src := 0; src < c.Size(); src++ {
			if src == root {
				continue
			}
			req, err := c.IRecv(src, tag, buf)
			if err != nil {
				return err
			}
			if err := Wait(ctx, req); err != nil {
				return err
			}
			vals := make([]float64, len(local))
			decodeFloats(buf, vals)
			for i := range acc {
				acc[i] = op.apply(acc[i], vals[i])
			}
		}
		copy(out, acc)
		return nil
	}
	buf := make([]byte, len(local)*8)
	encodeFloats(buf, local)
	req, err := c.ISend(root, tag, buf)
	if err != nil {
		return err
	}
	return Wait(ctx, req)
}

func (c *LocalComm) Allgather(ctx context.Context, local []byte) ([][]byte, error) {
	tag := allgatherTag(c.id)
	out := make([][]byte, c.Size())
	if c.localRank == 0 {
		out[0] = append([]byte(nil), local...)
		for src := 1; src < c.Size(); src++ {
			req, err := c.IRecv(src, tag, make([]byte, len(local)))
			if err != nil {
				return nil, err
			}
			if err := Wait(ctx, req); err != nil {
				return nil, err
			}
			out[src] = req.lastBuf
		}
	} else {
		req, err := c.ISend(0, tag, local)
		if err != nil {
			return nil, err
		}
		if err := Wait(ctx, req); err != nil {
			return nil, err
		}
	}
	// Root now has every payload; broadcast the concatenated table back.
	header := make([]byte, 4)
	if c.localRank == 0 {
		encodeInt32(header, int32(len(local)))
	}
	if err := c.Bcast(ctx, 0, header); err != nil {
		return nil, err
	}
	elemSize := int(decodeInt32(header))
	all := make([]byte, elemSize*c.Size())
	if c.localRank == 0 {
		for i, b := range out {
			copy(all[i*elemSize:(i+1)*elemSize], b)
		}
	}
	if err := c.Bcast(ctx, 0, all); err != nil {
		return nil, err
	}
	result := make([][]byte, c.Size())
	for i := range result {
		result[i] = append([]byte(nil), all[i*elemSize:(i+1)*elemSize]...)
	}
	return result, nil
}

func (c *LocalComm) ISend(dest, tag int, data []byte) (*Request, error) {
	if dest < 0 || dest >= c.Size() {
		return nil, fmt.Errorf("transport: ISend destination %d out of range [0,%d)", dest, c.Size())
	}
	buf := append([]byte(nil), data...)
	ch := c.net.mailbox(c.globalRank(dest), tag)
	ready := make(chan struct{})
	go func() {
		ch <- Envelope{From: c.globalRank(c.localRank), Data: buf}
		close(ready)
	}()
	return NewRequest(ready, func() error { return nil }), nil
}

func (c *LocalComm) IRecv(source, tag int, buf []byte) (*Request, error) {
	if source != AnySource && (source < 0 || source >= c.Size()) {
		return nil, fmt.Errorf("transport: IRecv source %d out of range [0,%d)", source, c.Size())
	}
	ch := c.net.mailbox(c.globalRank(c.localRank), tag)
	ready := make(chan struct{})
	var env Envelope
	go func() {
		for {
			env = <-ch
			if source == AnySource || env.From == c.globalRank(source) {
				break
			}
			// Another sender's message on this tag belongs to a different
			// receive: hand it back to the mailbox and keep waiting.
			ch <- env
			runtime.Gosched()
		}
		close(ready)
	}()
	req := NewRequest(ready, nil)
	req.finalize = func() error {
		fromLocal := c.globalToLocal(env.From)
		req.setSource(fromLocal)
		if source != AnySource && fromLocal != source {
			return fmt.Errorf("transport: IRecv expected source %d, got %d (tag %d)", source, fromLocal, tag)
		}
		if len(buf) != len(env.Data) {
			panic(fmt.Errorf("transport: IRecv buffer size %d does not match received message size %d (tag %d)", len(buf), len(env.Data), tag))
		}
		copy(buf, env.Data)
		req.lastBuf = append([]byte(nil), env.Data...)
		return nil
	}
	return req, nil
}

func (c *LocalComm) globalToLocal(global int) int {
	for i, g := range c.participants {
		if g == global {
			return i
		}
	}
	panic(fmt.Errorf("transport: received message from global rank %d not a member of this communicator", global))
}

func (c *LocalComm) Split(color, key int) (Comm, error) {
	type member struct{ color, key, rank int }
	local := member{color, key, c.localRank}
	buf := make([]byte, 12)
	encodeInt32(buf[0:4], int32(local.color))
	encodeInt32(buf[4:8], int32(local.key))
	encodeInt32(buf[8:12], int32(local.rank))

	all, err := c.Allgather(context.Background(), buf)
	if err != nil {
		return nil, err
	}
	members := make([]member, len(all))
	for i, b := range all {
		members[i] = member{int(decodeInt32(b[0:4])), int(decodeInt32(b[4:8])), int(decodeInt32(b[8:12]))}
	}

	var mine []member
	for _, m := range members {
		if m.color == color {
			mine = append(mine, m)
		}
	}
	sort.Slice(mine, func(i, j int) bool {
		if mine[i].key != mine[j].key {
			return mine[i].key < mine[j].key
		}
		return mine[i].rank < mine[j].rank
	})

	newParticipants := make([]int, len(mine))
	newLocal := -1
	for i, m := range mine {
		newParticipants[i] = c.globalRank(m.rank)
		if m.rank == c.localRank {
			newLocal = i
		}
	}
	if newLocal < 0 {
		panic(fmt.Errorf("transport: Split did not find this rank in its own color group"))
	}
	return &LocalComm{
		net:          c.net,
		id:           fmt.Sprintf("%s/split(color=%d)", c.id, color),
		participants: newParticipants,
		localRank:    newLocal,
	}, nil
}

func bcastTag(id string) int     { return hashTag(id, "bcast") }
func reduceTag(id string) int    { return hashTag(id, "reduce") }
func allgatherTag(id string) int { return hashTag(id, "allgather") }

// hashTag derives a stable, collision-resistant tag for internal collective
// traffic from the communicator id and operation name, kept out of the
// caller-visible tag space used by application sends/receives.
func hashTag(id, op string) int {
	h := 2166136261
	for _, r := range id + "|" + op {
		h = (h ^ int(r)) * 16777619
	}
	if h < 0 {
		h = -h
	}
	return -(h%1_000_000 + 1) // negative range: never collides with app tags >= 0
}

func encodeFloats(buf []byte, vals []float64) {
	for i, v := range vals {
		bits := floatBits(v)
		encodeUint64(buf[i*8:(i+1)*8], bits)
	}
}

func decodeFloats(buf []byte, out []float64) {
	for i := range out {
		out[i] = bitsFloat(decodeUint64(buf[i*8 : (i+1)*8]))
	}
}
