package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"runtime"
	"sync"
)

// CommFactory builds a Comm for one rank of a size-wide communicator,
// given the address list of every rank. Used by Register/NewRegistered,
// mirroring the reference corpus's pattern of registering a concrete Mpi
// implementation during an init() (other_examples/btracey-mpi__mpi.go).
type CommFactory func(rank int, addrs []string) (Comm, error)

var registry = struct {
	mu sync.Mutex
	m  map[string]CommFactory
}{m: make(map[string]CommFactory)}

// Register records a named Comm factory for later lookup by name, the
// transport-layer analog of the reference package's mpi.Register.
func Register(name string, factory CommFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.m[name] = factory
}

// NewRegistered builds a Comm using a previously Registered factory.
func NewRegistered(name string, rank int, addrs []string) (Comm, error) {
	registry.mu.Lock()
	factory, ok := registry.m[name]
	registry.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: no Comm factory registered under name %q", name)
	}
	return factory(rank, addrs)
}

func init() {
	Register("network", NewNetworkComm)
}

// NetworkComm is a real multi-process Comm over TCP, the genuinely
// out-of-process counterpart to LocalComm -- grounded on the reference
// corpus's net-package-based Mpi implementation
// (other_examples/btracey-mpi__mpi.go's "Network" type). Every rank listens
// on its own address from addrs and dials every lower-indexed rank,
// producing one persistent connection per pair of ranks (the higher rank
// dials the lower rank), over which length-prefixed, tagged frames are
// exchanged.
type NetworkComm struct {
	rank  int
	addrs []string
	mu    sync.Mutex
	conns map[int]net.Conn
	ln    net.Listener
	inbox *network // reuse LocalComm's mailbox/barrier machinery for local bookkeeping once frames are read off the wire
	id    string
}

// NewNetworkComm dials/accepts connections to every peer in addrs and
// returns a ready Comm. addrs[rank] is this process's own listen address.
func NewNetworkComm(rank int, addrs []string) (Comm, error) {
	ln, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, fmt.Errorf("transport: NetworkComm: listen on %s: %w", addrs[rank], err)
	}
	c := &NetworkComm{
		rank:  rank,
		addrs: addrs,
		conns: make(map[int]net.Conn),
		ln:    ln,
		inbox: newNetwork(),
		id:    "root",
	}
	go c.acceptLoop()
	for peer := 0; peer < rank; peer++ {
		conn, err := net.Dial("tcp", addrs[peer])
		if err != nil {
			return nil, fmt.Errorf("transport: NetworkComm: dial rank %d at %s: %w", peer, addrs[peer], err)
		}
		var idBuf [4]byte
		binary.BigEndian.PutUint32(idBuf[:], uint32(int32(rank)))
		if _, err := conn.Write(idBuf[:]); err != nil {
			return nil, fmt.Errorf("transport: NetworkComm: identify to rank %d: %w", peer, err)
		}
		c.registerConn(peer, conn)
	}
	return c, nil
}

// acceptLoop accepts one connection per higher-indexed peer; the dialer
// identifies itself with its rank as the first 4 bytes on the wire so the
// accepting side can key its conns map by peer rank before starting the
// regular frame reader.
func (c *NetworkComm) acceptLoop() {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return
		}
		r := bufio.NewReader(conn)
		var idBuf [4]byte
		if _, err := fullRead(r, idBuf[:]); err != nil {
			conn.Close()
			continue
		}
		peer := int(int32(binary.BigEndian.Uint32(idBuf[:])))
		c.mu.Lock()
		c.conns[peer] = conn
		c.mu.Unlock()
		go c.readLoop(r)
	}
}

func (c *NetworkComm) registerConn(peer int, conn net.Conn) {
	c.mu.Lock()
	c.conns[peer] = conn
	c.mu.Unlock()
	go c.readLoop(bufio.NewReader(conn))
}

// frame: [from int32][tag int32][len int32][payload]
func (c *NetworkComm) readLoop(r *bufio.Reader) {
	var header [12]byte
	for {
		if _, err := fullRead(r, header[:]); err != nil {
			return
		}
		from := int(int32(binary.BigEndian.Uint32(header[0:4])))
		tag := int(int32(binary.BigEndian.Uint32(header[4:8])))
		n := int(binary.BigEndian.Uint32(header[8:12]))
		payload := make([]byte, n)
		if _, err := fullRead(r, payload); err != nil {
			return
		}
		c.inbox.mailbox(c.rank, tag) // ensure the mailbox exists before pushing
		c.inbox.mailboxes[c.rank][tag] <- Envelope{From: from, Data: payload}
	}
}

func fullRead(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *NetworkComm) connFor(peer int) net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[peer]
}

func (c *NetworkComm) Rank() int { return c.rank }
func (c *NetworkComm) Size() int { return len(c.addrs) }

func (c *NetworkComm) ISend(dest, tag int, data []byte) (*Request, error) {
	conn := c.connFor(dest)
	if conn == nil {
		return nil, fmt.Errorf("transport: NetworkComm: no connection to rank %d", dest)
	}
	ready := make(chan struct{})
	go func() {
		var header [12]byte
		binary.BigEndian.PutUint32(header[0:4], uint32(int32(c.rank)))
		binary.BigEndian.PutUint32(header[4:8], uint32(int32(tag)))
		binary.BigEndian.PutUint32(header[8:12], uint32(int32(len(data))))
		conn.Write(header[:])
		conn.Write(data)
		close(ready)
	}()
	return NewRequest(ready, func() error { return nil }), nil
}

func (c *NetworkComm) IRecv(source, tag int, buf []byte) (*Request, error) {
	ch := c.inbox.mailbox(c.rank, tag)
	ready := make(chan struct{})
	var env Envelope
	go func() {
		for {
			env = <-ch
			if source == AnySource || env.From == source {
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
		req.setSource(env.From)
		if source != AnySource && env.From != source {
			return fmt.Errorf("transport: IRecv expected source %d, got %d (tag %d)", source, env.From, tag)
		}
		copy(buf, env.Data)
		return nil
	}
	return req, nil
}

func (c *NetworkComm) Barrier(ctx context.Context) error {
	return c.inbox.barrier(c.id, c.Size()).wait(ctx)
}

func (c *NetworkComm) NonBlockingBarrier(ctx context.Context) (*Request, error) {
	ready, errOut := c.inbox.barrier(c.id, c.Size()).waitAsync(ctx)
	return NewRequest(ready, func() error { return *errOut }), nil
}

func (c *NetworkComm) Bcast(ctx context.Context, root int, data []byte) error {
	tag := bcastTag(c.id)
	if c.rank == root {
		var errs error
		for dest := 0; dest < c.Size(); dest++ {
			if dest == root {
				continue
			}
			req, err := c.ISend(dest, tag, data)
			if err != nil {
				return err
			}
			if err := Wait(ctx, req); err != nil {
				errs = err
			}
		}
		return errs
	}
	req, err := c.IRecv(root, tag, data)
	if err != nil {
		return err
	}
	return Wait(ctx, req)
}

func (c *NetworkComm) Allreduce(ctx context.Context, op ReduceOp, local, out []float64) error {
	if err := c.Reduce(ctx, 0, op, local, out); err != nil {
		return err
	}
	buf := make([]byte, len(local)*8)
	if c.rank == 0 {
		encodeFloats(buf, out)
	}
	if err := c.Bcast(ctx, 0, buf); err != nil {
		return err
	}
	decodeFloats(buf, out)
	return nil
}

func (c *NetworkComm) Reduce(ctx context.Context, root int, op ReduceOp, local, out []float64) error {
	tag := reduceTag(c.id)
	if c.rank == root {
		acc := make([]float64, len(local))
		copy(acc, local)
		for src := 0; src < c.Size(); src++ {
			if src == root {
				continue
			}
			buf := make([]byte, len(local)*8)
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

func (c *NetworkComm) Allgather(ctx context.Context, local []byte) ([][]byte, error) {
	tag := allgatherTag(c.id)
	out := make([][]byte, c.Size())
	if c.rank == 0 {
		out[0] = append([]byte(nil), local...)
		for src := 1; src < c.Size(); src++ {
			buf := make([]byte, len(local))
			req, err := c.IRecv(src, tag, buf)
			if err != nil {
				return nil, err
			}
			if err := Wait(ctx, req); err != nil {
				return nil, err
			}
			out[src] = buf
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
	header := make([]byte, 4)
	if c.rank == 0 {
		encodeInt32(header, int32(len(local)))
	}
	if err := c.Bcast(ctx, 0, header); err != nil {
		return nil, err
	}
	elemSize := int(decodeInt32(header))
	all := make([]byte, elemSize*c.Size())
	if c.rank == 0 {
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

func (c *NetworkComm) Split(color, key int) (Comm, error) {
	return nil, fmt.Errorf("transport: NetworkComm does not support Split")
}
