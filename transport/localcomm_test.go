package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func runOnAll(comms []Comm, fn func(t *testing.T, c Comm)) func(*testing.T) {
	return func(t *testing.T) {
		errs := make(chan error, len(comms))
		for _, c := range comms {
			c := c
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errs <- assert.AnError
						return
					}
					errs <- nil
				}()
				fn(t, c)
			}()
		}
		for range comms {
			require.NoError(t, <-errs)
		}
	}
}

func TestLocalCommRankAndSize(t *testing.T) {
	comms := NewLocalNetwork(4)
	for r, c := range comms {
		assert.Equal(t, r, c.Rank())
		assert.Equal(t, 4, c.Size())
	}
}

func TestLocalCommSendRecv(t *testing.T) {
	comms := NewLocalNetwork(2)
	ctx, cancel := withTimeout(t)
	defer cancel()

	done := make(chan error, 2)
	go func() {
		req, err := comms[0].ISend(1, 42, []byte("hello"))
		if err != nil {
			done <- err
			return
		}
		done <- Wait(ctx, req)
	}()
	go func() {
		buf := make([]byte, 5)
		req, err := comms[1].IRecv(0, 42, buf)
		if err != nil {
			done <- err
			return
		}
		if err := Wait(ctx, req); err != nil {
			done <- err
			return
		}
		if string(buf) != "hello" {
			done <- assert.AnError
			return
		}
		if req.Source() != 0 {
			done <- assert.AnError
			return
		}
		done <- nil
	}()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}

func TestLocalCommBarrier(t *testing.T) {
	comms := NewLocalNetwork(5)
	ctx, cancel := withTimeout(t)
	defer cancel()
	t.Run("barrier", runOnAll(comms, func(t *testing.T, c Comm) {
		require.NoError(t, c.Barrier(ctx))
	}))
}

func TestLocalCommBcast(t *testing.T) {
	comms := NewLocalNetwork(4)
	ctx, cancel := withTimeout(t)
	defer cancel()
	t.Run("bcast", runOnAll(comms, func(t *testing.T, c Comm) {
		buf := make([]byte, 3)
		if c.Rank() == 2 {
			copy(buf, []byte("xyz"))
		}
		require.NoError(t, c.Bcast(ctx, 2, buf))
		assert.Equal(t, "xyz", string(buf))
	}))
}

func TestLocalCommReduceAndAllreduce(t *testing.T) {
	comms := NewLocalNetwork(3)
	ctx, cancel := withTimeout(t)
	defer cancel()

	t.Run("reduce-sum", runOnAll(comms, func(t *testing.T, c Comm) {
		local := []float64{float64(c.Rank() + 1)}
		out := make([]float64, 1)
		require.NoError(t, c.Reduce(ctx, 0, ReduceSum, local, out))
		if c.Rank() == 0 {
			assert.Equal(t, 6.0, out[0]) // 1+2+3
		}
	}))

	t.Run("allreduce-max", runOnAll(comms, func(t *testing.T, c Comm) {
		local := []float64{float64(c.Rank())}
		out := make([]float64, 1)
		require.NoError(t, c.Allreduce(ctx, ReduceMax, local, out))
		assert.Equal(t, 2.0, out[0])
	}))
}

func TestLocalCommAllgather(t *testing.T) {
	comms := NewLocalNetwork(3)
	ctx, cancel := withTimeout(t)
	defer cancel()
	t.Run("allgather", runOnAll(comms, func(t *testing.T, c Comm) {
		local := []byte{byte('a' + c.Rank())}
		all, err := c.Allgather(ctx, local)
		require.NoError(t, err)
		require.Len(t, all, 3)
		for r, b := range all {
			assert.Equal(t, byte('a'+r), b[0])
		}
	}))
}

func TestLocalCommSplit(t *testing.T) {
	comms := NewLocalNetwork(4)
	ctx, cancel := withTimeout(t)
	defer cancel()

	results := make(chan [2]int, 4)
	for _, c := range comms {
		c := c
		go func() {
			color := c.Rank() % 2
			sub, err := c.Split(color, c.Rank())
			require.NoError(t, err)
			require.NoError(t, sub.Barrier(ctx))
			results <- [2]int{color, sub.Size()}
		}()
	}
	for i := 0; i < 4; i++ {
		r := <-results
		assert.Equal(t, 2, r[1])
	}
}

func TestWaitAnyReturnsFirstReady(t *testing.T) {
	comms := NewLocalNetwork(2)
	ctx, cancel := withTimeout(t)
	defer cancel()

	slowBuf := make([]byte, 1)
	fastBuf := make([]byte, 1)
	slowReq, err := comms[1].IRecv(0, 100, slowBuf)
	require.NoError(t, err)
	fastReq, err := comms[1].IRecv(0, 200, fastBuf)
	require.NoError(t, err)

	sendReq, err := comms[0].ISend(1, 200, []byte{7})
	require.NoError(t, err)
	require.NoError(t, Wait(ctx, sendReq))

	idx, err := WaitAny(ctx, []*Request{slowReq, fastReq})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, byte(7), fastBuf[0])
	slowReq.Cancel()
}

func TestHandshakeDiscoversActualSenders(t *testing.T) {
	comms := NewLocalNetwork(4)
	ctx, cancel := withTimeout(t)
	defer cancel()

	// Rank 3 does not know in advance who will send to it; ranks 0 and 2
	// actually send, rank 1 participates in the handshake barrier only.
	discovered := make(chan map[int]struct{}, 1)
	errs := make(chan error, 4)
	for _, c := range comms {
		c := c
		go func() {
			switch c.Rank() {
			case 0, 2:
				req, err := c.ISend(3, 7, []byte("x"))
				if err == nil {
					err = Wait(ctx, req)
				}
				if _, hsErr := Handshake(ctx, c, map[int]struct{}{3: {}}); hsErr != nil && err == nil {
					err = hsErr
				}
				errs <- err
			case 3:
				peers, err := Handshake(ctx, c, map[int]struct{}{})
				if err == nil {
					discovered <- peers
				}
				errs <- err
			default:
				_, err := Handshake(ctx, c, map[int]struct{}{})
				errs <- err
			}
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errs)
	}
	peers := <-discovered
	assert.Equal(t, map[int]struct{}{0: {}, 2: {}}, peers)
}

func TestDimsCreateBalancesFactors(t *testing.T) {
	dims := DimsCreate(12, [3]int{0, 0, 0})
	product := dims[0] * dims[1] * dims[2]
	assert.Equal(t, 12, product)
	assert.True(t, dims[0] >= dims[1])
	assert.True(t, dims[1] >= dims[2])
}

func TestDimsCreateHonorsFixedAxis(t *testing.T) {
	dims := DimsCreate(12, [3]int{4, 0, 0})
	assert.Equal(t, 4, dims[0])
	assert.Equal(t, 12, dims[0]*dims[1]*dims[2])
}

func TestCartCreateCoordsRoundTrip(t *testing.T) {
	comms := NewLocalNetwork(8)
	cart, err := CartCreate(comms[5], [3]int{2, 2, 2}, [3]bool{false, false, false}, false)
	require.NoError(t, err)
	coords := cart.Coords(5)
	assert.Equal(t, 5, cart.RankOf(coords))
}

func TestCartCreateNeighborRankPeriodicity(t *testing.T) {
	comms := NewLocalNetwork(4)
	cart, err := CartCreate(comms[0], [3]int{4, 1, 1}, [3]bool{true, false, false}, false)
	require.NoError(t, err)
	neighbor, ok := cart.NeighborRank(0, -1)
	require.True(t, ok)
	assert.Equal(t, 3, neighbor) // wraps around

	nonPeriodic, err := CartCreate(comms[0], [3]int{4, 1, 1}, [3]bool{false, false, false}, false)
	require.NoError(t, err)
	_, ok = nonPeriodic.NeighborRank(0, -1)
	assert.False(t, ok)
}
