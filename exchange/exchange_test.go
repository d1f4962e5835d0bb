package exchange_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/govk/connectivity"
	"github.com/notargets/govk/exchange"
	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/transport"
)

func fieldRange() govktypes.Range {
	return govktypes.NewRange(govktypes.Tuple3{0, 0, 0}, govktypes.Tuple3{4, 4, 1})
}

func floatBuffer(values []float64) exchange.Buffer {
	b := exchange.NewBuffer(govktypes.DataFloat64, len(values), govktypes.RowMajor)
	for i, v := range values {
		b.SetFloat64(i, v)
	}
	return b
}

func TestCollectNonePassesThroughSingleVertex(t *testing.T) {
	comms := transport.NewLocalNetwork(1)
	ctx := context.Background()
	comm := comms[0]
	store := connectivity.NewMStore(comm)
	pair := connectivity.Pair{MGrid: 0, NGrid: 1}

	require.NoError(t, store.Resize(ctx, pair, 1, 1))
	ext, err := store.EditExtents(ctx, pair)
	require.NoError(t, err)
	begin := ext.Begin()
	end := ext.End()
	begin[0][0], begin[1][0], begin[2][0] = 2, 1, 0
	end[0][0], end[1][0], end[2][0] = 3, 2, 1
	require.NoError(t, ext.Close(ctx))

	h, err := exchange.NewCollectHandle(store, pair, 0, govktypes.CollectNone,
		govktypes.DataFloat64, 1, fieldRange(), govktypes.RowMajor)
	require.NoError(t, err)

	field := make([]float64, 16)
	for i := range field {
		field[i] = float64(i)
	}
	fieldBuf := floatBuffer(field)
	donorBuf := exchange.NewBuffer(govktypes.DataFloat64, 1, govktypes.RowMajor)

	require.NoError(t, h.Collect(exchange.Buffers{fieldBuf}, exchange.Buffers{donorBuf}))
	want := field[2+4*1]
	assert.Equal(t, want, donorBuf.GetFloat64(0))
}

func TestCollectSumReducesStencil(t *testing.T) {
	comms := transport.NewLocalNetwork(1)
	ctx := context.Background()
	comm := comms[0]
	store := connectivity.NewMStore(comm)
	pair := connectivity.Pair{MGrid: 0, NGrid: 1}

	require.NoError(t, store.Resize(ctx, pair, 1, 4))
	ext, err := store.EditExtents(ctx, pair)
	require.NoError(t, err)
	begin := ext.Begin()
	end := ext.End()
	begin[0][0], begin[1][0], begin[2][0] = 0, 0, 0
	end[0][0], end[1][0], end[2][0] = 2, 2, 1
	require.NoError(t, ext.Close(ctx))

	h, err := exchange.NewCollectHandle(store, pair, 1, govktypes.CollectSum,
		govktypes.DataFloat64, 1, fieldRange(), govktypes.RowMajor)
	require.NoError(t, err)

	field := make([]float64, 16)
	for i := range field {
		field[i] = 1
	}
	fieldBuf := floatBuffer(field)
	donorBuf := exchange.NewBuffer(govktypes.DataFloat64, 1, govktypes.RowMajor)

	require.NoError(t, h.Collect(exchange.Buffers{fieldBuf}, exchange.Buffers{donorBuf}))
	assert.Equal(t, 4.0, donorBuf.GetFloat64(0))
}

func TestDisperseOverwriteAndAppend(t *testing.T) {
	comms := transport.NewLocalNetwork(1)
	ctx := context.Background()
	comm := comms[0]
	store := connectivity.NewNStore(comm)
	pair := connectivity.Pair{MGrid: 0, NGrid: 1}

	require.NoError(t, store.Resize(ctx, pair, 2))
	pe, err := store.EditPoints(ctx, pair)
	require.NoError(t, err)
	pts := pe.Point()
	pts[0][0], pts[1][0], pts[2][0] = 1, 1, 0
	pts[0][1], pts[1][1], pts[2][1] = 2, 2, 0
	require.NoError(t, pe.Close(ctx))

	overwrite, err := exchange.NewDisperseHandle(store, pair, 0, govktypes.DisperseOverwrite,
		govktypes.DataFloat64, 1, fieldRange(), govktypes.RowMajor)
	require.NoError(t, err)

	field := make([]float64, 16)
	fieldBuf := floatBuffer(field)
	recvBuf := floatBuffer([]float64{5, 9})

	require.NoError(t, overwrite.Disperse(exchange.Buffers{recvBuf}, exchange.Buffers{fieldBuf}))
	assert.Equal(t, 5.0, fieldBuf.GetFloat64(1+4*1))
	assert.Equal(t, 9.0, fieldBuf.GetFloat64(2+4*2))

	appender, err := exchange.NewDisperseHandle(store, pair, 1, govktypes.DisperseAppend,
		govktypes.DataFloat64, 1, fieldRange(), govktypes.RowMajor)
	require.NoError(t, err)
	recvBuf2 := floatBuffer([]float64{1, 1})
	require.NoError(t, appender.Disperse(exchange.Buffers{recvBuf2}, exchange.Buffers{fieldBuf}))
	assert.Equal(t, 6.0, fieldBuf.GetFloat64(1+4*1))
	assert.Equal(t, 10.0, fieldBuf.GetFloat64(2+4*2))
}

// TestCollectInterpolateBlendsFullVertexBox pins down the multilinear
// blend the interpolate op owes the exchange contract: for a 2x2 donor
// box (dim 2, numCorners 4) with per-axis coefficients u=0.25, v=0.75,
// the result must be the full tensor-product combination of all four
// corners, not just the corner the donor's anchor points at. This is the
// regression test for the stencil-size bug where a 1-vertex Begin/End box
// made interpolate silently degenerate to a single-vertex lookup.
func TestCollectInterpolateBlendsFullVertexBox(t *testing.T) {
	comms := transport.NewLocalNetwork(1)
	ctx := context.Background()
	comm := comms[0]
	store := connectivity.NewMStore(comm)
	pair := connectivity.Pair{MGrid: 0, NGrid: 1}

	require.NoError(t, store.Resize(ctx, pair, 1, 4))
	ext, err := store.EditExtents(ctx, pair)
	require.NoError(t, err)
	begin := ext.Begin()
	end := ext.End()
	begin[0][0], begin[1][0], begin[2][0] = 1, 1, 0
	end[0][0], end[1][0], end[2][0] = 3, 3, 1
	require.NoError(t, ext.Close(ctx))

	u, v := 0.25, 0.75
	coefEd, err := store.EditCoefs(ctx, pair)
	require.NoError(t, err)
	coef := coefEd.Coef()
	for p := 0; p < 4; p++ {
		bit0, bit1 := p&1, (p>>1)&1
		if bit0 == 1 {
			(*coef)[0][p][0] = u
		} else {
			(*coef)[0][p][0] = 1 - u
		}
		if bit1 == 1 {
			(*coef)[1][p][0] = v
		} else {
			(*coef)[1][p][0] = 1 - v
		}
	}
	require.NoError(t, coefEd.Close(ctx))

	h, err := exchange.NewCollectHandle(store, pair, 0, govktypes.CollectInterpolate,
		govktypes.DataFloat64, 1, fieldRange(), govktypes.RowMajor)
	require.NoError(t, err)

	// Corners of the box at (1,1), (2,1), (1,2), (2,2) carry distinct
	// values so a degenerate single-vertex read would miss the blend.
	field := make([]float64, 16)
	for i := range field {
		field[i] = -1
	}
	field[1+4*1] = 10 // (0,0) corner, weight (1-u)(1-v)
	field[2+4*1] = 20 // (1,0) corner, weight u(1-v)
	field[1+4*2] = 30 // (0,1) corner, weight (1-u)v
	field[2+4*2] = 40 // (1,1) corner, weight u*v
	fieldBuf := floatBuffer(field)
	donorBuf := exchange.NewBuffer(govktypes.DataFloat64, 1, govktypes.RowMajor)

	require.NoError(t, h.Collect(exchange.Buffers{fieldBuf}, exchange.Buffers{donorBuf}))

	want := (1-u)*(1-v)*10 + u*(1-v)*20 + (1-u)*v*30 + u*v*40
	assert.InDelta(t, want, donorBuf.GetFloat64(0), 1e-9)

	// Partition of unity: a uniform field must pass through unchanged
	// regardless of the coefficients.
	uniform := make([]float64, 16)
	for i := range uniform {
		uniform[i] = 7
	}
	uniformBuf := floatBuffer(uniform)
	uniformDonorBuf := exchange.NewBuffer(govktypes.DataFloat64, 1, govktypes.RowMajor)
	require.NoError(t, h.Collect(exchange.Buffers{uniformBuf}, exchange.Buffers{uniformDonorBuf}))
	assert.InDelta(t, 7.0, uniformDonorBuf.GetFloat64(0), 1e-9)
}

func TestSendReceiveRoundTripInt32(t *testing.T) {
	comms := transport.NewLocalNetwork(2)
	ctx := context.Background()
	pair := connectivity.Pair{MGrid: 0, NGrid: 1}

	// Resize and Edit* barrier the store's communicator, and both ranks'
	// tables are set up here from one goroutine, so each store gets its own
	// single-rank comm; Send/Receive still run over the two-rank comms.
	mstore := connectivity.NewMStore(transport.NewLocalNetwork(1)[0])
	require.NoError(t, mstore.Resize(ctx, pair, 1, 1))
	dest, err := mstore.EditDestinations(ctx, pair)
	require.NoError(t, err)
	destRank := dest.DestinationRank()
	(*destRank)[0] = 1
	require.NoError(t, dest.Close(ctx))

	nstore := connectivity.NewNStore(transport.NewLocalNetwork(1)[0])
	require.NoError(t, nstore.Resize(ctx, pair, 1))

	sendHandle, err := exchange.NewSendHandle(comms[0], mstore, pair, 9, govktypes.DataInt32, 1)
	require.NoError(t, err)
	recvHandle, err := exchange.NewRecvHandle(comms[1], nstore, pair, 9, govktypes.DataInt32, 1)
	require.NoError(t, err)

	donorBuf := exchange.NewBuffer(govktypes.DataInt32, 1, govktypes.RowMajor)
	donorBuf.SetFloat64(0, -17)
	recvBuf := exchange.NewBuffer(govktypes.DataInt32, 1, govktypes.RowMajor)

	done := make(chan struct{})
	go func() {
		defer close(done)
		reqs, err := recvHandle.Receive(ctx, exchange.Buffers{recvBuf})
		require.NoError(t, err)
		for _, r := range reqs {
			require.NoError(t, transport.Wait(ctx, r))
		}
	}()

	reqs, err := sendHandle.Send(ctx, exchange.Buffers{donorBuf})
	require.NoError(t, err)
	for _, r := range reqs {
		require.NoError(t, transport.Wait(ctx, r))
	}
	<-done

	assert.Equal(t, -17.0, recvBuf.GetFloat64(0))
}

func TestSendReceiveRoundTripBetweenTwoRanks(t *testing.T) {
	comms := transport.NewLocalNetwork(2)
	ctx := context.Background()
	pair := connectivity.Pair{MGrid: 0, NGrid: 1}

	// See TestSendReceiveRoundTripInt32: each store gets its own
	// single-rank comm for its collective setup.
	mstore := connectivity.NewMStore(transport.NewLocalNetwork(1)[0])
	require.NoError(t, mstore.Resize(ctx, pair, 1, 1))
	dest, err := mstore.EditDestinations(ctx, pair)
	require.NoError(t, err)
	destRank := dest.DestinationRank()
	(*destRank)[0] = 1
	require.NoError(t, dest.Close(ctx))

	nstore := connectivity.NewNStore(transport.NewLocalNetwork(1)[0])
	require.NoError(t, nstore.Resize(ctx, pair, 1))

	sendHandle, err := exchange.NewSendHandle(comms[0], mstore, pair, 7, govktypes.DataFloat64, 1)
	require.NoError(t, err)
	recvHandle, err := exchange.NewRecvHandle(comms[1], nstore, pair, 7, govktypes.DataFloat64, 1)
	require.NoError(t, err)

	donorBuf := floatBuffer([]float64{42})
	recvBuf := exchange.NewBuffer(govktypes.DataFloat64, 1, govktypes.RowMajor)

	done := make(chan struct{})
	go func() {
		defer close(done)
		reqs, err := recvHandle.Receive(ctx, exchange.Buffers{recvBuf})
		require.NoError(t, err)
		for _, r := range reqs {
			require.NoError(t, transport.Wait(ctx, r))
		}
	}()

	reqs, err := sendHandle.Send(ctx, exchange.Buffers{donorBuf})
	require.NoError(t, err)
	for _, r := range reqs {
		require.NoError(t, transport.Wait(ctx, r))
	}
	<-done

	assert.Equal(t, 42.0, recvBuf.GetFloat64(0))
}
