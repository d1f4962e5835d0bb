package connectivity_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/govk/connectivity"
	"github.com/notargets/govk/transport"
)

func TestMStoreResizeEditWriteRestoreRead(t *testing.T) {
	comms := transport.NewLocalNetwork(1)
	ctx := context.Background()
	store := connectivity.NewMStore(comms[0])
	pair := connectivity.Pair{MGrid: 0, NGrid: 1}

	require.NoError(t, store.Resize(ctx, pair, 2, 4))

	editor, err := store.EditExtents(ctx, pair)
	require.NoError(t, err)
	begin := editor.Begin()
	begin[0][0] = 3
	require.NoError(t, editor.Close(ctx))

	table := store.Read(pair)
	assert.Equal(t, 3, table.Begin[0][0])
}

func TestMStoreResizeWhileEditingPanics(t *testing.T) {
	comms := transport.NewLocalNetwork(1)
	ctx := context.Background()
	store := connectivity.NewMStore(comms[0])
	pair := connectivity.Pair{MGrid: 0, NGrid: 1}
	require.NoError(t, store.Resize(ctx, pair, 1, 1))

	_, err := store.EditExtents(ctx, pair)
	require.NoError(t, err)

	assert.Panics(t, func() {
		_ = store.Resize(ctx, pair, 2, 2)
	})
}

func TestMStoreNestedEditsRefcount(t *testing.T) {
	comms := transport.NewLocalNetwork(1)
	ctx := context.Background()
	store := connectivity.NewMStore(comms[0])
	pair := connectivity.Pair{MGrid: 0, NGrid: 1}
	require.NoError(t, store.Resize(ctx, pair, 1, 1))

	e1, err := store.EditExtents(ctx, pair)
	require.NoError(t, err)
	e2, err := store.EditDestinations(ctx, pair)
	require.NoError(t, err)

	require.NoError(t, e1.Close(ctx))
	// e2 still open: events channel should not have fired yet.
	select {
	case <-store.Events(pair):
		t.Fatal("edit event fired before last guard closed")
	default:
	}
	require.NoError(t, e2.Close(ctx))
	select {
	case <-store.Events(pair):
	default:
		t.Fatal("expected an edit event after last guard closed")
	}
}

func TestEditGuardDoubleCloseePanics(t *testing.T) {
	comms := transport.NewLocalNetwork(1)
	ctx := context.Background()
	store := connectivity.NewNStore(comms[0])
	pair := connectivity.Pair{MGrid: 0, NGrid: 1}
	require.NoError(t, store.Resize(ctx, pair, 1))
	g, err := store.EditPoints(ctx, pair)
	require.NoError(t, err)
	require.NoError(t, g.Close(ctx))
	assert.Panics(t, func() { _ = g.Close(ctx) })
}

func TestOverlapStoreRoundTrip(t *testing.T) {
	comms := transport.NewLocalNetwork(1)
	ctx := context.Background()
	store := connectivity.NewOverlapStore(comms[0])
	pair := connectivity.Pair{MGrid: 2, NGrid: 3}
	require.NoError(t, store.Resize(ctx, pair, 3))

	editor, err := store.EditPoints(ctx, pair)
	require.NoError(t, err)
	pts := editor.Point()
	pts[0][1] = 7
	require.NoError(t, editor.Close(ctx))

	table := store.Read(pair)
	assert.Equal(t, 7, table.Point[0][1])
	assert.True(t, table.Superset)
	assert.Len(t, store.Pairs(), 1)
}
