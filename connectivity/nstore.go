package connectivity

import (
	"context"
	"fmt"

	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/transport"
)

// NTable is one pair's receiver-side table: NumPoints rows, each the
// receiver's own grid point, the anchor cell on the source (donor) side,
// and the owning source rank.
type NTable struct {
	state *editState

	NumPoints int

	Point            [3][]int
	SourceCellAnchor [3][]int
	SourceRank       []int
}

func newNTable() *NTable { return &NTable{state: newEditState()} }

// NStore holds one NTable per (M,N) pair.
type NStore struct {
	comm   transport.Comm
	tables map[Pair]*NTable
}

func NewNStore(comm transport.Comm) *NStore {
	return &NStore{comm: comm, tables: make(map[Pair]*NTable)}
}

func (s *NStore) tableFor(pair Pair) *NTable {
	t, ok := s.tables[pair]
	if !ok {
		t = newNTable()
		s.tables[pair] = t
	}
	return t
}

func (s *NStore) Resize(ctx context.Context, pair Pair, numPoints int) error {
	t := s.tableFor(pair)
	t.state.requireNotEditing()
	if err := s.comm.Barrier(ctx); err != nil {
		return fmt.Errorf("connectivity: NStore.Resize barrier: %w", err)
	}
	t.NumPoints = numPoints
	for axis := 0; axis < 3; axis++ {
		t.Point[axis] = make([]int, numPoints)
		t.SourceCellAnchor[axis] = make([]int, numPoints)
	}
	t.SourceRank = make([]int, numPoints)
	return nil
}

// PointsEditor exposes Point for mutation while held.
type PointsEditor struct {
	table *NTable
	guard *editGuard
}

func (s *NStore) EditPoints(ctx context.Context, pair Pair) (*PointsEditor, error) {
	t := s.tableFor(pair)
	g, err := t.state.beginEdit(ctx, s.comm, pair, govktypes.EventEditPoints)
	if err != nil {
		return nil, err
	}
	return &PointsEditor{table: t, guard: g}, nil
}

func (e *PointsEditor) Point() *[3][]int               { return &e.table.Point }
func (e *PointsEditor) Close(ctx context.Context) error { return e.guard.Close(ctx) }

// SourcesEditor exposes SourceCellAnchor/SourceRank for mutation while held.
type SourcesEditor struct {
	table *NTable
	guard *editGuard
}

func (s *NStore) EditSources(ctx context.Context, pair Pair) (*SourcesEditor, error) {
	t := s.tableFor(pair)
	g, err := t.state.beginEdit(ctx, s.comm, pair, govktypes.EventEditSources)
	if err != nil {
		return nil, err
	}
	return &SourcesEditor{table: t, guard: g}, nil
}

func (e *SourcesEditor) SourceCellAnchor() *[3][]int    { return &e.table.SourceCellAnchor }
func (e *SourcesEditor) SourceRank() *[]int             { return &e.table.SourceRank }
func (e *SourcesEditor) Close(ctx context.Context) error { return e.guard.Close(ctx) }

// Read returns the current table for read-only use.
func (s *NStore) Read(pair Pair) *NTable { return s.tableFor(pair) }

// Events returns the event stream for this store.
func (s *NStore) Events(pair Pair) <-chan PairEvent { return s.tableFor(pair).state.events }
