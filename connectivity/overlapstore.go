package connectivity

import (
	"context"
	"fmt"

	"github.com/notargets/govk/transport"
)

// OverlapTable is the same column shape as an NTable (a superset of
// connectivity, per spec: "not every overlap becomes connectivity"),
// reusing NTable's fields directly rather than a parallel hand-rolled
// type, distinguished only by the Superset flag that marks it as
// provisional until assembly's policy phases thin it down into the real
// NStore/MStore rows.
type OverlapTable struct {
	NTable
	Superset bool
}

// OverlapStore holds one OverlapTable per (M,N) pair, built by
// overlap.Detector.Detect and read by assemble.Driver's extractRows and
// applyPadding.
type OverlapStore struct {
	comm   transport.Comm
	tables map[Pair]*OverlapTable
}

func NewOverlapStore(comm transport.Comm) *OverlapStore {
	return &OverlapStore{comm: comm, tables: make(map[Pair]*OverlapTable)}
}

func (s *OverlapStore) tableFor(pair Pair) *OverlapTable {
	t, ok := s.tables[pair]
	if !ok {
		t = &OverlapTable{NTable: *newNTable(), Superset: true}
		s.tables[pair] = t
	}
	return t
}

// Resize reallocates the pair's overlap rows, mirroring NStore.Resize.
func (s *OverlapStore) Resize(ctx context.Context, pair Pair, numPoints int) error {
	t := s.tableFor(pair)
	t.state.requireNotEditing()
	if err := s.comm.Barrier(ctx); err != nil {
		return fmt.Errorf("connectivity: OverlapStore.Resize barrier: %w", err)
	}
	t.NumPoints = numPoints
	for axis := 0; axis < 3; axis++ {
		t.Point[axis] = make([]int, numPoints)
		t.SourceCellAnchor[axis] = make([]int, numPoints)
	}
	t.SourceRank = make([]int, numPoints)
	return nil
}

// EditPoints exposes Point for mutation, same edit/restore protocol as
// NStore.
func (s *OverlapStore) EditPoints(ctx context.Context, pair Pair) (*PointsEditor, error) {
	t := s.tableFor(pair)
	g, err := t.state.beginEdit(ctx, s.comm, pair, 0)
	if err != nil {
		return nil, err
	}
	return &PointsEditor{table: &t.NTable, guard: g}, nil
}

// EditSources exposes SourceCellAnchor/SourceRank for mutation.
func (s *OverlapStore) EditSources(ctx context.Context, pair Pair) (*SourcesEditor, error) {
	t := s.tableFor(pair)
	g, err := t.state.beginEdit(ctx, s.comm, pair, 0)
	if err != nil {
		return nil, err
	}
	return &SourcesEditor{table: &t.NTable, guard: g}, nil
}

// Read returns the current overlap table for a pair.
func (s *OverlapStore) Read(pair Pair) *OverlapTable { return s.tableFor(pair) }

// Pairs returns every pair currently present in the store.
func (s *OverlapStore) Pairs() []Pair {
	out := make([]Pair, 0, len(s.tables))
	for p := range s.tables {
		out = append(out, p)
	}
	return out
}
