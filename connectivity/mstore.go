package connectivity

import (
	"context"
	"fmt"

	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/transport"
)

// MTable is one pair's donor-side table: NumDonors rows, each describing a
// half-open stencil sub-box (Begin/End per axis), interpolation
// coefficients shaped axis x point_in_cell x donor, and the destination
// (receiver) point and owning rank.
type MTable struct {
	state *editState

	NumDonors    int
	MaxDonorSize int

	Begin [3][]int
	End   [3][]int

	Coef [3][][]float64 // Coef[axis][pointInCell][donor]

	Destination     [3][]int
	DestinationRank []int
}

func newMTable() *MTable {
	return &MTable{state: newEditState()}
}

// MStore holds one MTable per (M,N) pair.
type MStore struct {
	comm   transport.Comm
	tables map[Pair]*MTable
}

// NewMStore creates an empty store driven by comm (every Resize/Edit call
// barriers this communicator).
func NewMStore(comm transport.Comm) *MStore {
	return &MStore{comm: comm, tables: make(map[Pair]*MTable)}
}

func (s *MStore) tableFor(pair Pair) *MTable {
	t, ok := s.tables[pair]
	if !ok {
		t = newMTable()
		s.tables[pair] = t
	}
	return t
}

// Resize barriers (first entry only is meaningful here -- Resize itself
// always barriers since it changes row counts), then reallocates the
// pair's columns to numDonors rows of maxDonorSize stencil width. It
// panics if an edit is active for this pair.
func (s *MStore) Resize(ctx context.Context, pair Pair, numDonors, maxDonorSize int) error {
	t := s.tableFor(pair)
	t.state.requireNotEditing()
	if err := s.comm.Barrier(ctx); err != nil {
		return fmt.Errorf("connectivity: MStore.Resize barrier: %w", err)
	}
	t.NumDonors = numDonors
	t.MaxDonorSize = maxDonorSize
	for axis := 0; axis < 3; axis++ {
		t.Begin[axis] = make([]int, numDonors)
		t.End[axis] = make([]int, numDonors)
		t.Destination[axis] = make([]int, numDonors)
		t.Coef[axis] = make([][]float64, maxDonorSize)
		for p := range t.Coef[axis] {
			t.Coef[axis][p] = make([]float64, numDonors)
		}
	}
	t.DestinationRank = make([]int, numDonors)
	return nil
}

// ExtentsEditor exposes Begin/End for mutation while held.
type ExtentsEditor struct {
	table *MTable
	guard *editGuard
}

func (s *MStore) EditExtents(ctx context.Context, pair Pair) (*ExtentsEditor, error) {
	t := s.tableFor(pair)
	g, err := t.state.beginEdit(ctx, s.comm, pair, govktypes.EventEditExtents)
	if err != nil {
		return nil, err
	}
	return &ExtentsEditor{table: t, guard: g}, nil
}

func (e *ExtentsEditor) Begin() *[3][]int { return &e.table.Begin }
func (e *ExtentsEditor) End() *[3][]int   { return &e.table.End }
func (e *ExtentsEditor) Close(ctx context.Context) error { return e.guard.Close(ctx) }

// CoefsEditor exposes Coef for mutation while held.
type CoefsEditor struct {
	table *MTable
	guard *editGuard
}

func (s *MStore) EditCoefs(ctx context.Context, pair Pair) (*CoefsEditor, error) {
	t := s.tableFor(pair)
	g, err := t.state.beginEdit(ctx, s.comm, pair, govktypes.EventEditCoefs)
	if err != nil {
		return nil, err
	}
	return &CoefsEditor{table: t, guard: g}, nil
}

func (e *CoefsEditor) Coef() *[3][][]float64            { return &e.table.Coef }
func (e *CoefsEditor) Close(ctx context.Context) error { return e.guard.Close(ctx) }

// DestinationsEditor exposes Destination/DestinationRank for mutation
// while held.
type DestinationsEditor struct {
	table *MTable
	guard *editGuard
}

func (s *MStore) EditDestinations(ctx context.Context, pair Pair) (*DestinationsEditor, error) {
	t := s.tableFor(pair)
	g, err := t.state.beginEdit(ctx, s.comm, pair, govktypes.EventEditDestinations)
	if err != nil {
		return nil, err
	}
	return &DestinationsEditor{table: t, guard: g}, nil
}

func (e *DestinationsEditor) Destination() *[3][]int      { return &e.table.Destination }
func (e *DestinationsEditor) DestinationRank() *[]int     { return &e.table.DestinationRank }
func (e *DestinationsEditor) Close(ctx context.Context) error { return e.guard.Close(ctx) }

// Read returns the current (possibly stale once an edit completes
// elsewhere) snapshot of the table for read-only use by exchange handles.
func (s *MStore) Read(pair Pair) *MTable { return s.tableFor(pair) }

// Events returns the event stream for this store, consumed by
// exchange.Exchanger to invalidate cached plans.
func (s *MStore) Events(pair Pair) <-chan PairEvent { return s.tableFor(pair).state.events }
