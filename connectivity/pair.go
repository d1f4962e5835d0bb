// Package connectivity holds the M-side (donor) and N-side (receiver)
// connectivity tables produced by assembly, plus the edit/restore
// protocol every mutation of those tables goes through. The same column
// layout backs the overlap tables overlap.Detector writes (a strict
// superset of connectivity, per spec), so OverlapStore reuses the exact
// same machinery rather than a parallel hand-rolled implementation.
package connectivity

// Pair identifies one donor/receiver grid relationship: M is the donor
// grid ID, N is the receiver grid ID.
type Pair struct {
	MGrid, NGrid int
}
