package transport

import (
	"fmt"
	"sort"
)

// DimsCreate fills in the zero entries of dims with a factorization of
// nnodes that keeps the per-axis counts as balanced as possible, mirroring
// MPI_Dims_create. Non-zero entries in dims are treated as fixed and must
// evenly divide what remains.
func DimsCreate(nnodes int, dims [3]int) [3]int {
	out := dims
	fixed := 1
	freeAxes := make([]int, 0, 3)
	for i, d := range out {
		if d > 0 {
			fixed *= d
		} else {
			freeAxes = append(freeAxes, i)
		}
	}
	if fixed == 0 || nnodes%fixed != 0 {
		panic(fmt.Errorf("transport: DimsCreate: fixed dims %v do not divide nnodes %d", dims, nnodes))
	}
	remaining := nnodes / fixed
	switch len(freeAxes) {
	case 0:
		return out
	case 1:
		out[freeAxes[0]] = remaining
		return out
	default:
		factors := factorizeBalanced(remaining, len(freeAxes))
		for i, axis := range freeAxes {
			out[axis] = factors[i]
		}
		return out
	}
}

// factorizeBalanced splits n into k factors whose product is n, chosen to
// be as close to n^(1/k) as possible, largest first.
func factorizeBalanced(n, k int) []int {
	out := make([]int, k)
	remaining := n
	for i := 0; i < k; i++ {
		left := k - i
		target := ceilRoot(remaining, left)
		f := largestDivisorAtMost(remaining, target)
		out[i] = f
		remaining /= f
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

func ceilRoot(n, root int) int {
	if root == 1 {
		return n
	}
	lo, hi := 1, n
	for lo < hi {
		mid := (lo + hi + 1) / 2
		p := 1
		overflow := false
		for j := 0; j < root; j++ {
			p *= mid
			if p > n {
				overflow = true
				break
			}
		}
		if overflow {
			hi = mid - 1
		} else {
			lo = mid
		}
	}
	return lo
}

func largestDivisorAtMost(n, target int) int {
	if target < 1 {
		target = 1
	}
	if target > n {
		target = n
	}
	for d := target; d >= 1; d-- {
		if n%d == 0 {
			return d
		}
	}
	return 1
}

// CartComm is a Comm augmented with a Cartesian process topology, built by
// CartCreate -- the analog of MPI_Cart_create. The spec's Partition
// interface (grid package) is implemented against this.
type CartComm struct {
	Comm
	dims     [3]int
	periodic [3]bool
}

// CartCreate wraps base with a row-major Cartesian topology of the given
// per-axis dims and periodicity. base's rank ordering is taken as the
// row-major Cartesian rank ordering directly (reorder is accepted for
// interface parity with MPI_Cart_create but this package never reorders,
// matching LocalComm's fixed rank assignment at construction).
func CartCreate(base Comm, dims [3]int, periodic [3]bool, reorder bool) (*CartComm, error) {
	total := dims[0] * dims[1] * dims[2]
	if total != base.Size() {
		return nil, fmt.Errorf("transport: CartCreate: dims %v (%d ranks) do not match communicator size %d", dims, total, base.Size())
	}
	return &CartComm{Comm: base, dims: dims, periodic: periodic}, nil
}

// Dims returns the per-axis process counts.
func (c *CartComm) Dims() [3]int { return c.dims }

// Periodic returns the per-axis periodicity flags.
func (c *CartComm) Periodic() [3]bool { return c.periodic }

// Coords returns the Cartesian coordinates of rank in row-major order
// (axis 0 varies fastest).
func (c *CartComm) Coords(rank int) [3]int {
	var coords [3]int
	r := rank
	for axis := 0; axis < 3; axis++ {
		coords[axis] = r % c.dims[axis]
		r /= c.dims[axis]
	}
	return coords
}

// RankOf is the inverse of Coords.
func (c *CartComm) RankOf(coords [3]int) int {
	return coords[0] + c.dims[0]*(coords[1]+c.dims[1]*coords[2])
}

// NeighborRank returns the rank adjacent to this one along axis in
// direction dir (-1 or +1), honoring periodicity, and false if that
// neighbor would fall outside the topology (a true domain edge).
func (c *CartComm) NeighborRank(axis, dir int) (int, bool) {
	coords := c.Coords(c.Rank())
	coords[axis] += dir
	if coords[axis] < 0 || coords[axis] >= c.dims[axis] {
		if !c.periodic[axis] {
			return -1, false
		}
		coords[axis] = ((coords[axis] % c.dims[axis]) + c.dims[axis]) % c.dims[axis]
	}
	return c.RankOf(coords), true
}
