package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/notargets/govk/assemble"
	"github.com/notargets/govk/domain"
	"github.com/notargets/govk/govkconfig"
	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/grid"
	"github.com/notargets/govk/transport"
)

var assembleCmd = &cobra.Command{
	Use:   "assemble",
	Short: "Assemble the domain described by --config and print a connectivity summary",
	RunE:  runAssemble,
}

// singlePartition is the grid.Partition for a single-process demo run: no
// Cartesian neighbors in any direction, so every tile edge is a true domain
// boundary rather than an internal halo seam.
type singlePartition struct{}

func (singlePartition) Rank() int                             { return 0 }
func (singlePartition) CommSize() int                         { return 1 }
func (singlePartition) CartDims() govktypes.Tuple3             { return govktypes.Tuple3{1, 1, 1} }
func (singlePartition) CartPeriodic() [3]bool                  { return [3]bool{false, false, false} }
func (singlePartition) NeighborRank(axis, dir int) (int, bool) { return -1, false }

func runAssemble(command *cobra.Command, args []string) error {
	data, err := readConfigFile()
	if err != nil {
		return err
	}

	var spec govkconfig.DomainSpec
	if err := spec.Parse(data); err != nil {
		return err
	}
	spec.Print()

	ctx := context.Background()
	comm := transport.NewLocalNetwork(1)[0]
	dom := domain.NewDomain(domain.NewContext(comm))

	nameToID := make(map[string]int, len(spec.Grids))
	for _, gs := range spec.Grids {
		nameToID[gs.Name] = gs.ID
	}

	driver := assemble.NewDriver(dom, assemble.Options{
		Dim:          spec.Dim,
		Overlappable: spec.Overlappable(nameToID),
		PadCells:     spec.PadCells,
	})

	for _, gs := range spec.Grids {
		rng := govktypes.NewRange(
			govktypes.Tuple3{gs.Begin[0], gs.Begin[1], gs.Begin[2]},
			govktypes.Tuple3{gs.End[0], gs.End[1], gs.End[2]},
		)
		g, err := grid.NewGrid(ctx, comm, gs.ID, gs.Name, gs.Dim, singlePartition{}, rng, rng,
			[3]bool{false, false, false}, 0)
		if err != nil {
			return fmt.Errorf("govk-demo: building grid %q: %w", gs.Name, err)
		}
		dom.CreateGrids(g)

		geom := grid.NewGeometry(govktypes.GeometryUniform, g.ExtendedRange, [3]bool{false, false, false},
			govktypes.FTuple3{gs.Spacing[0], gs.Spacing[1], gs.Spacing[2]})
		g.ExtendedRange.Iterate(func(p govktypes.Tuple3) {
			geom.SetAt(p, govktypes.FTuple3{
				gs.Origin[0] + float64(p[0])*gs.Spacing[0],
				gs.Origin[1] + float64(p[1])*gs.Spacing[1],
				gs.Origin[2] + float64(p[2])*gs.Spacing[2],
			})
		})
		state := grid.NewState(g)
		driver.AddGrid(g, geom, state)
	}

	result, err := driver.Assemble(ctx)
	if err != nil {
		return fmt.Errorf("govk-demo: assemble: %w", err)
	}

	idToName := make(map[int]string, len(spec.Grids))
	for _, gs := range spec.Grids {
		idToName[gs.ID] = gs.Name
	}

	pairs := make([]int, 0, len(result.Pairs))
	for i := range result.Pairs {
		pairs = append(pairs, i)
	}
	sort.Slice(pairs, func(i, j int) bool {
		a, b := result.Pairs[pairs[i]], result.Pairs[pairs[j]]
		if a.MGrid != b.MGrid {
			return a.MGrid < b.MGrid
		}
		return a.NGrid < b.NGrid
	})

	fmt.Println("connectivity:")
	for _, i := range pairs {
		p := result.Pairs[i]
		fmt.Printf("  %s -> %s: %d donor rows\n", idToName[p.MGrid], idToName[p.NGrid], result.RowCounts[p])
	}

	if h := driver.Hash(); h != nil {
		occ := h.Occupancy()
		fmt.Printf("spatial hash: %d bins, max occupancy %d\n", len(occ), maxInt(occ))
	}

	return nil
}

func maxInt(vals []int) int {
	m := 0
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}
