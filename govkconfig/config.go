// Package govkconfig defines the YAML domain/grid descriptor read by
// cmd/govk-demo and used to build test fixtures: a list of uniform grids
// and the donor/receiver pairs allowed to overlap between them, parsed
// with ghodss/yaml the way the teacher's cmd package parses its own
// InputParameters.
package govkconfig

import (
	"fmt"

	"github.com/ghodss/yaml"
)

// GridSpec describes one uniform grid's placement in a shared physical
// index space.
type GridSpec struct {
	Name   string `yaml:"name"`
	ID     int    `yaml:"id"`
	Dim    int    `yaml:"dim"`
	Begin  [3]int `yaml:"begin"`
	End    [3]int `yaml:"end"`
	Origin [3]float64 `yaml:"origin"`
	Spacing [3]float64 `yaml:"spacing"`
}

// PairSpec names one allowed donor -> receiver relationship by grid name.
type PairSpec struct {
	Donor    string `yaml:"donor"`
	Receiver string `yaml:"receiver"`
}

// DomainSpec is the top-level YAML document: every grid in the domain,
// plus the set of pairs assemble.Driver is allowed to connect.
type DomainSpec struct {
	Title    string     `yaml:"title"`
	Dim      int        `yaml:"dim"`
	PadCells int        `yaml:"padCells"`
	Grids    []GridSpec `yaml:"grids"`
	Pairs    []PairSpec `yaml:"pairs"`
}

// Parse unmarshals data into ds.
func (ds *DomainSpec) Parse(data []byte) error {
	if err := yaml.Unmarshal(data, ds); err != nil {
		return fmt.Errorf("govkconfig: parse: %w", err)
	}
	return nil
}

// Print writes a human-readable summary of the spec, the teacher's
// InputParameters.Print idiom.
func (ds *DomainSpec) Print() {
	fmt.Printf("%q\t\t= Title\n", ds.Title)
	fmt.Printf("%d\t\t\t= Dim\n", ds.Dim)
	fmt.Printf("%d\t\t\t= PadCells\n", ds.PadCells)
	for _, g := range ds.Grids {
		fmt.Printf("grid %q: id=%d begin=%v end=%v\n", g.Name, g.ID, g.Begin, g.End)
	}
	for _, p := range ds.Pairs {
		fmt.Printf("pair: %s -> %s\n", p.Donor, p.Receiver)
	}
}

// Overlappable builds the m/n grid-ID predicate assemble.Options expects
// from ds.Pairs, resolving names to IDs via the supplied lookup.
func (ds *DomainSpec) Overlappable(nameToID map[string]int) func(m, n int) bool {
	idToName := make(map[int]string, len(nameToID))
	for name, id := range nameToID {
		idToName[id] = name
	}
	allowed := make(map[[2]string]bool, len(ds.Pairs))
	for _, p := range ds.Pairs {
		allowed[[2]string{p.Donor, p.Receiver}] = true
	}
	return func(m, n int) bool {
		return allowed[[2]string{idToName[m], idToName[n]}]
	}
}
