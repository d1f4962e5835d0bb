// Package domain provides the arena-style ownership facade: a Context
// binds a transport.Comm and logger, and a Domain owns grids and
// connectivity components by integer ID, with no back-pointers from
// grid/connectivity state into the Domain itself.
package domain

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/notargets/govk/connectivity"
	"github.com/notargets/govk/govklog"
	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/grid"
	"github.com/notargets/govk/transport"
)

// Context binds the process-wide comm and logger shared by every Domain
// created from it.
type Context struct {
	Comm transport.Comm
	Log  *govklog.Logger
}

// NewContext wraps comm with a default logger at the status level.
func NewContext(comm transport.Comm) *Context {
	return &Context{Comm: comm, Log: govklog.New(govktypes.LogStatus|govktypes.LogWarnings|govktypes.LogErrors, comm.Rank())}
}

// Component is a named connectivity triple bound to a Domain: its own
// MStore/NStore/OverlapStore, scoped to the grids registered on dom.
type Component struct {
	ID       int
	MStore   *connectivity.MStore
	NStore   *connectivity.NStore
	Overlaps *connectivity.OverlapStore
	editing  int32
}

// Domain owns a set of grids and connectivity components by ID, the
// arena the rest of the library's handles are constructed against.
type Domain struct {
	ctx        *Context
	grids      map[int]*grid.Grid
	components map[int]*Component
	nextGrid   int
	nextComp   int
}

// NewDomain creates an empty Domain bound to ctx.
func NewDomain(ctx *Context) *Domain {
	return &Domain{
		ctx:        ctx,
		grids:      make(map[int]*grid.Grid),
		components: make(map[int]*Component),
	}
}

// CreateGrids registers grids with the domain, assigning each the next
// free grid ID if its ID is unset (zero value), and returns the IDs in
// the order given.
func (d *Domain) CreateGrids(grids ...*grid.Grid) []int {
	ids := make([]int, len(grids))
	for i, g := range grids {
		id := g.ID
		if _, taken := d.grids[id]; taken || id == 0 {
			id = d.nextGrid
			d.nextGrid++
			g.ID = id
		} else if id >= d.nextGrid {
			d.nextGrid = id + 1
		}
		d.grids[id] = g
		ids[i] = id
	}
	return ids
}

// Grid returns the grid registered under id, or nil if none.
func (d *Domain) Grid(id int) *grid.Grid {
	return d.grids[id]
}

// Context returns the Context this Domain was created from.
func (d *Domain) Context() *Context {
	return d.ctx
}

// CreateComponent allocates a new connectivity component (an
// MStore/NStore/OverlapStore triple) and returns its ID.
func (d *Domain) CreateComponent() int {
	id := d.nextComp
	d.nextComp++
	d.components[id] = &Component{
		ID:       id,
		MStore:   connectivity.NewMStore(d.ctx.Comm),
		NStore:   connectivity.NewNStore(d.ctx.Comm),
		Overlaps: connectivity.NewOverlapStore(d.ctx.Comm),
	}
	return id
}

// Component returns the component registered under id, or nil if none.
func (d *Domain) Component(id int) *Component {
	return d.components[id]
}

// EditComponent marks a component as under exclusive local edit; a
// second concurrent EditComponent on the same id panics, matching the
// precondition-violation idiom used throughout connectivity/grid.
func (d *Domain) EditComponent(ctx context.Context, id int) (*Component, error) {
	c, ok := d.components[id]
	if !ok {
		return nil, fmt.Errorf("domain: no component %d", id)
	}
	if !atomic.CompareAndSwapInt32(&c.editing, 0, 1) {
		panic(fmt.Errorf("domain: component %d is already being edited", id))
	}
	return c, nil
}

// RestoreComponent ends the edit begun by EditComponent.
func (d *Domain) RestoreComponent(ctx context.Context, id int) error {
	c, ok := d.components[id]
	if !ok {
		return fmt.Errorf("domain: no component %d", id)
	}
	if !atomic.CompareAndSwapInt32(&c.editing, 1, 0) {
		panic(fmt.Errorf("domain: component %d is not being edited", id))
	}
	return nil
}
