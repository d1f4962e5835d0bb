package exchange

import (
	"context"
	"fmt"

	"github.com/notargets/govk/connectivity"
	"github.com/notargets/govk/domain"
	"github.com/notargets/govk/govktypes"
	"github.com/notargets/govk/transport"
)

// CollectOptions configures a CreateCollect slot.
type CollectOptions struct {
	Op         govktypes.CollectOp
	Dtype      govktypes.DataType
	Count      int
	FieldRange govktypes.Range
	Layout     govktypes.ArrayLayout
}

// SendOptions configures a CreateSend slot.
type SendOptions struct {
	Dtype govktypes.DataType
	Count int
}

// ReceiveOptions configures a CreateReceive slot.
type ReceiveOptions struct {
	Dtype govktypes.DataType
	Count int
}

// DisperseOptions configures a CreateDisperse slot.
type DisperseOptions struct {
	Op         govktypes.DisperseOp
	Dtype      govktypes.DataType
	Count      int
	FieldRange govktypes.Range
	Layout     govktypes.ArrayLayout
}

type slotKey struct {
	m, n, slot int
}

// Exchanger is a slot-addressable façade over CollectHandle/SendHandle/
// RecvHandle/DisperseHandle, bound to one domain.Domain connectivity
// component. Slots are cached by (m, n, slot). Each pair's MStore edit
// events are watched; a pending event is consumed by the next Collect,
// Send, Receive or Disperse call on that pair, which rebuilds only its
// own slot before running. NStore edits and Resize publish nothing
// watched here, so they trigger no rebuild, and the pair's other slots
// keep their existing handles.
type Exchanger struct {
	ctx       *domain.Context
	dom       *domain.Domain
	compID    int
	comp      *domain.Component
	collects  map[slotKey]*CollectHandle
	sends     map[slotKey]*SendHandle
	receives  map[slotKey]*RecvHandle
	disperses map[slotKey]*DisperseHandle
	collectOp map[slotKey]CollectOptions
	sendOp    map[slotKey]SendOptions
	recvOp    map[slotKey]ReceiveOptions
	disperseOp map[slotKey]DisperseOptions
	watchers  map[connectivity.Pair]<-chan connectivity.PairEvent
}

// NewExchanger builds an Exchanger bound to ctx, unbound to any Domain
// until Bind is called.
func NewExchanger(ctx *domain.Context) *Exchanger {
	return &Exchanger{
		ctx:        ctx,
		collects:   make(map[slotKey]*CollectHandle),
		sends:      make(map[slotKey]*SendHandle),
		receives:   make(map[slotKey]*RecvHandle),
		disperses:  make(map[slotKey]*DisperseHandle),
		collectOp:  make(map[slotKey]CollectOptions),
		sendOp:     make(map[slotKey]SendOptions),
		recvOp:     make(map[slotKey]ReceiveOptions),
		disperseOp: make(map[slotKey]DisperseOptions),
		watchers:   make(map[connectivity.Pair]<-chan connectivity.PairEvent),
	}
}

// Bind points the Exchanger at dom's connectivity component
// connectivityID, clearing any slots cached against a previous binding.
func (e *Exchanger) Bind(dom *domain.Domain, connectivityID int) {
	e.dom = dom
	e.compID = connectivityID
	e.comp = dom.Component(connectivityID)
	for k := range e.collects {
		delete(e.collects, k)
	}
	for k := range e.sends {
		delete(e.sends, k)
	}
	for k := range e.receives {
		delete(e.receives, k)
	}
	for k := range e.disperses {
		delete(e.disperses, k)
	}
}

func (e *Exchanger) pair(m, n int) connectivity.Pair {
	return connectivity.Pair{MGrid: m, NGrid: n}
}

// watch lazily subscribes to pair's MStore edit events once; the next
// Collect/Send/Receive/Disperse call on the pair after an event consumes
// it and rebuilds that call's slot before use.
func (e *Exchanger) watch(pair connectivity.Pair) {
	if _, ok := e.watchers[pair]; ok {
		return
	}
	e.watchers[pair] = e.comp.MStore.Events(pair)
}

func (e *Exchanger) invalidated(pair connectivity.Pair) bool {
	ch, ok := e.watchers[pair]
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// CreateCollect builds (or rebuilds) the collect handle for (m, n, slot).
func (e *Exchanger) CreateCollect(m, n, slot int, opts CollectOptions) error {
	pair := e.pair(m, n)
	e.watch(pair)
	h, err := NewCollectHandle(e.comp.MStore, pair, slot, opts.Op, opts.Dtype, opts.Count, opts.FieldRange, opts.Layout)
	if err != nil {
		return err
	}
	key := slotKey{m, n, slot}
	e.collects[key] = h
	e.collectOp[key] = opts
	return nil
}

// CreateSend builds (or rebuilds) the send handle for (m, n, slot).
func (e *Exchanger) CreateSend(m, n, slot int, opts SendOptions) error {
	pair := e.pair(m, n)
	e.watch(pair)
	h, err := NewSendHandle(e.ctx.Comm, e.comp.MStore, pair, slot, opts.Dtype, opts.Count)
	if err != nil {
		return err
	}
	key := slotKey{m, n, slot}
	e.sends[key] = h
	e.sendOp[key] = opts
	return nil
}

// CreateReceive builds (or rebuilds) the receive handle for (m, n, slot).
func (e *Exchanger) CreateReceive(m, n, slot int, opts ReceiveOptions) error {
	pair := e.pair(m, n)
	e.watch(pair)
	h, err := NewRecvHandle(e.ctx.Comm, e.comp.NStore, pair, slot, opts.Dtype, opts.Count)
	if err != nil {
		return err
	}
	key := slotKey{m, n, slot}
	e.receives[key] = h
	e.recvOp[key] = opts
	return nil
}

// CreateDisperse builds (or rebuilds) the disperse handle for (m, n, slot).
func (e *Exchanger) CreateDisperse(m, n, slot int, opts DisperseOptions) error {
	pair := e.pair(m, n)
	e.watch(pair)
	h, err := NewDisperseHandle(e.comp.NStore, pair, slot, opts.Op, opts.Dtype, opts.Count, opts.FieldRange, opts.Layout)
	if err != nil {
		return err
	}
	key := slotKey{m, n, slot}
	e.disperses[key] = h
	e.disperseOp[key] = opts
	return nil
}

// Collect runs the (m, n, slot) collect handle, rebuilding it first if
// the pair's connectivity has been edited since it was created.
func (e *Exchanger) Collect(m, n, slot int, field, donorBuf Buffers) error {
	key := slotKey{m, n, slot}
	pair := e.pair(m, n)
	if e.invalidated(pair) {
		if err := e.CreateCollect(m, n, slot, e.collectOp[key]); err != nil {
			return err
		}
	}
	h, ok := e.collects[key]
	if !ok {
		return fmt.Errorf("exchange: no collect slot (%d,%d,%d)", m, n, slot)
	}
	return h.Collect(field, donorBuf)
}

// Send runs the (m, n, slot) send handle.
func (e *Exchanger) Send(ctx context.Context, m, n, slot int, donorBuf Buffers) ([]*transport.Request, error) {
	key := slotKey{m, n, slot}
	pair := e.pair(m, n)
	if e.invalidated(pair) {
		if err := e.CreateSend(m, n, slot, e.sendOp[key]); err != nil {
			return nil, err
		}
	}
	h, ok := e.sends[key]
	if !ok {
		return nil, fmt.Errorf("exchange: no send slot (%d,%d,%d)", m, n, slot)
	}
	return h.Send(ctx, donorBuf)
}

// Receive runs the (m, n, slot) receive handle.
func (e *Exchanger) Receive(ctx context.Context, m, n, slot int, recvBuf Buffers) ([]*transport.Request, error) {
	key := slotKey{m, n, slot}
	pair := e.pair(m, n)
	if e.invalidated(pair) {
		if err := e.CreateReceive(m, n, slot, e.recvOp[key]); err != nil {
			return nil, err
		}
	}
	h, ok := e.receives[key]
	if !ok {
		return nil, fmt.Errorf("exchange: no receive slot (%d,%d,%d)", m, n, slot)
	}
	return h.Receive(ctx, recvBuf)
}

// Disperse runs the (m, n, slot) disperse handle.
func (e *Exchanger) Disperse(m, n, slot int, recvBuf, field Buffers) error {
	key := slotKey{m, n, slot}
	pair := e.pair(m, n)
	if e.invalidated(pair) {
		if err := e.CreateDisperse(m, n, slot, e.disperseOp[key]); err != nil {
			return err
		}
	}
	h, ok := e.disperses[key]
	if !ok {
		return fmt.Errorf("exchange: no disperse slot (%d,%d,%d)", m, n, slot)
	}
	return h.Disperse(recvBuf, field)
}
