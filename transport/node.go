package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ystepanoff/nrftdma/metrics"
	proto "github.com/ystepanoff/nrftdma/protocol"
)

// State is the association state of a node.
type State int32

const (
	StateIdle State = iota
	StateBeaconSearch
	StateAssociating
	StateAssociated
	StateWaiting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBeaconSearch:
		return "beacon_search"
	case StateAssociating:
		return "associating"
	case StateAssociated:
		return "associated"
	case StateWaiting:
		return "waiting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// NodeHandlers are the application callbacks of a node. They run on the node
// task and should return quickly.
type NodeHandlers struct {
	OnAssociated    func(slot uint8)
	OnDisassociated func()
	OnLinkLost      func()
	OnDownlink      func(data []byte)
	OnBeacon        func(id byte, beaconTime proto.Tick)
}

// Node is the end-device role: it finds a coordinator, obtains a slot and
// sends its queued frames inside that slot every beacon period.
type Node struct {
	addr    proto.NodeAddress
	cfg     Config
	radio   RadioDriver
	timer   Timer
	log     *zap.Logger
	metrics *metrics.MAC
	events  *eventQueue
	queue   *txQueue
	rng     *rand.Rand

	mu       sync.RWMutex
	handlers NodeHandlers

	state atomic.Int32
	coord atomic.Uint32
	slot  atomic.Uint32
	leave atomic.Bool

	// Owned by the task.
	beaconTime    proto.Tick
	beaconLoss    int
	associateWait int
	resume        State
}

func NewNodeWithDriver(addr proto.NodeAddress, cfg Config, d RadioDriver, t Timer, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node config: %w", err)
	}
	if !addr.IsUnicast() {
		return nil, fmt.Errorf("node address %v cannot own a slot", addr)
	}
	o := buildOptions(opts)
	seed := int64(addr)
	if o.hasSeed {
		seed = o.seed
	}
	log := o.log.With(zap.String("role", "node"), zap.Stringer("addr", addr))
	return &Node{
		addr:    addr,
		cfg:     cfg,
		radio:   d,
		timer:   t,
		log:     log,
		metrics: o.metrics,
		events:  newEventQueue(cfg.EventQueueLength, addr, log, o.metrics),
		queue:   newTxQueue(cfg.TxQueueLength),
		rng:     rand.New(rand.NewSource(seed)),
	}, nil
}

// SetHandlers installs the application callbacks.
func (n *Node) SetHandlers(h NodeHandlers) {
	n.mu.Lock()
	n.handlers = h
	n.mu.Unlock()
}

func (n *Node) callbacks() NodeHandlers {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.handlers
}

func (n *Node) Address() proto.NodeAddress { return n.addr }

func (n *Node) State() State { return State(n.state.Load()) }

// Coordinator returns the address of the coordinator the node follows, or
// AddressNone.
func (n *Node) Coordinator() proto.NodeAddress { return proto.NodeAddress(n.coord.Load()) }

// Slot returns the assigned slot, or 0 when not associated.
func (n *Node) Slot() uint8 { return uint8(n.slot.Load()) }

// QueueLen returns the number of frames waiting for the node's slot.
func (n *Node) QueueLen() int { return n.queue.len() }

func (n *Node) setState(s State) {
	if old := State(n.state.Swap(int32(s))); old != s {
		n.log.Debug("state change", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

// Associate asks an idle node to join a network. It is a no-op in any other
// state.
func (n *Node) Associate() {
	if n.State() != StateIdle {
		return
	}
	n.events.post(Event{Kind: EventAssociateReq})
}

// Disassociate asks the coordinator to release the node's slot. The request
// goes out in the node's own slot every period until the coordinator confirms
// it in a beacon; the node then returns to idle.
func (n *Node) Disassociate() error {
	if n.State() != StateAssociated {
		return proto.ErrNotAssociated
	}
	n.leave.Store(true)
	return nil
}

// Send queues data for the coordinator without blocking.
func (n *Node) Send(data []byte) error {
	if len(data) > proto.MaxPacketLength {
		return fmt.Errorf("%w: %d bytes (max %d)", proto.ErrPayloadTooLarge, len(data), proto.MaxPacketLength)
	}
	if n.State() != StateAssociated {
		return proto.ErrNotAssociated
	}
	frame, err := proto.EncodeData(n.addr, n.Coordinator(), data)
	if err != nil {
		return err
	}
	if !n.queue.push(frame) {
		n.metrics.Rejected(n.addr)
		return proto.ErrQueueFull
	}
	n.metrics.SetQueueDepth(n.addr, n.queue.len())
	return nil
}

func (n *Node) initialise() error {
	if err := n.radio.Configure(n.cfg.Channel, n.cfg.TxPower); err != nil {
		return fmt.Errorf("configure radio: %w", err)
	}
	n.radio.SetReceiveHandler(n.frameReceived)
	n.timer.RegisterCallback(AlarmBeacon, func() { n.events.post(Event{Kind: EventBeaconTime}) })
	n.timer.RegisterCallback(AlarmSlot, func() { n.events.post(Event{Kind: EventSlotTime}) })
	n.timer.RegisterCallback(AlarmTimeout, func() { n.events.post(Event{Kind: EventTimeout}) })
	return nil
}

// Run drives the node until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.initialise(); err != nil {
		return err
	}
	defer n.shutdown()

	n.log.Info("node started",
		zap.Int("slots", n.cfg.SlotCount),
		zap.Int64("slot_ticks", int64(n.cfg.SlotTime)),
		zap.Uint8("channel", n.cfg.Channel))

	for {
		var err error
		switch n.State() {
		case StateIdle:
			err = n.runIdle(ctx)
		case StateBeaconSearch:
			err = n.runBeaconSearch(ctx)
		case StateAssociating:
			err = n.runAssociating(ctx)
		case StateAssociated:
			err = n.runAssociated(ctx)
		case StateWaiting:
			err = n.runWaiting(ctx)
		}
		if err != nil {
			return err
		}
	}
}

func (n *Node) shutdown() {
	n.timer.UnsetAlarm(AlarmBeacon)
	n.timer.UnsetAlarm(AlarmSlot)
	n.timer.UnsetAlarm(AlarmTimeout)
	_ = n.radio.Idle()
}

func (n *Node) runIdle(ctx context.Context) error {
	n.coord.Store(uint32(proto.AddressNone))
	n.slot.Store(0)
	n.beaconLoss = 0
	n.leave.Store(false)
	n.idleRadio()
	if _, err := n.events.blockUntil(ctx, EventAssociateReq); err != nil {
		return err
	}
	n.log.Info("associating")
	n.setState(StateBeaconSearch)
	return nil
}

func (n *Node) runBeaconSearch(ctx context.Context) error {
	n.coord.Store(uint32(proto.AddressNone))
	n.slot.Store(0)
	n.beaconLoss = 0
	if !n.listen() {
		n.pause(StateBeaconSearch, n.cfg.BeaconPeriod())
		return nil
	}
	for {
		ev, err := n.events.blockUntil(ctx, EventRx)
		if err != nil {
			return err
		}
		if n.acceptBeacon(ev) {
			break
		}
	}
	n.idleRadio()
	n.associateWait = 0
	if n.State() == StateBeaconSearch {
		n.setState(StateAssociating)
	}
	return nil
}

func (n *Node) runAssociating(ctx context.Context) error {
	if _, err := n.events.blockUntil(ctx, EventBeaconTime); err != nil {
		return err
	}
	ok, err := n.listenForBeacon(ctx)
	if err != nil {
		return err
	}
	if !ok {
		n.missBeacon()
		return nil
	}
	if n.State() != StateAssociating {
		return nil
	}

	switch n.associateWait {
	case 1:
		if err := n.waitSlot(ctx, n.cfg.ContentionSlot()); err != nil {
			return err
		}
		n.sendMgt(proto.MgtAssociate)
	case 0:
		n.associateWait = n.rollBackoff()
	}
	n.associateWait--
	return nil
}

func (n *Node) runAssociated(ctx context.Context) error {
	if _, err := n.events.blockUntil(ctx, EventBeaconTime); err != nil {
		return err
	}
	ok, err := n.listenForBeacon(ctx)
	if err != nil {
		return err
	}
	if !ok {
		n.missBeacon()
		return nil
	}
	if n.State() != StateAssociated {
		return nil
	}

	slot := int(n.Slot())
	if err := n.waitSlot(ctx, slot); err != nil {
		return err
	}
	// Repeated every period until the coordinator confirms with a record.
	if n.leave.Load() {
		n.sendMgt(proto.MgtDissociate)
		return nil
	}
	return n.drain(ctx, slot)
}

func (n *Node) runWaiting(ctx context.Context) error {
	if _, err := n.events.blockUntil(ctx, EventTimeout); err != nil {
		return err
	}
	n.setState(n.resume)
	return nil
}

// pause parks the node in the waiting state for d ticks, then resumes in s.
func (n *Node) pause(s State, d proto.Tick) {
	n.resume = s
	n.timer.SetAlarm(AlarmTimeout, n.timer.Now()+d, 0)
	n.setState(StateWaiting)
}

// SlotBudget returns the ticks left in slot after sending a frame of
// txDuration and reserving guard, measured at now. The frame may only be sent
// when the budget is positive.
func SlotBudget(beaconTime proto.Tick, slot int, slotTime, txDuration, guard, now proto.Tick) proto.Tick {
	return beaconTime + proto.Tick(slot+1)*slotTime - txDuration - guard - now
}

// drain sends queued frames while the slot budget allows. A frame that no
// longer fits goes back to the head of the queue for the next period.
func (n *Node) drain(ctx context.Context, slot int) error {
	defer func() { n.metrics.SetQueueDepth(n.addr, n.queue.len()) }()
	guard := n.cfg.InterpacketGuard
	if slot == n.cfg.SlotCount {
		// The last slot runs into the beacon wake-up; stay clear of it.
		guard += n.cfg.Guard
	}
	for {
		frame, ok := n.queue.pop()
		if !ok {
			return nil
		}
		budget := SlotBudget(n.beaconTime, slot, n.cfg.SlotTime,
			n.radio.TxDuration(len(frame)), guard, n.timer.Now())
		if budget <= 0 {
			n.queue.pushFront(frame)
			n.metrics.Deferred(n.addr)
			n.log.Debug("slot budget exhausted", zap.Int64("budget", int64(budget)), zap.Int("queued", n.queue.len()))
			return nil
		}
		if _, err := n.radio.Tx(frame); err != nil {
			n.queue.pushFront(frame)
			n.log.Warn("data send failed", zap.Error(err))
			return nil
		}
		n.metrics.FrameSent(n.addr, "data")

		n.timer.SetAlarm(AlarmTimeout, n.timer.Now()+n.cfg.InterpacketGuard, 0)
		if _, err := n.events.blockUntil(ctx, EventTimeout); err != nil {
			return err
		}
	}
}

// listenForBeacon opens a half-slot reception window and reports whether a
// beacon from the followed coordinator arrived in it.
func (n *Node) listenForBeacon(ctx context.Context) (bool, error) {
	if !n.listen() {
		return false, nil
	}
	n.timer.SetAlarm(AlarmTimeout, n.timer.Now()+n.cfg.SlotTime/2, 0)
	for {
		ev, err := n.events.blockUntil(ctx, EventRx|EventTimeout)
		if err != nil {
			return false, err
		}
		if ev.Kind == EventTimeout {
			n.idleRadio()
			return false, nil
		}
		if n.acceptBeacon(ev) {
			n.timer.UnsetAlarm(AlarmTimeout)
			n.idleRadio()
			return true, nil
		}
	}
}

func (n *Node) missBeacon() {
	n.beaconLoss++
	n.metrics.BeaconMissed(n.addr)
	n.log.Debug("beacon missed", zap.Int("consecutive", n.beaconLoss))
	if n.beaconLoss < n.cfg.BeaconLossMax {
		return
	}

	wasAssociated := n.State() == StateAssociated
	n.timer.UnsetAlarm(AlarmBeacon)
	n.setState(StateBeaconSearch)
	if !wasAssociated {
		return
	}
	n.leave.Store(false)
	n.metrics.Lost(n.addr)
	n.log.Info("link lost", zap.Stringer("coord", n.Coordinator()), zap.Int("missed", n.beaconLoss))
	if cb := n.callbacks().OnLinkLost; cb != nil {
		cb()
	}
}

// acceptBeacon adopts a received beacon as the new timing reference when it
// comes from the followed coordinator (or from anyone while none is known),
// then applies the records addressed to this node.
func (n *Node) acceptBeacon(ev Event) bool {
	b := ev.Beacon
	if b == nil {
		return false
	}
	coord := n.Coordinator()
	if coord == proto.AddressNone {
		n.coord.Store(uint32(b.Src))
		n.log.Info("coordinator found", zap.Stringer("coord", b.Src), zap.Int8("rssi", ev.RSSI))
	} else if b.Src != coord {
		n.log.Debug("beacon from foreign coordinator", zap.Stringer("src", b.Src))
		return false
	}

	n.beaconTime = ev.Timestamp
	n.beaconLoss = 0
	period := n.cfg.BeaconPeriod()
	n.timer.SetAlarm(AlarmBeacon, n.beaconTime-n.cfg.Guard+period, period)
	n.metrics.BeaconReceived(n.addr)

	n.applyRecords(b)

	if cb := n.callbacks().OnBeacon; cb != nil {
		cb(b.ID, n.beaconTime)
	}
	return true
}

func (n *Node) applyRecords(b *proto.Beacon) {
	cbs := n.callbacks()
	it := b.Records()
	for r, ok := it.Next(); ok; r, ok = it.Next() {
		if r.Dest != n.addr && r.Dest != proto.AddressBroadcast {
			continue
		}
		switch r.Type {
		case proto.MgtAssociate:
			if len(r.Payload) != 1 {
				continue
			}
			slot := r.Payload[0]
			if slot == 0 || int(slot) > n.cfg.SlotCount {
				n.log.Debug("association rejected", zap.Uint8("slot", slot))
				continue
			}
			if n.State() == StateAssociated && n.Slot() == slot {
				continue
			}
			n.slot.Store(uint32(slot))
			n.setState(StateAssociated)
			n.metrics.Associated(n.addr)
			n.log.Info("associated", zap.Stringer("coord", b.Src), zap.Uint8("slot", slot))
			if cbs.OnAssociated != nil {
				cbs.OnAssociated(slot)
			}
		case proto.MgtDissociate:
			if len(r.Payload) != 0 {
				continue
			}
			n.slot.Store(0)
			n.leave.Store(false)
			n.queue.clear()
			n.timer.UnsetAlarm(AlarmBeacon)
			n.setState(StateIdle)
			n.metrics.Dissociated(n.addr)
			n.log.Info("disassociated", zap.Stringer("coord", b.Src))
			if cbs.OnDisassociated != nil {
				cbs.OnDisassociated()
			}
		case proto.MgtData:
			if cbs.OnDownlink != nil {
				cbs.OnDownlink(r.Payload)
			}
		}
	}
}

// frameReceived runs in the radio's receive context. It only filters and
// posts; all state changes happen on the task.
func (n *Node) frameReceived(data []byte, rssi int8, timestamp proto.Tick) {
	h, err := proto.DecodeHeader(data)
	if err != nil {
		n.log.Debug("rx: bad frame", zap.Error(err))
		return
	}
	if h.Dst != n.addr && h.Dst != proto.AddressBroadcast {
		return
	}
	if h.Type != proto.FrameTypeBeacon {
		return
	}
	b, err := proto.DecodeBeacon(data)
	if err != nil {
		n.log.Debug("rx: bad beacon", zap.Error(err))
		return
	}
	n.events.post(Event{Kind: EventRx, Beacon: b, RSSI: rssi, Timestamp: timestamp})
}

func (n *Node) waitSlot(ctx context.Context, slot int) error {
	at := n.beaconTime + proto.Tick(slot)*n.cfg.SlotTime + n.cfg.SlotGuard
	n.timer.SetAlarm(AlarmSlot, at, 0)
	_, err := n.events.blockUntil(ctx, EventSlotTime)
	return err
}

// rollBackoff draws how many beacons to let pass before the next attach
// attempt, so that nodes booting together spread their requests.
func (n *Node) rollBackoff() int {
	return 2 + n.rng.Intn(n.cfg.AssociateBackoffMax)
}

func (n *Node) sendMgt(command byte) {
	frame := proto.EncodeMgt(n.addr, n.Coordinator(), command)
	if _, err := n.radio.Tx(frame); err != nil {
		n.log.Warn("management send failed", zap.Uint8("command", command), zap.Error(err))
		return
	}
	n.metrics.FrameSent(n.addr, "mgt")
	n.log.Debug("management frame sent", zap.Uint8("command", command))
}

func (n *Node) listen() bool {
	if err := n.radio.Listen(); err != nil {
		n.log.Warn("radio listen failed", zap.Error(err))
		return false
	}
	return true
}

func (n *Node) idleRadio() {
	if err := n.radio.Idle(); err != nil {
		n.log.Warn("radio idle failed", zap.Error(err))
	}
}
