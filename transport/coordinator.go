package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ystepanoff/nrftdma/metrics"
	proto "github.com/ystepanoff/nrftdma/protocol"
)

// CoordinatorHandlers are the application callbacks of a coordinator.
// OnNodeAssociated, OnNodeDissociated and OnDataReceived run in the radio's
// receive context; OnBeaconSent runs on the coordinator task.
type CoordinatorHandlers struct {
	OnNodeAssociated  func(addr proto.NodeAddress, slot uint8)
	OnNodeDissociated func(addr proto.NodeAddress)
	OnDataReceived    func(addr proto.NodeAddress, data []byte)
	OnBeaconSent      func(id byte, beaconTime proto.Tick)
}

// Coordinator owns the network: it sends a beacon every period, assigns
// slots and only accepts uplink data from the owner of the running slot.
type Coordinator struct {
	addr    proto.NodeAddress
	cfg     Config
	radio   RadioDriver
	timer   Timer
	log     *zap.Logger
	metrics *metrics.MAC
	events  *eventQueue

	mu     sync.Mutex // table and beacon, shared with the receive handler
	table  *SlotTable
	beacon *proto.BeaconBuilder

	cbMu     sync.RWMutex
	handlers CoordinatorHandlers

	slotRunning atomic.Int32
	beaconTime  proto.Tick
}

func NewCoordinatorWithDriver(addr proto.NodeAddress, cfg Config, d RadioDriver, t Timer, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator config: %w", err)
	}
	if !addr.IsUnicast() {
		return nil, fmt.Errorf("coordinator address %v is not unicast", addr)
	}
	o := buildOptions(opts)
	log := o.log.With(zap.String("role", "coordinator"), zap.Stringer("addr", addr))
	return &Coordinator{
		addr:    addr,
		cfg:     cfg,
		radio:   d,
		timer:   t,
		log:     log,
		metrics: o.metrics,
		events:  newEventQueue(cfg.EventQueueLength, addr, log, o.metrics),
		table:   NewSlotTable(cfg.SlotCount),
		beacon:  proto.NewBeaconBuilder(addr),
	}, nil
}

// SetHandlers installs the application callbacks.
func (c *Coordinator) SetHandlers(h CoordinatorHandlers) {
	c.cbMu.Lock()
	c.handlers = h
	c.cbMu.Unlock()
}

func (c *Coordinator) callbacks() CoordinatorHandlers {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	return c.handlers
}

func (c *Coordinator) Address() proto.NodeAddress { return c.addr }

// SlotOf returns the slot owned by addr, or 0.
func (c *Coordinator) SlotOf(addr proto.NodeAddress) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Position(addr)
}

// Nodes returns the owner of every slot, indexed by slot number minus one.
// Free slots hold AddressNone.
func (c *Coordinator) Nodes() []proto.NodeAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]proto.NodeAddress, c.table.Size())
	for i := range out {
		out[i] = c.table.Owner(uint8(i + 1))
	}
	return out
}

// SlotRunning returns the node slot in progress, or 0 during the beacon slot.
func (c *Coordinator) SlotRunning() int { return int(c.slotRunning.Load()) }

// SendTo queues a downlink record for addr in the next beacon.
func (c *Coordinator) SendTo(addr proto.NodeAddress, data []byte) error {
	if len(data) > proto.MaxCoordSendLength {
		return fmt.Errorf("%w: %d bytes (max %d)", proto.ErrPayloadTooLarge, len(data), proto.MaxCoordSendLength)
	}
	c.mu.Lock()
	err := c.beacon.Append(addr, proto.MgtData, data)
	c.mu.Unlock()
	if err != nil {
		c.metrics.Rejected(c.addr)
		return err
	}
	return nil
}

func (c *Coordinator) initialise() error {
	if err := c.radio.Configure(c.cfg.Channel, c.cfg.TxPower); err != nil {
		return fmt.Errorf("configure radio: %w", err)
	}
	c.radio.SetReceiveHandler(c.frameReceived)
	c.timer.RegisterCallback(AlarmSlot, func() { c.events.post(Event{Kind: EventSlotTime}) })

	c.mu.Lock()
	c.table.Clear()
	c.mu.Unlock()
	c.slotRunning.Store(0)
	return nil
}

// Run sends beacons and paces the slots until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.initialise(); err != nil {
		return err
	}
	defer c.shutdown()

	c.log.Info("coordinator started",
		zap.Int("slots", c.cfg.SlotCount),
		zap.Int64("slot_ticks", int64(c.cfg.SlotTime)),
		zap.Uint8("channel", c.cfg.Channel))
	c.listen()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.sendBeacon()
		if _, err := c.events.blockUntil(ctx, EventSlotTime); err != nil {
			return err
		}
		for s := 1; s <= c.cfg.SlotCount; s++ {
			c.slotRunning.Store(int32(s))
			if _, err := c.events.blockUntil(ctx, EventSlotTime); err != nil {
				return err
			}
		}
		c.slotRunning.Store(0)
	}
}

func (c *Coordinator) shutdown() {
	c.timer.UnsetAlarm(AlarmSlot)
	c.slotRunning.Store(0)
	_ = c.radio.Idle()
}

// sendBeacon transmits the accumulated records and restarts slot pacing from
// the instant the beacon went out.
func (c *Coordinator) sendBeacon() {
	c.mu.Lock()
	id := c.beacon.ID()
	frame := c.beacon.Encode()
	c.mu.Unlock()

	ts, err := c.radio.Tx(frame)
	if err != nil {
		c.log.Warn("beacon send failed", zap.Uint8("id", id), zap.Error(err))
		ts = c.timer.Now()
	} else {
		c.metrics.BeaconSent(c.addr)
	}
	c.beaconTime = ts
	c.timer.SetAlarm(AlarmSlot, ts+c.cfg.SlotTime, c.cfg.SlotTime)
	c.listen()

	c.log.Debug("beacon sent", zap.Uint8("id", id), zap.Int("len", len(frame)), zap.Int64("at", int64(ts)))
	if cb := c.callbacks().OnBeaconSent; cb != nil {
		cb(id, ts)
	}
}

// frameReceived classifies one uplink frame. It runs in the radio's receive
// context, concurrently with the task.
func (c *Coordinator) frameReceived(data []byte, rssi int8, _ proto.Tick) {
	h, err := proto.DecodeHeader(data)
	if err != nil {
		c.metrics.FrameReceived(c.addr, metrics.ResultMalformed)
		c.log.Debug("rx: bad frame", zap.Error(err))
		return
	}
	if h.Dst != c.addr {
		c.metrics.FrameReceived(c.addr, metrics.ResultForeign)
		return
	}

	switch h.Type {
	case proto.FrameTypeData:
		f, err := proto.DecodeData(data)
		if err != nil {
			c.metrics.FrameReceived(c.addr, metrics.ResultMalformed)
			return
		}
		c.dataReceived(f, rssi)
	case proto.FrameTypeMgt:
		m, err := proto.DecodeMgt(data)
		if err != nil {
			c.metrics.FrameReceived(c.addr, metrics.ResultMalformed)
			return
		}
		c.metrics.FrameReceived(c.addr, metrics.ResultAccepted)
		c.mgtReceived(m)
	default:
		c.metrics.FrameReceived(c.addr, metrics.ResultMalformed)
	}
}

func (c *Coordinator) dataReceived(f *proto.DataFrame, rssi int8) {
	c.mu.Lock()
	slot := c.table.Position(f.Src)
	c.mu.Unlock()

	running := c.slotRunning.Load()
	if slot == 0 || int32(slot) != running {
		c.metrics.FrameReceived(c.addr, metrics.ResultOutOfSlot)
		c.log.Debug("rx: data outside owned slot",
			zap.Stringer("src", f.Src), zap.Uint8("slot", slot), zap.Int32("running", running))
		return
	}
	c.metrics.FrameReceived(c.addr, metrics.ResultAccepted)
	c.log.Debug("rx: data", zap.Stringer("src", f.Src), zap.Int("len", len(f.Payload)), zap.Int8("rssi", rssi))
	if cb := c.callbacks().OnDataReceived; cb != nil {
		cb(f.Src, f.Payload)
	}
}

func (c *Coordinator) mgtReceived(m *proto.MgtFrame) {
	cbs := c.callbacks()
	switch m.Command {
	case proto.MgtAssociate:
		c.mu.Lock()
		known := c.table.Position(m.Src) != 0
		slot := c.table.Add(m.Src)
		var err error
		if slot != 0 {
			err = c.beacon.Append(m.Src, proto.MgtAssociate, []byte{slot})
		}
		used := c.table.Used()
		c.mu.Unlock()

		if slot == 0 {
			c.log.Info("slot table full", zap.Stringer("node", m.Src))
			return
		}
		if err != nil {
			// The node retries its attach and gets the record next time.
			c.log.Warn("association record dropped", zap.Stringer("node", m.Src), zap.Error(err))
		}
		c.metrics.SetSlotsUsed(c.addr, used)
		if known {
			return
		}
		c.metrics.Associated(c.addr)
		c.log.Info("node associated", zap.Stringer("node", m.Src), zap.Uint8("slot", slot))
		if cbs.OnNodeAssociated != nil {
			cbs.OnNodeAssociated(m.Src, slot)
		}

	case proto.MgtDissociate:
		c.mu.Lock()
		slot := c.table.Remove(m.Src)
		err := c.beacon.Append(m.Src, proto.MgtDissociate, nil)
		used := c.table.Used()
		c.mu.Unlock()

		if err != nil {
			c.log.Warn("dissociation record dropped", zap.Stringer("node", m.Src), zap.Error(err))
		}
		if slot == 0 {
			return
		}
		c.metrics.SetSlotsUsed(c.addr, used)
		c.metrics.Dissociated(c.addr)
		c.log.Info("node dissociated", zap.Stringer("node", m.Src), zap.Uint8("slot", slot))
		if cbs.OnNodeDissociated != nil {
			cbs.OnNodeDissociated(m.Src)
		}

	default:
		c.log.Debug("rx: unknown management command", zap.Uint8("command", m.Command))
	}
}

func (c *Coordinator) listen() {
	if err := c.radio.Listen(); err != nil {
		c.log.Warn("radio listen failed", zap.Error(err))
	}
}
