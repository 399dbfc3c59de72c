// Package nrftdma provides a façade to the slotted TDMA MAC.
//
// A Coordinator beacons at the start of every superframe and hands out uplink
// slots; Nodes find the beacon, ask to join in the contention slot and then
// send in the slot they were given. Radios and timers are supplied by a driver
// package; Air wires both roles to an in-process simulated channel.
package nrftdma

import (
	"sync"

	"github.com/ystepanoff/nrftdma/driver/stub"
	"github.com/ystepanoff/nrftdma/protocol"
	"github.com/ystepanoff/nrftdma/transport"
)

// Re-export types for callers that only need the façade
type (
	NodeAddress         = protocol.NodeAddress
	Tick                = protocol.Tick
	Config              = transport.Config
	Option              = transport.Option
	State               = transport.State
	Node                = transport.Node
	NodeHandlers        = transport.NodeHandlers
	Coordinator         = transport.Coordinator
	CoordinatorHandlers = transport.CoordinatorHandlers
	RadioDriver         = transport.RadioDriver
	Timer               = transport.Timer
)

// Error constants exposed in the public API
var (
	ErrMalformed       = protocol.ErrMalformed
	ErrPayloadTooLarge = protocol.ErrPayloadTooLarge
	ErrBeaconFull      = protocol.ErrBeaconFull
	ErrQueueFull       = protocol.ErrQueueFull
	ErrNotAssociated   = protocol.ErrNotAssociated
	ErrInvalidChannel  = protocol.ErrInvalidChannel
)

// Constants exposed in the public API
const (
	StateIdle         = transport.StateIdle
	StateBeaconSearch = transport.StateBeaconSearch
	StateAssociating  = transport.StateAssociating
	StateAssociated   = transport.StateAssociated
	StateWaiting      = transport.StateWaiting

	MaxPacketLength    = protocol.MaxPacketLength
	MaxCoordSendLength = protocol.MaxCoordSendLength
)

var (
	WithLogger      = transport.WithLogger
	WithMetrics     = transport.WithMetrics
	WithBackoffSeed = transport.WithBackoffSeed
)

func DefaultConfig() Config { return transport.DefaultConfig() }

func NewCoordinator(addr NodeAddress, cfg Config, d RadioDriver, t Timer, opts ...Option) (*Coordinator, error) {
	return transport.NewCoordinatorWithDriver(addr, cfg, d, t, opts...)
}

func NewNode(addr NodeAddress, cfg Config, d RadioDriver, t Timer, opts ...Option) (*Node, error) {
	return transport.NewNodeWithDriver(addr, cfg, d, t, opts...)
}

// Air is a simulated channel shared by every device created from it. Each
// device gets its own clock, started at the given offset.
type Air struct {
	medium *stub.Medium

	mu     sync.Mutex
	clocks []*stub.Clock
	radios []*stub.Radio
}

// NewAir creates a lossless channel unless opts say otherwise.
func NewAir(opts ...stub.MediumOption) *Air {
	return &Air{medium: stub.NewMedium(opts...)}
}

func (a *Air) attach(offset Tick) (*stub.Radio, *stub.Clock) {
	clock := stub.NewClock(offset)
	r := a.medium.NewRadio(clock)
	a.mu.Lock()
	a.clocks = append(a.clocks, clock)
	a.radios = append(a.radios, r)
	a.mu.Unlock()
	return r, clock
}

func (a *Air) NewCoordinator(addr NodeAddress, cfg Config, offset Tick, opts ...Option) (*Coordinator, error) {
	r, clock := a.attach(offset)
	return transport.NewCoordinatorWithDriver(addr, cfg, r, clock, opts...)
}

func (a *Air) NewNode(addr NodeAddress, cfg Config, offset Tick, opts ...Option) (*Node, error) {
	r, clock := a.attach(offset)
	return transport.NewNodeWithDriver(addr, cfg, r, clock, opts...)
}

// Close stops every clock and detaches every radio. Call it after the roles'
// Run loops have returned.
func (a *Air) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.clocks {
		c.Close()
	}
	for _, r := range a.radios {
		_ = r.Close()
	}
	a.clocks, a.radios = nil, nil
}
