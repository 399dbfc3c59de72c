package transport

import (
	"fmt"

	proto "github.com/ystepanoff/nrftdma/protocol"
)

// Config holds the MAC parameters. Coordinator and nodes of one network must
// agree on SlotCount and SlotTime.
type Config struct {
	SlotCount     int
	SlotTime      proto.Tick
	BeaconLossMax int

	// Guard is how early a node wakes before an expected beacon.
	Guard proto.Tick
	// SlotGuard delays a node's first transmission past its slot boundary.
	SlotGuard proto.Tick
	// InterpacketGuard is the pause between two frames of one slot; it is also
	// reserved at the end of the slot by the budget check.
	InterpacketGuard proto.Tick

	TxQueueLength       int
	EventQueueLength    int
	AssociateBackoffMax int

	Channel uint8
	TxPower int8
}

// DefaultConfig returns the parameters of the reference firmware.
func DefaultConfig() Config {
	return Config{
		SlotCount:           5,
		SlotTime:            proto.MsToTicks(15),
		BeaconLossMax:       10,
		Guard:               100,
		SlotGuard:           33,
		InterpacketGuard:    5,
		TxQueueLength:       8,
		EventQueueLength:    8,
		AssociateBackoffMax: 16,
		Channel:             proto.DefaultChannel,
		TxPower:             0,
	}
}

// BeaconPeriod is the length of one superframe: the beacon slot followed by
// SlotCount node slots.
func (c Config) BeaconPeriod() proto.Tick { return proto.Tick(c.SlotCount+1) * c.SlotTime }

// ContentionSlot is the slot used for attach requests.
func (c Config) ContentionSlot() int { return c.SlotCount }

func (c Config) Validate() error {
	switch {
	case c.SlotCount < 1 || c.SlotCount > 255:
		return fmt.Errorf("slot count %d out of range 1-255", c.SlotCount)
	case c.SlotTime <= 0:
		return fmt.Errorf("slot time must be positive")
	case c.BeaconLossMax < 1:
		return fmt.Errorf("beacon loss threshold must be at least 1")
	case c.Guard < 0 || c.Guard >= c.SlotTime:
		return fmt.Errorf("guard %d must be within the slot time %d", c.Guard, c.SlotTime)
	case c.SlotGuard < 0 || c.SlotGuard >= c.SlotTime:
		return fmt.Errorf("slot guard %d must be within the slot time %d", c.SlotGuard, c.SlotTime)
	case c.InterpacketGuard < 0:
		return fmt.Errorf("interpacket guard must not be negative")
	case c.TxQueueLength < 1:
		return fmt.Errorf("transmit queue length must be at least 1")
	case c.EventQueueLength < 1:
		return fmt.Errorf("event queue length must be at least 1")
	case c.AssociateBackoffMax < 1:
		return fmt.Errorf("associate backoff must be at least 1")
	case c.Channel > proto.MaxChannel:
		return proto.ErrInvalidChannel
	}
	return nil
}
