package transport

import proto "github.com/ystepanoff/nrftdma/protocol"

// ReceiveFunc is invoked by a RadioDriver for every frame it receives. It runs
// in the driver's receive context and must not block.
type ReceiveFunc func(data []byte, rssi int8, timestamp proto.Tick)

// RadioDriver is the interface that wraps the basic physical-layer operations.
type RadioDriver interface {
	Configure(channel uint8, power int8) error
	// Tx sends one frame and returns once the radio reports completion. The
	// returned tick marks the start of the transmission.
	Tx(data []byte) (proto.Tick, error)
	// Listen enables continuous reception; Idle disables it.
	Listen() error
	Idle() error
	SetReceiveHandler(fn ReceiveFunc)
	// TxDuration estimates the air time of a frame of n bytes.
	TxDuration(n int) proto.Tick
}

// AlarmID names one of the hardware compare channels used by the MAC.
type AlarmID uint8

const (
	AlarmBeacon AlarmID = iota
	AlarmSlot
	AlarmTimeout
)

func (a AlarmID) String() string {
	switch a {
	case AlarmBeacon:
		return "beacon"
	case AlarmSlot:
		return "slot"
	case AlarmTimeout:
		return "timeout"
	}
	return "unknown"
}

// Timer is the alarm service both roles are scheduled by. Callbacks run in
// the timer's own context and must not block.
type Timer interface {
	Now() proto.Tick
	// SetAlarm arms id to fire at the absolute tick at, then every period
	// ticks when period > 0. A time in the past fires as soon as possible.
	SetAlarm(id AlarmID, at proto.Tick, period proto.Tick)
	UnsetAlarm(id AlarmID)
	RegisterCallback(id AlarmID, cb func())
}
