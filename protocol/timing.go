package protocol

import "time"

// Tick is a reading of the free-running 32768 Hz MAC clock. It is signed so
// that budget arithmetic may go negative.
type Tick int64

const TicksPerSecond = 32768

func MsToTicks(ms int64) Tick { return Tick(ms * TicksPerSecond / 1000) }

func TicksToMs(t Tick) int64 { return int64(t) * 1000 / TicksPerSecond }

// Duration converts t into wall-clock time.
func (t Tick) Duration() time.Duration {
	return time.Duration(int64(t) * int64(time.Second) / TicksPerSecond)
}

// TicksFromDuration converts d into ticks, truncating.
func TicksFromDuration(d time.Duration) Tick {
	return Tick(int64(d) * TicksPerSecond / int64(time.Second))
}

// On-air model of the nRF radio at 1 Mbit/s: preamble, address, length and
// CRC add 8 bytes to every frame, and the transmitter needs 140 µs to ramp up.
const (
	airOverheadBytes = 8
	airRampUp        = 140 * time.Microsecond
)

// AirTime estimates how long an n byte frame occupies the channel.
func AirTime(n int) time.Duration {
	return airRampUp + time.Duration((n+airOverheadBytes)*8)*time.Microsecond
}
