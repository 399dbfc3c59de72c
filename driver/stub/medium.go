package stub

import (
	"math/rand"
	"sync"
	"time"

	proto "github.com/ystepanoff/nrftdma/protocol"
	"github.com/ystepanoff/nrftdma/transport"
)

const defaultRSSI int8 = -50

// Medium is a shared broadcast channel between simulated radios in one
// process.
type Medium struct {
	mu     sync.Mutex
	radios map[*Radio]struct{}
	loss   float64
	rng    *rand.Rand
	txLog  ringBuffer
}

type MediumOption func(*Medium)

// WithLoss drops each delivery independently with probability ratio.
func WithLoss(ratio float64) MediumOption {
	return func(m *Medium) { m.loss = ratio }
}

// WithSeed fixes the loss pattern.
func WithSeed(seed int64) MediumOption {
	return func(m *Medium) { m.rng = rand.New(rand.NewSource(seed)) }
}

func NewMedium(opts ...MediumOption) *Medium {
	m := &Medium{
		radios: make(map[*Radio]struct{}),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewRadio attaches a radio that timestamps receptions with clock.
func (m *Medium) NewRadio(clock transport.Timer) *Radio {
	r := &Radio{medium: m, clock: clock, channel: proto.DefaultChannel}
	m.mu.Lock()
	m.radios[r] = struct{}{}
	m.mu.Unlock()
	return r
}

// TxLog returns the most recent transmissions, oldest first.
func (m *Medium) TxLog() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txLog.snapshot()
}

func (m *Medium) detach(r *Radio) {
	m.mu.Lock()
	delete(m.radios, r)
	m.mu.Unlock()
}

func (m *Medium) transmit(from *Radio, channel uint8, frame []byte) {
	air := proto.AirTime(len(frame))

	m.mu.Lock()
	m.txLog.push(frame)
	var targets []*Radio
	for r := range m.radios {
		if r == from {
			continue
		}
		if m.loss > 0 && m.rng.Float64() < m.loss {
			continue
		}
		targets = append(targets, r)
	}
	m.mu.Unlock()

	for _, r := range targets {
		time.AfterFunc(air, func() { r.deliver(channel, frame, air) })
	}
}

// Radio is one device's transceiver on a Medium. It implements
// transport.RadioDriver.
type Radio struct {
	medium *Medium
	clock  transport.Timer

	mu        sync.Mutex
	channel   uint8
	power     int8
	listening bool
	closed    bool
	handler   transport.ReceiveFunc
}

func (r *Radio) Configure(channel uint8, power int8) error {
	if channel > proto.MaxChannel {
		return proto.ErrInvalidChannel
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return proto.ErrRadioClosed
	}
	r.channel, r.power = channel, power
	return nil
}

// Tx puts data on the air and returns, once the frame is off the air, the
// tick at which transmission started. The radio leaves receive mode.
func (r *Radio) Tx(data []byte) (proto.Tick, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, proto.ErrRadioClosed
	}
	r.listening = false
	channel := r.channel
	r.mu.Unlock()

	frame := make([]byte, len(data))
	copy(frame, data)
	start := r.clock.Now()
	r.medium.transmit(r, channel, frame)
	time.Sleep(proto.AirTime(len(frame)))
	return start, nil
}

func (r *Radio) Listen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return proto.ErrRadioClosed
	}
	r.listening = true
	return nil
}

func (r *Radio) Idle() error {
	r.mu.Lock()
	r.listening = false
	r.mu.Unlock()
	return nil
}

func (r *Radio) SetReceiveHandler(fn transport.ReceiveFunc) {
	r.mu.Lock()
	r.handler = fn
	r.mu.Unlock()
}

func (r *Radio) TxDuration(n int) proto.Tick {
	return proto.TicksFromDuration(proto.AirTime(n))
}

// Close detaches the radio from its medium.
func (r *Radio) Close() error {
	r.mu.Lock()
	r.closed = true
	r.listening = false
	r.mu.Unlock()
	r.medium.detach(r)
	return nil
}

// deliver hands a frame that finished arriving to the receive handler. The
// timestamp marks the start of the frame on the receiver's own clock.
func (r *Radio) deliver(channel uint8, frame []byte, air time.Duration) {
	r.mu.Lock()
	if !r.listening || r.closed || r.channel != channel || r.handler == nil {
		r.mu.Unlock()
		return
	}
	fn := r.handler
	ts := r.clock.Now() - proto.TicksFromDuration(air)
	r.mu.Unlock()

	out := make([]byte, len(frame))
	copy(out, frame)
	fn(out, defaultRSSI, ts)
}

const ringCapacity = 64

// ringBuffer keeps the last ringCapacity frames.
type ringBuffer struct {
	data       [ringCapacity][]byte
	head, tail int // head = next pop, tail = next push
	count      int
}

func (rb *ringBuffer) push(frame []byte) {
	if rb.count == ringCapacity {
		// Overwrite the oldest when buffer is full to keep memory bounded
		rb.data[rb.tail] = nil
		rb.head = (rb.head + 1) % ringCapacity
		rb.count--
	}
	rb.data[rb.tail] = frame
	rb.tail = (rb.tail + 1) % ringCapacity
	rb.count++
}

func (rb *ringBuffer) snapshot() [][]byte {
	out := make([][]byte, rb.count)
	i := rb.head
	for c := 0; c < rb.count; c++ {
		p := rb.data[i]
		cp := make([]byte, len(p))
		copy(cp, p)
		out[c] = cp
		i = (i + 1) % ringCapacity
	}
	return out
}
