package serialphy

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	proto "github.com/ystepanoff/nrftdma/protocol"
	"github.com/ystepanoff/nrftdma/transport"
)

// Radio is a transport.RadioDriver backed by a serial radio modem.
type Radio struct {
	port  io.ReadWriteCloser
	clock transport.Timer
	log   *zap.Logger
	done  chan struct{}

	writeMu sync.Mutex

	mu        sync.Mutex
	listening bool
	closed    bool
	handler   transport.ReceiveFunc
}

// Open opens a serial port and attaches a radio to it.
func Open(portName string, baudRate int, clock transport.Timer, log *zap.Logger) (*Radio, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return NewRadio(port, clock, log), nil
}

// NewRadio talks to a modem over rwc and starts reading from it.
func NewRadio(rwc io.ReadWriteCloser, clock transport.Timer, log *zap.Logger) *Radio {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Radio{port: rwc, clock: clock, log: log, done: make(chan struct{})}
	go r.readLoop()
	return r
}

func (r *Radio) send(cmd byte, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return proto.ErrRadioClosed
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, err := r.port.Write(EncodeFrame(cmd, payload)); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (r *Radio) Configure(channel uint8, power int8) error {
	if channel > proto.MaxChannel {
		return proto.ErrInvalidChannel
	}
	return r.send(CmdConfig, []byte{channel, byte(power)})
}

func (r *Radio) Tx(data []byte) (proto.Tick, error) {
	start := r.clock.Now()
	r.mu.Lock()
	r.listening = false
	r.mu.Unlock()
	if err := r.send(CmdTx, data); err != nil {
		return 0, err
	}
	// The modem does not report completion; wait out the frame on the air.
	time.Sleep(proto.AirTime(len(data)))
	return start, nil
}

func (r *Radio) Listen() error {
	if err := r.send(CmdListen, nil); err != nil {
		return err
	}
	r.mu.Lock()
	r.listening = true
	r.mu.Unlock()
	return nil
}

func (r *Radio) Idle() error {
	r.mu.Lock()
	r.listening = false
	r.mu.Unlock()
	err := r.send(CmdIdle, nil)
	if errors.Is(err, proto.ErrRadioClosed) {
		return nil
	}
	return err
}

func (r *Radio) SetReceiveHandler(fn transport.ReceiveFunc) {
	r.mu.Lock()
	r.handler = fn
	r.mu.Unlock()
}

func (r *Radio) TxDuration(n int) proto.Tick {
	return proto.TicksFromDuration(proto.AirTime(n))
}

// Done is closed when the serial link is gone.
func (r *Radio) Done() <-chan struct{} { return r.done }

func (r *Radio) Close() error {
	r.mu.Lock()
	r.closed = true
	r.listening = false
	r.mu.Unlock()
	err := r.port.Close()
	<-r.done
	return err
}

func (r *Radio) readLoop() {
	defer close(r.done)
	dec := NewDecoder()
	buf := make([]byte, 256)
	for {
		n, err := r.port.Read(buf)
		for _, b := range buf[:n] {
			f, ferr := dec.DecodeByte(b)
			if ferr != nil {
				r.log.Debug("serial: bad frame", zap.Error(ferr))
				continue
			}
			if f != nil {
				r.handleFrame(f)
			}
		}
		if err != nil {
			r.mu.Lock()
			r.closed = true
			r.listening = false
			r.mu.Unlock()
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				r.log.Warn("serial read failed", zap.Error(err))
			}
			return
		}
	}
}

func (r *Radio) handleFrame(f *Frame) {
	if f.Cmd != CmdRx {
		r.log.Debug("serial: unexpected command from modem", zap.Uint8("cmd", f.Cmd))
		return
	}
	if len(f.Payload) < 2 {
		return
	}
	rssi := int8(f.Payload[0])
	frame := f.Payload[1:]

	r.mu.Lock()
	if !r.listening || r.handler == nil {
		r.mu.Unlock()
		return
	}
	fn := r.handler
	ts := r.clock.Now() - proto.TicksFromDuration(proto.AirTime(len(frame)))
	r.mu.Unlock()
	fn(frame, rssi, ts)
}
