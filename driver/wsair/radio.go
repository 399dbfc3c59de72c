package wsair

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	proto "github.com/ystepanoff/nrftdma/protocol"
	"github.com/ystepanoff/nrftdma/transport"
)

const rssi int8 = -55

// Radio is a transport.RadioDriver whose air is a Hub.
type Radio struct {
	conn  *websocket.Conn
	clock transport.Timer
	done  chan struct{}

	writeMu sync.Mutex

	mu        sync.Mutex
	channel   uint8
	power     int8
	listening bool
	closed    bool
	handler   transport.ReceiveFunc
}

// Dial connects to the hub at rawURL. Receptions are stamped with clock.
func Dial(ctx context.Context, rawURL string, clock transport.Timer) (*Radio, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	r := &Radio{conn: conn, clock: clock, channel: proto.DefaultChannel, done: make(chan struct{})}
	go r.readLoop()
	return r, nil
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

// Tx sends data to the hub and returns after the frame's air time, so
// callers see the same pacing as on a real radio.
func (r *Radio) Tx(data []byte) (proto.Tick, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, proto.ErrRadioClosed
	}
	r.listening = false
	channel := r.channel
	r.mu.Unlock()

	msg := make([]byte, 0, len(data)+1)
	msg = append(msg, channel)
	msg = append(msg, data...)

	start := r.clock.Now()
	r.writeMu.Lock()
	err := r.conn.WriteMessage(websocket.BinaryMessage, msg)
	r.writeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("websocket write: %w", err)
	}
	time.Sleep(proto.AirTime(len(data)))
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

// Done is closed once the connection to the hub is gone.
func (r *Radio) Done() <-chan struct{} { return r.done }

func (r *Radio) Close() error {
	r.mu.Lock()
	r.closed = true
	r.listening = false
	r.mu.Unlock()

	r.writeMu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	r.writeMu.Unlock()
	err := r.conn.Close()
	<-r.done
	return err
}

func (r *Radio) readLoop() {
	defer close(r.done)
	for {
		mt, msg, err := r.conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			r.closed = true
			r.listening = false
			r.mu.Unlock()
			return
		}
		if mt != websocket.BinaryMessage || len(msg) < 2 {
			continue
		}
		r.deliver(msg[0], msg[1:])
	}
}

// deliver stamps the frame with the start of its air time on our clock.
func (r *Radio) deliver(channel uint8, frame []byte) {
	r.mu.Lock()
	if !r.listening || r.channel != channel || r.handler == nil {
		r.mu.Unlock()
		return
	}
	fn := r.handler
	ts := r.clock.Now() - proto.TicksFromDuration(proto.AirTime(len(frame)))
	r.mu.Unlock()
	fn(frame, rssi, ts)
}
