package transport

import (
	"sync"
	"testing"
	"time"

	proto "github.com/ystepanoff/nrftdma/protocol"
)

// MockTimer is a manually driven Timer. Alarms only fire when the test calls
// Fire, or immediately on SetAlarm for ids marked with AutoFire.
type MockTimer struct {
	mu        sync.Mutex
	now       proto.Tick
	alarms    map[AlarmID]mockAlarm
	callbacks map[AlarmID]func()
	auto      map[AlarmID]bool
	armed     chan AlarmID
}

type mockAlarm struct {
	at, period proto.Tick
}

func NewMockTimer() *MockTimer {
	return &MockTimer{
		alarms:    make(map[AlarmID]mockAlarm),
		callbacks: make(map[AlarmID]func()),
		auto:      make(map[AlarmID]bool),
		armed:     make(chan AlarmID, 256),
	}
}

func (t *MockTimer) Now() proto.Tick {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now
}

func (t *MockTimer) SetNow(now proto.Tick) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func (t *MockTimer) Advance(d proto.Tick) {
	t.mu.Lock()
	t.now += d
	t.mu.Unlock()
}

func (t *MockTimer) SetAlarm(id AlarmID, at, period proto.Tick) {
	t.mu.Lock()
	t.alarms[id] = mockAlarm{at: at, period: period}
	auto := t.auto[id]
	cb := t.callbacks[id]
	t.mu.Unlock()

	select {
	case t.armed <- id:
	default:
	}
	if auto && cb != nil {
		cb()
	}
}

func (t *MockTimer) UnsetAlarm(id AlarmID) {
	t.mu.Lock()
	delete(t.alarms, id)
	t.mu.Unlock()
}

func (t *MockTimer) RegisterCallback(id AlarmID, cb func()) {
	t.mu.Lock()
	t.callbacks[id] = cb
	t.mu.Unlock()
}

// AutoFire makes every future SetAlarm for id fire at once.
func (t *MockTimer) AutoFire(id AlarmID) {
	t.mu.Lock()
	t.auto[id] = true
	t.mu.Unlock()
}

// Alarm reports the pending schedule of id.
func (t *MockTimer) Alarm(id AlarmID) (at, period proto.Tick, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.alarms[id]
	return a.at, a.period, ok
}

// Fire runs the callback of id as the alarm hardware would.
func (t *MockTimer) Fire(id AlarmID) {
	t.mu.Lock()
	cb := t.callbacks[id]
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// WaitArmed blocks until the code under test arms id.
func (t *MockTimer) WaitArmed(tb testing.TB, id AlarmID) {
	tb.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-t.armed:
			if got == id {
				return
			}
		case <-deadline:
			tb.Fatalf("alarm %v was never armed", id)
		}
	}
}

// MockDriver implements RadioDriver for testing. Every frame takes one tick
// per byte on air, and Tx advances the timer by that much.
type MockDriver struct {
	mutex     sync.Mutex
	timer     *MockTimer
	txLog     [][]byte
	txErr     error
	listenErr error
	listening bool
	handler   ReceiveFunc
	channel   uint8
}

func NewMockDriver(timer *MockTimer) *MockDriver {
	return &MockDriver{timer: timer, txLog: make([][]byte, 0)}
}

func (d *MockDriver) Configure(channel uint8, power int8) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.channel = channel
	return nil
}

func (d *MockDriver) Tx(data []byte) (proto.Tick, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.txErr != nil {
		return 0, d.txErr
	}

	// Make a copy to avoid data races
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	d.txLog = append(d.txLog, dataCopy)
	d.listening = false

	start := d.timer.Now()
	d.timer.Advance(d.TxDuration(len(data)))
	return start, nil
}

func (d *MockDriver) Listen() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.listenErr != nil {
		return d.listenErr
	}
	d.listening = true
	return nil
}

func (d *MockDriver) Idle() error {
	d.mutex.Lock()
	d.listening = false
	d.mutex.Unlock()
	return nil
}

func (d *MockDriver) SetReceiveHandler(fn ReceiveFunc) {
	d.mutex.Lock()
	d.handler = fn
	d.mutex.Unlock()
}

func (d *MockDriver) TxDuration(n int) proto.Tick { return proto.Tick(n) }

// Test helper methods
func (d *MockDriver) GetTxLog() [][]byte {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	// Return a copy to avoid data races
	result := make([][]byte, len(d.txLog))
	for i, data := range d.txLog {
		result[i] = make([]byte, len(data))
		copy(result[i], data)
	}
	return result
}

func (d *MockDriver) SetTxError(err error) {
	d.mutex.Lock()
	d.txErr = err
	d.mutex.Unlock()
}

func (d *MockDriver) SetListenError(err error) {
	d.mutex.Lock()
	d.listenErr = err
	d.mutex.Unlock()
}

func (d *MockDriver) Listening() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.listening
}

// InjectRx delivers data to the installed receive handler, stamped with the
// current timer value.
func (d *MockDriver) InjectRx(data []byte) {
	d.mutex.Lock()
	fn := d.handler
	d.mutex.Unlock()
	if fn != nil {
		fn(data, -40, d.timer.Now())
	}
}
