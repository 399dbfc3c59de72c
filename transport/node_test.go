package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proto "github.com/ystepanoff/nrftdma/protocol"
)

const (
	testCoord proto.NodeAddress = 0x0001
	testNode  proto.NodeAddress = 0x0042
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SlotCount = 3
	cfg.SlotTime = 100
	cfg.Guard = 10
	cfg.SlotGuard = 2
	cfg.InterpacketGuard = 5
	cfg.BeaconLossMax = 3
	cfg.AssociateBackoffMax = 1
	return cfg
}

func newTestNode(t *testing.T) (*Node, *MockDriver, *MockTimer) {
	t.Helper()
	timer := NewMockTimer()
	driver := NewMockDriver(timer)
	n, err := NewNodeWithDriver(testNode, testConfig(), driver, timer)
	require.NoError(t, err)
	return n, driver, timer
}

func beaconFrame(t *testing.T, coord proto.NodeAddress, recs ...proto.Record) []byte {
	t.Helper()
	bb := proto.NewBeaconBuilder(coord)
	for _, r := range recs {
		require.NoError(t, bb.Append(r.Dest, r.Type, r.Payload))
	}
	return bb.Encode()
}

func decodedBeacon(t *testing.T, coord proto.NodeAddress, recs ...proto.Record) *proto.Beacon {
	t.Helper()
	b, err := proto.DecodeBeacon(beaconFrame(t, coord, recs...))
	require.NoError(t, err)
	return b
}

func TestSlotBudget(t *testing.T) {
	tests := []struct {
		name string
		now  proto.Tick
		want proto.Tick
	}{
		{"fits", 260, 5},
		{"one tick late", 266, -1},
		{"slot start", 200, 65},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SlotBudget(0, 2, 100, 30, 5, tt.now))
		})
	}
}

func TestNewNodeRejectsReservedAddress(t *testing.T) {
	timer := NewMockTimer()
	_, err := NewNodeWithDriver(proto.AddressBroadcast, testConfig(), NewMockDriver(timer), timer)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.SlotCount = 0
	_, err = NewNodeWithDriver(testNode, cfg, NewMockDriver(timer), timer)
	assert.Error(t, err)
}

func TestNodeSendValidation(t *testing.T) {
	n, _, _ := newTestNode(t)

	assert.ErrorIs(t, n.Send([]byte("hi")), proto.ErrNotAssociated)
	assert.ErrorIs(t, n.Send(make([]byte, proto.MaxPacketLength+1)), proto.ErrPayloadTooLarge)

	n.setState(StateAssociated)
	for i := 0; i < n.cfg.TxQueueLength; i++ {
		require.NoError(t, n.Send([]byte{byte(i)}))
	}
	assert.ErrorIs(t, n.Send([]byte("x")), proto.ErrQueueFull)
	assert.Equal(t, n.cfg.TxQueueLength, n.QueueLen())
}

func TestNodeAssociateOnlyFromIdle(t *testing.T) {
	n, _, _ := newTestNode(t)
	n.Associate()
	assert.Len(t, n.events.ch, 1)

	n.setState(StateAssociating)
	n.Associate()
	assert.Len(t, n.events.ch, 1)
}

func TestNodeDisassociateRequiresAssociation(t *testing.T) {
	n, _, _ := newTestNode(t)
	assert.ErrorIs(t, n.Disassociate(), proto.ErrNotAssociated)

	n.setState(StateAssociated)
	require.NoError(t, n.Disassociate())
	assert.True(t, n.leave.Load())
}

func TestNodeAppliesBeaconRecords(t *testing.T) {
	n, _, timer := newTestNode(t)
	require.NoError(t, n.initialise())

	var slots []uint8
	var downlink [][]byte
	var left int
	n.SetHandlers(NodeHandlers{
		OnAssociated:    func(slot uint8) { slots = append(slots, slot) },
		OnDownlink:      func(data []byte) { downlink = append(downlink, data) },
		OnDisassociated: func() { left++ },
	})
	n.setState(StateAssociating)

	b := decodedBeacon(t, testCoord,
		proto.Record{Dest: 0x0043, Type: proto.MgtAssociate, Payload: []byte{1}},
		proto.Record{Dest: testNode, Type: proto.MgtAssociate, Payload: []byte{2}},
		proto.Record{Dest: testNode, Type: proto.MgtData, Payload: []byte("hey")},
	)
	require.True(t, n.acceptBeacon(Event{Kind: EventRx, Beacon: b, Timestamp: 1000}))

	assert.Equal(t, StateAssociated, n.State())
	assert.Equal(t, uint8(2), n.Slot())
	assert.Equal(t, testCoord, n.Coordinator())
	assert.Equal(t, []uint8{2}, slots)
	assert.Equal(t, [][]byte{[]byte("hey")}, downlink)

	at, period, ok := timer.Alarm(AlarmBeacon)
	require.True(t, ok)
	assert.Equal(t, proto.Tick(1000-10+400), at)
	assert.Equal(t, proto.Tick(400), period)

	// Beacons from another coordinator are not a timing reference.
	foreign := decodedBeacon(t, 0x0009, proto.Record{Dest: testNode, Type: proto.MgtAssociate, Payload: []byte{3}})
	assert.False(t, n.acceptBeacon(Event{Kind: EventRx, Beacon: foreign, Timestamp: 1400}))
	assert.Equal(t, uint8(2), n.Slot())

	// A repeated assignment is not a new association.
	again := decodedBeacon(t, testCoord, proto.Record{Dest: testNode, Type: proto.MgtAssociate, Payload: []byte{2}})
	require.True(t, n.acceptBeacon(Event{Kind: EventRx, Beacon: again, Timestamp: 1400}))
	assert.Equal(t, []uint8{2}, slots)

	n.setState(StateAssociated)
	require.NoError(t, n.Send([]byte("pending")))
	bye := decodedBeacon(t, testCoord, proto.Record{Dest: testNode, Type: proto.MgtDissociate})
	require.True(t, n.acceptBeacon(Event{Kind: EventRx, Beacon: bye, Timestamp: 1800}))

	assert.Equal(t, StateIdle, n.State())
	assert.Zero(t, n.Slot())
	assert.Zero(t, n.QueueLen())
	assert.Equal(t, 1, left)
	_, _, ok = timer.Alarm(AlarmBeacon)
	assert.False(t, ok)
}

func TestNodeReceiveHandlerPostsOnlyBeacons(t *testing.T) {
	n, driver, _ := newTestNode(t)
	require.NoError(t, n.initialise())

	data, err := proto.EncodeData(testCoord, testNode, []byte("x"))
	require.NoError(t, err)
	driver.InjectRx(data)
	driver.InjectRx([]byte{0xde, 0xad})
	driver.InjectRx(proto.EncodeMgt(testCoord, testNode, proto.MgtAssociate))
	assert.Empty(t, n.events.ch)

	driver.InjectRx(beaconFrame(t, testCoord))
	require.Len(t, n.events.ch, 1)
	ev := <-n.events.ch
	assert.Equal(t, EventRx, ev.Kind)
	assert.Equal(t, testCoord, ev.Beacon.Src)
}

func TestNodeDrainRespectsSlotBudget(t *testing.T) {
	n, driver, timer := newTestNode(t)
	require.NoError(t, n.initialise())
	timer.AutoFire(AlarmTimeout)
	n.setState(StateAssociated)
	n.beaconTime = 0

	// 25 payload bytes make a 30 byte frame, which the mock sends in 30 ticks.
	for i := 0; i < 4; i++ {
		require.NoError(t, n.Send(make([]byte, 25)))
	}
	timer.SetNow(200)
	require.NoError(t, n.drain(context.Background(), 2))

	// Sent at 200, 230 and 260; at 290 the budget is negative.
	assert.Len(t, driver.GetTxLog(), 3)
	assert.Equal(t, 1, n.QueueLen())

	timer.SetNow(266)
	require.NoError(t, n.drain(context.Background(), 2))
	assert.Len(t, driver.GetTxLog(), 3)
	assert.Equal(t, 1, n.QueueLen(), "late frame stays at the head of the queue")
}

func TestNodeDrainLastSlotKeepsClearOfBeaconWakeup(t *testing.T) {
	n, driver, timer := newTestNode(t)
	require.NoError(t, n.initialise())
	timer.AutoFire(AlarmTimeout)
	n.setState(StateAssociated)
	n.beaconTime = 0
	require.NoError(t, n.Send([]byte("hi")))

	// A 7 tick frame at 380 would end before the slot does, but the beacon
	// alarm opens at 400-Guard=390.
	timer.SetNow(380)
	require.NoError(t, n.drain(context.Background(), n.cfg.SlotCount))
	assert.Empty(t, driver.GetTxLog())
	assert.Equal(t, 1, n.QueueLen())

	// The same frame at the same offset fits in an earlier slot.
	timer.SetNow(280)
	require.NoError(t, n.drain(context.Background(), n.cfg.SlotCount-1))
	assert.Len(t, driver.GetTxLog(), 1)

	// Early in the last slot there is room.
	require.NoError(t, n.Send([]byte("hi")))
	timer.SetNow(302)
	require.NoError(t, n.drain(context.Background(), n.cfg.SlotCount))
	assert.Len(t, driver.GetTxLog(), 2)
	assert.Less(t, timer.Now()+n.cfg.InterpacketGuard, 400-n.cfg.Guard)
}

func TestNodeDrainRequeuesOnRadioError(t *testing.T) {
	n, driver, timer := newTestNode(t)
	require.NoError(t, n.initialise())
	n.setState(StateAssociated)
	require.NoError(t, n.Send([]byte("a")))
	require.NoError(t, n.Send([]byte("b")))

	driver.SetTxError(proto.ErrRadioClosed)
	timer.SetNow(100)
	require.NoError(t, n.drain(context.Background(), 1))
	assert.Equal(t, 2, n.QueueLen())

	f, _ := n.queue.pop()
	df, err := proto.DecodeData(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), df.Payload)
}

func TestNodeBeaconLossThreshold(t *testing.T) {
	n, driver, timer := newTestNode(t)
	require.NoError(t, n.initialise())

	var lost atomic.Int32
	n.SetHandlers(NodeHandlers{OnLinkLost: func() { lost.Add(1) }})
	n.coord.Store(uint32(testCoord))
	n.slot.Store(1)
	n.setState(StateAssociated)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	for i := 0; i < n.cfg.BeaconLossMax; i++ {
		timer.Fire(AlarmBeacon)
		timer.WaitArmed(t, AlarmTimeout)
		timer.Fire(AlarmTimeout)
	}

	require.Eventually(t, func() bool {
		return n.State() == StateBeaconSearch && driver.Listening()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), lost.Load())
	assert.Equal(t, proto.AddressNone, n.Coordinator())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestNodeAssociatingBeaconLossReturnsToSearch(t *testing.T) {
	n, driver, timer := newTestNode(t)
	require.NoError(t, n.initialise())

	var lost atomic.Int32
	n.SetHandlers(NodeHandlers{OnLinkLost: func() { lost.Add(1) }})
	n.coord.Store(uint32(testCoord))
	n.setState(StateAssociating)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	for i := 0; i < n.cfg.BeaconLossMax; i++ {
		timer.Fire(AlarmBeacon)
		timer.WaitArmed(t, AlarmTimeout)
		timer.Fire(AlarmTimeout)
	}

	require.Eventually(t, func() bool {
		return n.State() == StateBeaconSearch && driver.Listening()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, lost.Load())
	assert.Equal(t, proto.AddressNone, n.Coordinator())
	_, _, armed := timer.Alarm(AlarmBeacon)
	assert.False(t, armed)
	assert.Empty(t, driver.GetTxLog())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestNodeRepeatsDissociateUntilConfirmed(t *testing.T) {
	n, driver, timer := newTestNode(t)
	require.NoError(t, n.initialise())

	left := make(chan struct{}, 1)
	n.SetHandlers(NodeHandlers{OnDisassociated: func() { left <- struct{}{} }})
	n.coord.Store(uint32(testCoord))
	n.slot.Store(1)
	n.setState(StateAssociated)
	require.NoError(t, n.Disassociate())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	period := n.cfg.BeaconPeriod()
	beacon := func(k int, recs ...proto.Record) {
		timer.Fire(AlarmBeacon)
		timer.WaitArmed(t, AlarmTimeout)
		timer.SetNow(proto.Tick(k) * period)
		driver.InjectRx(beaconFrame(t, testCoord, recs...))
	}

	// The first request is lost: the next beacon carries no confirmation.
	for k := 1; k <= 2; k++ {
		beacon(k)
		timer.WaitArmed(t, AlarmSlot)
		timer.Fire(AlarmSlot)
		require.Eventually(t, func() bool { return len(driver.GetTxLog()) == k }, time.Second, time.Millisecond)
		m, err := proto.DecodeMgt(driver.GetTxLog()[k-1])
		require.NoError(t, err)
		assert.Equal(t, byte(proto.MgtDissociate), m.Command)
		assert.Equal(t, StateAssociated, n.State())
	}

	beacon(3, proto.Record{Dest: testNode, Type: proto.MgtDissociate})
	select {
	case <-left:
	case <-time.After(time.Second):
		t.Fatal("no disassociation notification")
	}
	require.Eventually(t, func() bool { return n.State() == StateIdle }, time.Second, time.Millisecond)
	assert.False(t, n.leave.Load())
	assert.Len(t, driver.GetTxLog(), 2)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestNodePausesWhenListenFails(t *testing.T) {
	n, driver, timer := newTestNode(t)
	driver.SetListenError(errors.New("rf busy"))
	timer.SetNow(500)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	n.Associate()
	go func() { done <- n.Run(ctx) }()

	timer.WaitArmed(t, AlarmTimeout)
	require.Eventually(t, func() bool { return n.State() == StateWaiting }, time.Second, time.Millisecond)
	at, period, ok := timer.Alarm(AlarmTimeout)
	require.True(t, ok)
	assert.Equal(t, 500+n.cfg.BeaconPeriod(), at)
	assert.Zero(t, period)

	driver.SetListenError(nil)
	timer.Fire(AlarmTimeout)
	require.Eventually(t, func() bool {
		return n.State() == StateBeaconSearch && driver.Listening()
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestNodeLifecycle(t *testing.T) {
	n, driver, timer := newTestNode(t)
	require.NoError(t, n.initialise())

	var mu sync.Mutex
	var assigned []uint8
	var beacons int
	left := make(chan struct{}, 1)
	n.SetHandlers(NodeHandlers{
		OnAssociated:    func(slot uint8) { mu.Lock(); assigned = append(assigned, slot); mu.Unlock() },
		OnBeacon:        func(byte, proto.Tick) { mu.Lock(); beacons++; mu.Unlock() },
		OnDisassociated: func() { left <- struct{}{} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	n.Associate()
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, func() bool { return n.State() == StateBeaconSearch }, time.Second, time.Millisecond)

	period := n.cfg.BeaconPeriod()
	beaconAt := func(k int) proto.Tick { return 1000 + proto.Tick(k)*period }
	lastTx := func() []byte {
		log := driver.GetTxLog()
		require.NotEmpty(t, log)
		return log[len(log)-1]
	}
	nextBeacon := func(k int, recs ...proto.Record) {
		timer.Fire(AlarmBeacon)
		timer.WaitArmed(t, AlarmTimeout)
		timer.SetNow(beaconAt(k))
		driver.InjectRx(beaconFrame(t, testCoord, recs...))
	}

	// First beacon found during the search.
	timer.SetNow(beaconAt(0))
	driver.InjectRx(beaconFrame(t, testCoord))
	require.Eventually(t, func() bool { return n.State() == StateAssociating }, time.Second, time.Millisecond)
	assert.Equal(t, testCoord, n.Coordinator())

	// Backoff of two beacons with a maximum of one, then the attach request
	// goes out in the contention slot.
	nextBeacon(1)
	nextBeacon(2)
	timer.WaitArmed(t, AlarmSlot)
	at, _, _ := timer.Alarm(AlarmSlot)
	assert.Equal(t, beaconAt(2)+3*100+2, at)
	timer.SetNow(at)
	timer.Fire(AlarmSlot)
	require.Eventually(t, func() bool { return len(driver.GetTxLog()) == 1 }, time.Second, time.Millisecond)
	attach, err := proto.DecodeMgt(lastTx())
	require.NoError(t, err)
	assert.Equal(t, byte(proto.MgtAssociate), attach.Command)
	assert.Equal(t, testCoord, attach.Dst)
	assert.Equal(t, testNode, attach.Src)

	// Assignment arrives in the next beacon.
	nextBeacon(3, proto.Record{Dest: testNode, Type: proto.MgtAssociate, Payload: []byte{1}})
	require.Eventually(t, func() bool { return n.State() == StateAssociated }, time.Second, time.Millisecond)
	assert.Equal(t, uint8(1), n.Slot())

	// Uplink data in the assigned slot.
	require.NoError(t, n.Send([]byte("hi")))
	nextBeacon(4)
	timer.WaitArmed(t, AlarmSlot)
	at, _, _ = timer.Alarm(AlarmSlot)
	assert.Equal(t, beaconAt(4)+100+2, at)
	timer.SetNow(at)
	timer.Fire(AlarmSlot)
	timer.WaitArmed(t, AlarmTimeout)
	timer.Fire(AlarmTimeout)
	df, err := proto.DecodeData(lastTx())
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), df.Payload)
	assert.Equal(t, testCoord, df.Dst)

	// Leaving: the request goes out in our slot, the confirmation idles us.
	require.NoError(t, n.Disassociate())
	nextBeacon(5)
	timer.WaitArmed(t, AlarmSlot)
	timer.Fire(AlarmSlot)
	require.Eventually(t, func() bool { return len(driver.GetTxLog()) == 3 }, time.Second, time.Millisecond)
	leave, err := proto.DecodeMgt(lastTx())
	require.NoError(t, err)
	assert.Equal(t, byte(proto.MgtDissociate), leave.Command)

	nextBeacon(6, proto.Record{Dest: testNode, Type: proto.MgtDissociate})
	select {
	case <-left:
	case <-time.After(time.Second):
		t.Fatal("no disassociation notification")
	}
	require.Eventually(t, func() bool { return n.State() == StateIdle }, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []uint8{1}, assigned)
	assert.Equal(t, 7, beacons)
	mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
