package wsair

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ystepanoff/nrftdma/driver/stub"
	proto "github.com/ystepanoff/nrftdma/protocol"
	"github.com/ystepanoff/nrftdma/transport"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Radio {
	t.Helper()
	r, err := Dial(context.Background(), url, stub.NewClock(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

type inbox struct {
	mu     sync.Mutex
	frames [][]byte
}

func (in *inbox) handler(data []byte, _ int8, _ proto.Tick) {
	in.mu.Lock()
	in.frames = append(in.frames, data)
	in.mu.Unlock()
}

func (in *inbox) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.frames)
}

func TestHubRelaysToListeningRadios(t *testing.T) {
	hub, url := startHub(t)
	a, b, c := dial(t, url), dial(t, url), dial(t, url)
	require.Eventually(t, func() bool { return hub.Clients() == 3 }, time.Second, time.Millisecond)

	var gotA, gotB, gotC inbox
	a.SetReceiveHandler(gotA.handler)
	b.SetReceiveHandler(gotB.handler)
	c.SetReceiveHandler(gotC.handler)
	require.NoError(t, a.Listen())
	require.NoError(t, b.Listen())

	frame := []byte("over the air")
	begin := time.Now()
	_, err := a.Tx(frame)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(begin), proto.AirTime(len(frame)), "Tx returns once the frame is sent")

	require.Eventually(t, func() bool { return gotB.len() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, gotA.len(), "no echo to the sender")
	assert.Zero(t, gotC.len(), "idle radio hears nothing")

	gotB.mu.Lock()
	assert.Equal(t, []byte("over the air"), gotB.frames[0])
	gotB.mu.Unlock()
}

func TestRadioChannelFilter(t *testing.T) {
	_, url := startHub(t)
	a, b := dial(t, url), dial(t, url)
	var got inbox
	b.SetReceiveHandler(got.handler)
	require.NoError(t, b.Configure(20, 0))
	require.NoError(t, b.Listen())

	_, err := a.Tx([]byte("ch4"))
	require.NoError(t, err)
	require.NoError(t, a.Configure(20, 0))
	_, err = a.Tx([]byte("ch20"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, time.Millisecond)
	got.mu.Lock()
	assert.Equal(t, []byte("ch20"), got.frames[0])
	got.mu.Unlock()

	assert.ErrorIs(t, a.Configure(proto.MaxChannel+1, 0), proto.ErrInvalidChannel)
}

func TestDialRejectsScheme(t *testing.T) {
	_, err := Dial(context.Background(), "http://localhost:1/air", stub.NewClock(0))
	assert.Error(t, err)
}

func TestHubForgetsClosedRadios(t *testing.T) {
	hub, url := startHub(t)
	r, err := Dial(context.Background(), url, stub.NewClock(0))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, r.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, time.Millisecond)
	_, err = r.Tx([]byte{1, 2})
	assert.ErrorIs(t, err, proto.ErrRadioClosed)
}

func TestNetworkOverHub(t *testing.T) {
	_, url := startHub(t)
	cfg := transport.DefaultConfig()
	cfg.SlotCount = 2
	cfg.SlotTime = proto.MsToTicks(40)
	cfg.Guard = proto.MsToTicks(10)
	cfg.SlotGuard = proto.MsToTicks(4)
	cfg.AssociateBackoffMax = 1

	coordClock, nodeClock := stub.NewClock(0), stub.NewClock(777)
	defer coordClock.Close()
	defer nodeClock.Close()
	coordRadio, err := Dial(context.Background(), url, coordClock)
	require.NoError(t, err)
	defer coordRadio.Close()
	nodeRadio, err := Dial(context.Background(), url, nodeClock)
	require.NoError(t, err)
	defer nodeRadio.Close()

	coord, err := transport.NewCoordinatorWithDriver(0x0001, cfg, coordRadio, coordClock)
	require.NoError(t, err)
	node, err := transport.NewNodeWithDriver(0x0102, cfg, nodeRadio, nodeClock)
	require.NoError(t, err)

	received := make(chan []byte, 1)
	coord.SetHandlers(transport.CoordinatorHandlers{
		OnDataReceived: func(_ proto.NodeAddress, data []byte) {
			select {
			case received <- data:
			default:
			}
		},
	})
	assigned := make(chan uint8, 1)
	node.SetHandlers(transport.NodeHandlers{OnAssociated: func(slot uint8) { assigned <- slot }})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = coord.Run(ctx) }()
	go func() { defer wg.Done(); _ = node.Run(ctx) }()
	defer func() { cancel(); wg.Wait() }()

	node.Associate()
	select {
	case <-assigned:
	case <-time.After(3 * time.Second):
		t.Fatal("node never associated over the hub")
	}
	require.NoError(t, node.Send([]byte("via hub")))
	select {
	case data := <-received:
		assert.Equal(t, []byte("via hub"), data)
	case <-time.After(time.Second):
		t.Fatal("data never reached the coordinator")
	}
}
