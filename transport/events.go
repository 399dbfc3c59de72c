package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/ystepanoff/nrftdma/metrics"
	proto "github.com/ystepanoff/nrftdma/protocol"
)

// EventKind tags an event on a role's event channel. Kinds are bits so a
// wait can name a set of them.
type EventKind uint16

const (
	EventTimeout      EventKind = 0x01
	EventRx           EventKind = 0x02
	EventAssociateReq EventKind = 0x04
	EventBeaconTime   EventKind = 0x10
	EventSlotTime     EventKind = 0x20
)

func (k EventKind) String() string {
	switch k {
	case EventTimeout:
		return "timeout"
	case EventRx:
		return "rx"
	case EventAssociateReq:
		return "associate"
	case EventBeaconTime:
		return "beacon_time"
	case EventSlotTime:
		return "slot_time"
	}
	return "unknown"
}

// Event is one entry of the event channel. Beacon and Timestamp are set for
// EventRx only.
type Event struct {
	Kind      EventKind
	Beacon    *proto.Beacon
	RSSI      int8
	Timestamp proto.Tick
}

// eventQueue is the bounded channel between interrupt-context producers
// (alarm callbacks, receive handler) and the single role task.
type eventQueue struct {
	ch      chan Event
	log     *zap.Logger
	metrics *metrics.MAC
	addr    proto.NodeAddress
}

func newEventQueue(depth int, addr proto.NodeAddress, log *zap.Logger, m *metrics.MAC) *eventQueue {
	return &eventQueue{ch: make(chan Event, depth), log: log, metrics: m, addr: addr}
}

// post never blocks; an event that does not fit is dropped.
func (q *eventQueue) post(ev Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		q.metrics.EventDropped(q.addr)
		return false
	}
}

// blockUntil suspends the task until an event whose kind is in mask arrives.
// Events outside mask are discarded, not requeued: stale alarms and frames
// must not pile up across state changes.
func (q *eventQueue) blockUntil(ctx context.Context, mask EventKind) (Event, error) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case ev := <-q.ch:
			if ev.Kind&mask == ev.Kind {
				return ev, nil
			}
			q.metrics.EventDiscarded(q.addr)
			q.log.Debug("discarded event",
				zap.Stringer("event", ev.Kind),
				zap.Uint16("mask", uint16(mask)))
		}
	}
}
