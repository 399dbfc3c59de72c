// Package metrics exposes MAC activity as Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler serving reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Frame receive results used as the "result" label.
const (
	ResultAccepted  = "accepted"
	ResultOutOfSlot = "out_of_slot"
	ResultForeign   = "foreign"
	ResultMalformed = "malformed"
)

// MAC holds the per-device MAC counters. Every method is safe on a nil
// receiver so roles can record unconditionally.
type MAC struct {
	BeaconsSent     *prometheus.CounterVec // labels: addr
	BeaconsReceived *prometheus.CounterVec // labels: addr
	BeaconsMissed   *prometheus.CounterVec // labels: addr
	FramesSent      *prometheus.CounterVec // labels: addr, kind=data|mgt
	FramesReceived  *prometheus.CounterVec // labels: addr, result
	Associations    *prometheus.CounterVec // labels: addr
	Dissociations   *prometheus.CounterVec // labels: addr
	LinkLost        *prometheus.CounterVec // labels: addr
	QueueRejected   *prometheus.CounterVec // labels: addr
	QueueDeferred   *prometheus.CounterVec // labels: addr
	EventsDiscarded *prometheus.CounterVec // labels: addr, reason=mismatch|overflow
	SlotsUsed       *prometheus.GaugeVec   // labels: addr
	QueueDepth      *prometheus.GaugeVec   // labels: addr
}

// NewMAC registers and returns the MAC metrics.
func NewMAC(reg prometheus.Registerer) *MAC {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tdma",
			Name:      name,
			Help:      help,
		}, append([]string{"addr"}, labels...))
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tdma",
			Name:      name,
			Help:      help,
		}, []string{"addr"})
	}

	m := &MAC{
		BeaconsSent:     counter("beacons_sent_total", "Beacons transmitted by a coordinator."),
		BeaconsReceived: counter("beacons_received_total", "Beacons accepted by a node."),
		BeaconsMissed:   counter("beacons_missed_total", "Beacon windows that closed without a beacon."),
		FramesSent:      counter("frames_sent_total", "Frames transmitted by a node.", "kind"),
		FramesReceived:  counter("frames_received_total", "Frames handled by a coordinator.", "result"),
		Associations:    counter("associations_total", "Completed associations."),
		Dissociations:   counter("dissociations_total", "Completed dissociations."),
		LinkLost:        counter("link_lost_total", "Associated nodes that lost beacon synchronisation."),
		QueueRejected:   counter("queue_rejected_total", "Sends rejected because the transmit queue was full."),
		QueueDeferred:   counter("queue_deferred_total", "Frames pushed back because the slot budget ran out."),
		EventsDiscarded: counter("events_discarded_total", "Events dropped by the event channel.", "reason"),
		SlotsUsed:       gauge("slots_used", "Slots currently assigned by a coordinator."),
		QueueDepth:      gauge("queue_depth", "Frames waiting in a node transmit queue."),
	}
	reg.MustRegister(m.BeaconsSent, m.BeaconsReceived, m.BeaconsMissed, m.FramesSent,
		m.FramesReceived, m.Associations, m.Dissociations, m.LinkLost, m.QueueRejected,
		m.QueueDeferred, m.EventsDiscarded, m.SlotsUsed, m.QueueDepth)
	return m
}

func (m *MAC) BeaconSent(addr fmt.Stringer) {
	if m != nil {
		m.BeaconsSent.WithLabelValues(addr.String()).Inc()
	}
}

func (m *MAC) BeaconReceived(addr fmt.Stringer) {
	if m != nil {
		m.BeaconsReceived.WithLabelValues(addr.String()).Inc()
	}
}

func (m *MAC) BeaconMissed(addr fmt.Stringer) {
	if m != nil {
		m.BeaconsMissed.WithLabelValues(addr.String()).Inc()
	}
}

func (m *MAC) FrameSent(addr fmt.Stringer, kind string) {
	if m != nil {
		m.FramesSent.WithLabelValues(addr.String(), kind).Inc()
	}
}

func (m *MAC) FrameReceived(addr fmt.Stringer, result string) {
	if m != nil {
		m.FramesReceived.WithLabelValues(addr.String(), result).Inc()
	}
}

func (m *MAC) Associated(addr fmt.Stringer) {
	if m != nil {
		m.Associations.WithLabelValues(addr.String()).Inc()
	}
}

func (m *MAC) Dissociated(addr fmt.Stringer) {
	if m != nil {
		m.Dissociations.WithLabelValues(addr.String()).Inc()
	}
}

func (m *MAC) Lost(addr fmt.Stringer) {
	if m != nil {
		m.LinkLost.WithLabelValues(addr.String()).Inc()
	}
}

func (m *MAC) Rejected(addr fmt.Stringer) {
	if m != nil {
		m.QueueRejected.WithLabelValues(addr.String()).Inc()
	}
}

func (m *MAC) Deferred(addr fmt.Stringer) {
	if m != nil {
		m.QueueDeferred.WithLabelValues(addr.String()).Inc()
	}
}

// EventDiscarded counts an event that arrived while the task waited for
// another kind.
func (m *MAC) EventDiscarded(addr fmt.Stringer) {
	if m != nil {
		m.EventsDiscarded.WithLabelValues(addr.String(), "mismatch").Inc()
	}
}

// EventDropped counts an event lost because the channel was full.
func (m *MAC) EventDropped(addr fmt.Stringer) {
	if m != nil {
		m.EventsDiscarded.WithLabelValues(addr.String(), "overflow").Inc()
	}
}

func (m *MAC) SetSlotsUsed(addr fmt.Stringer, n int) {
	if m != nil {
		m.SlotsUsed.WithLabelValues(addr.String()).Set(float64(n))
	}
}

func (m *MAC) SetQueueDepth(addr fmt.Stringer, n int) {
	if m != nil {
		m.QueueDepth.WithLabelValues(addr.String()).Set(float64(n))
	}
}
