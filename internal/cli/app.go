package cli

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ystepanoff/nrftdma/internal/appdata"
	proto "github.com/ystepanoff/nrftdma/protocol"
	"github.com/ystepanoff/nrftdma/transport"
)

// stats counts application-level traffic for the end-of-run summary.
type stats struct {
	associations atomic.Int64
	readingsSent atomic.Int64
	readingsRcvd atomic.Int64
	acksRcvd     atomic.Int64
	linkLost     atomic.Int64
}

// coordinatorApp logs the network and acknowledges every reading with a
// downlink record.
func coordinatorApp(c *transport.Coordinator, log *zap.Logger, st *stats) {
	c.SetHandlers(transport.CoordinatorHandlers{
		OnNodeAssociated: func(addr proto.NodeAddress, slot uint8) {
			log.Info("node joined", zap.Stringer("node", addr), zap.Uint8("slot", slot))
		},
		OnNodeDissociated: func(addr proto.NodeAddress) {
			log.Info("node left", zap.Stringer("node", addr))
		},
		OnDataReceived: func(addr proto.NodeAddress, data []byte) {
			typ, v, err := appdata.Decode(data)
			if err != nil || typ != appdata.MsgReading {
				log.Debug("unexpected uplink", zap.Stringer("node", addr), zap.Error(err))
				return
			}
			r := v.(*appdata.Reading)
			st.readingsRcvd.Add(1)
			log.Info("reading",
				zap.Stringer("node", addr),
				zap.Uint32("seq", r.Seq),
				zap.Float64("temp_c", float64(r.Temperature)/100),
				zap.Uint16("battery_mv", r.BatteryMV))

			ack, err := appdata.EncodeAck(appdata.Ack{Seq: r.Seq})
			if err != nil {
				return
			}
			if err := c.SendTo(addr, ack); err != nil {
				log.Debug("ack not queued", zap.Stringer("node", addr), zap.Error(err))
			}
		},
	})
}

// nodeApp joins the network and sends a reading every interval while
// associated.
func nodeApp(ctx context.Context, n *transport.Node, interval time.Duration, log *zap.Logger, st *stats) {
	log = log.With(zap.Stringer("node", n.Address()))
	n.SetHandlers(transport.NodeHandlers{
		OnAssociated: func(slot uint8) {
			st.associations.Add(1)
			log.Info("joined", zap.Uint8("slot", slot), zap.Stringer("coord", n.Coordinator()))
		},
		OnLinkLost: func() {
			st.linkLost.Add(1)
			log.Warn("link lost, searching")
		},
		OnDisassociated: func() { log.Info("left network") },
		OnDownlink: func(data []byte) {
			typ, v, err := appdata.Decode(data)
			if err != nil || typ != appdata.MsgAck {
				return
			}
			st.acksRcvd.Add(1)
			log.Debug("ack", zap.Uint32("seq", v.(*appdata.Ack).Seq))
		},
	})
	n.Associate()

	start := time.Now()
	lim := rate.NewLimiter(rate.Every(interval), 1)
	var seq uint32
	for {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		if n.State() != transport.StateAssociated {
			continue
		}
		seq++
		data, err := appdata.EncodeReading(appdata.Reading{
			Seq:         seq,
			Temperature: int16(2000 + int(n.Address())%500),
			BatteryMV:   3300 - uint16(seq%300),
			UptimeSec:   uint32(time.Since(start) / time.Second),
		})
		if err != nil {
			log.Warn("encode reading", zap.Error(err))
			continue
		}
		switch err := n.Send(data); {
		case err == nil:
			st.readingsSent.Add(1)
		case errors.Is(err, proto.ErrQueueFull), errors.Is(err, proto.ErrNotAssociated):
			log.Debug("reading dropped", zap.Error(err))
		default:
			log.Warn("send failed", zap.Error(err))
		}
	}
}
