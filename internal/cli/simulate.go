package cli

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ystepanoff/nrftdma/driver/stub"
	"github.com/ystepanoff/nrftdma/metrics"
	proto "github.com/ystepanoff/nrftdma/protocol"
	"github.com/ystepanoff/nrftdma/transport"
)

var (
	simNodes    int
	simDuration time.Duration
	simLoss     float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a coordinator and nodes in one process",
	Long: `Run one coordinator and --nodes nodes over a simulated shared air.

Every node joins, then sends a CBOR reading every sim.sendInterval; the
coordinator acknowledges each reading in the next beacon. Each device gets its
own clock with a random offset, so nodes only agree with the coordinator
through its beacons.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().IntVarP(&simNodes, "nodes", "n", 0, "Number of nodes (default from config)")
	simulateCmd.Flags().DurationVarP(&simDuration, "duration", "d", 0, "How long to run (default from config)")
	simulateCmd.Flags().Float64Var(&simLoss, "loss", -1, "Frame loss ratio 0..1 (default from config)")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	sim := cfg.Sim
	if cmd.Flags().Changed("nodes") {
		sim.Nodes = simNodes
	}
	if cmd.Flags().Changed("duration") {
		sim.Duration = simDuration
	}
	if cmd.Flags().Changed("loss") {
		sim.Loss = simLoss
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, sim.Duration)
	defer cancel()

	reg := metrics.NewRegistry()
	if cfg.Metrics.Enable {
		go serveMetrics(ctx, cfg.Metrics, reg, logger)
	}

	s := simulation{
		mac:          cfg.MAC.Transport(),
		nodes:        sim.Nodes,
		loss:         sim.Loss,
		sendInterval: sim.SendInterval,
		maxSkew:      proto.Tick(sim.MaxSkewTicks),
		reg:          reg,
		log:          logger,
	}
	st, err := s.run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("\nSimulation summary (%d nodes, %v)\n", sim.Nodes, sim.Duration)
	fmt.Printf("  associations:      %d\n", st.associations.Load())
	fmt.Printf("  readings sent:     %d\n", st.readingsSent.Load())
	fmt.Printf("  readings received: %d\n", st.readingsRcvd.Load())
	fmt.Printf("  acks received:     %d\n", st.acksRcvd.Load())
	fmt.Printf("  link losses:       %d\n", st.linkLost.Load())
	return nil
}

// simulation wires one coordinator and a set of nodes to a stub medium.
type simulation struct {
	mac          transport.Config
	nodes        int
	loss         float64
	sendInterval time.Duration
	maxSkew      proto.Tick
	reg          prometheus.Registerer
	log          *zap.Logger
}

const simCoordinator proto.NodeAddress = 0x0001

// run blocks until ctx is done and returns the traffic counters.
func (s simulation) run(ctx context.Context) (*stats, error) {
	if s.nodes < 1 || s.nodes > s.mac.SlotCount {
		return nil, fmt.Errorf("node count %d must be within 1..%d slots", s.nodes, s.mac.SlotCount)
	}
	var mediumOpts []stub.MediumOption
	if s.loss > 0 {
		mediumOpts = append(mediumOpts, stub.WithLoss(s.loss))
	}
	medium := stub.NewMedium(mediumOpts...)
	m := metrics.NewMAC(s.reg)
	st := &stats{}
	skew := func() proto.Tick {
		if s.maxSkew <= 0 {
			return 0
		}
		return proto.Tick(rand.Int63n(int64(s.maxSkew)))
	}

	var wg sync.WaitGroup
	var clocks []*stub.Clock
	defer func() {
		for _, c := range clocks {
			c.Close()
		}
	}()

	coordClock := stub.NewClock(skew())
	clocks = append(clocks, coordClock)
	coord, err := transport.NewCoordinatorWithDriver(simCoordinator, s.mac, medium.NewRadio(coordClock), coordClock,
		transport.WithLogger(s.log), transport.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	coordinatorApp(coord, s.log, st)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("coordinator stopped", zap.Error(err))
		}
	}()

	for i := 0; i < s.nodes; i++ {
		addr := proto.NodeAddress(0x0100 + i)
		clock := stub.NewClock(skew())
		clocks = append(clocks, clock)
		node, err := transport.NewNodeWithDriver(addr, s.mac, medium.NewRadio(clock), clock,
			transport.WithLogger(s.log), transport.WithMetrics(m))
		if err != nil {
			return nil, err
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := node.Run(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("node stopped", zap.Stringer("node", addr), zap.Error(err))
			}
		}()
		go func() {
			defer wg.Done()
			nodeApp(ctx, node, s.sendInterval, s.log, st)
		}()
	}

	wg.Wait()
	return st, nil
}
