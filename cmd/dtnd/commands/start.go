package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dtn-project/dtnd/internal/admission"
	"github.com/dtn-project/dtnd/internal/allocator"
	"github.com/dtn-project/dtnd/internal/bundle"
	"github.com/dtn-project/dtnd/internal/bus"
	"github.com/dtn-project/dtnd/internal/catalog"
	"github.com/dtn-project/dtnd/internal/contact"
	"github.com/dtn-project/dtnd/internal/custody"
	"github.com/dtn-project/dtnd/internal/diskpool"
	"github.com/dtn-project/dtnd/internal/egress"
	"github.com/dtn-project/dtnd/internal/logger"
	"github.com/dtn-project/dtnd/internal/storage"
	"github.com/dtn-project/dtnd/pkg/config"
	"github.com/dtn-project/dtnd/pkg/metrics"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the dtnd node",
	Long: `Start the dtnd node with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/dtnd/config.yaml.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		startMetricsServer(cfg.Metrics.Port)
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("metrics disabled")
	}
	nodeMetrics := metrics.NewNodeMetrics()

	node := bundle.EID{Node: cfg.Node.LocalNode, Service: cfg.Node.LocalService}
	logger.Info("node identity", logger.FinalDest(node.String()))

	alloc := allocator.New(cfg.Storage.MaxSegments())

	pool, err := diskpool.New(diskpool.Config{
		NumWorkers:  numWorkers(cfg),
		SegmentSize: cfg.Storage.SegmentSizeBytes,
		MaxSegments: cfg.Storage.MaxSegments(),
		Dir:         cfg.Storage.Disks[0].Path,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize disk writer pool: %w", err)
	}

	cat := catalog.New()
	mgr := storage.New(alloc, pool, cat)

	stats, err := mgr.RestartScan()
	if err != nil {
		return fmt.Errorf("failed to scan backing storage on restart: %w", err)
	}
	logger.Info("restart scan complete",
		logger.Count(int(stats.BundlesRestored)),
		logger.OrphanCount(int(stats.OrphanSegmentsFreed)),
		logger.FreeCount(alloc.FreeCount()))

	engine, custodyStore, err := newCustodyEngine(cfg, cat)
	if err != nil {
		return err
	}
	if custodyStore != nil {
		defer custodyStore.Close()
	}

	busConn, err := bus.Connect(cfg.Bus.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to message bus: %w", err)
	}
	defer busConn.Close()

	available := contact.NewController()
	if err := available.Subscribe(busConn); err != nil {
		return fmt.Errorf("failed to subscribe to contact events: %w", err)
	}

	outducts := make(map[bundle.EID]egress.Outduct, len(cfg.Egress.Destinations))
	natsOutduct := egress.NewNATSOutduct(busConn)
	for _, d := range cfg.Egress.Destinations {
		outducts[bundle.EID{Node: d.Node, Service: d.Service}] = natsOutduct
	}

	onSuccess := func(custodyID uint64, dest bundle.EID) {
		if nodeMetrics != nil {
			nodeMetrics.IncDispatch(dest.String(), "ok")
		}
	}
	dispatcher := egress.New(mgr, available.Available, busConn, outducts, onSuccess)
	if err := dispatcher.Subscribe(busConn); err != nil {
		return fmt.Errorf("failed to subscribe to route updates: %w", err)
	}
	go dispatcher.Run(ctx, available.ReleaseSignal(), cfg.Egress.PollInterval)
	defer dispatcher.Stop()

	go mgr.RunExpirySweep(ctx)

	admitter := newAdmitter(cfg, node, available.Available, mgr, engine, outducts, nodeMetrics)
	if err := subscribeIngress(busConn, admitter, nodeMetrics); err != nil {
		return fmt.Errorf("failed to subscribe to ingress subject: %w", err)
	}
	if err := subscribeAcks(busConn, admitter); err != nil {
		return fmt.Errorf("failed to subscribe to ack subjects: %w", err)
	}

	logger.Info("dtnd node is running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()
	case <-ctx.Done():
	}

	return nil
}

// startMetricsServer runs the Prometheus /metrics HTTP endpoint in the
// background. A listen failure is logged, not fatal: metrics are an
// ambient concern the node's primary job doesn't depend on.
func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	addr := fmt.Sprintf(":%d", port)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", logger.Err(err))
		}
	}()
}

func numWorkers(cfg *config.Config) int {
	if cfg.Storage.NumStorageThreads > 0 {
		return cfg.Storage.NumStorageThreads
	}
	return len(cfg.Storage.Disks)
}

// newCustodyEngine constructs the custody Engine, persisting the id
// allocator's block cursor and free-list to badger when custody.db_dir is
// configured.
func newCustodyEngine(cfg *config.Config, cat *catalog.Catalog) (*custody.Engine, *custody.Store, error) {
	if cfg.Custody.DBDir == "" {
		return custody.NewEngine(cat), nil, nil
	}
	store, err := custody.OpenStore(cfg.Custody.DBDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open custody id store: %w", err)
	}
	engine, err := custody.NewEngineWithStore(cat, store)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to restore custody id allocator state: %w", err)
	}
	return engine, store, nil
}

// newAdmitter builds an Admitter whose store path hands a bundle to the
// storage manager (allocating a custody id first if custody was
// requested) and whose cut-through path hands it directly to the matching
// outduct, falling back to store on send failure.
func newAdmitter(
	cfg *config.Config,
	local bundle.EID,
	available *contact.AvailableSet,
	mgr *storage.Manager,
	engine *custody.Engine,
	outducts map[bundle.EID]egress.Outduct,
	nodeMetrics *metrics.NodeMetrics,
) *admission.Admitter {
	acfg := admission.Config{
		MaxBundleSizeBytes:     cfg.Ingress.MaxBundleSizeBytes,
		MaxIngressWaitOnEgress: time.Duration(cfg.Ingress.MaxIngressWaitOnEgressMs) * time.Millisecond,
		MaxPendingAcksPerPath:  cfg.Ingress.ZMQMaxMessagesPerPath,
	}

	storeFn := func(body []byte, pb *bundle.PrimaryBlock) error {
		if pb.IsAdminRecord() && pb.DestEID() == local {
			_, headerLen, err := bundle.Decode(body)
			if err != nil {
				return err
			}
			return custody.HandleAdminRecordPayload(engine, body[headerLen:])
		}

		var custodyID uint64
		if pb.CustodyRequested() {
			custodyID = engine.AllocateCustodyID(pb.SourceEID())
		}
		_, err := mgr.Put(body, pb, custodyID)
		return err
	}

	cutThroughFn := func(body []byte, pb *bundle.PrimaryBlock) error {
		dest := pb.DestEID()
		out, ok := outducts[dest]
		if !ok {
			return storeFn(body, pb)
		}
		ctx := context.Background()
		if err := out.Send(ctx, dest, body); err != nil {
			logger.Error("admission: cut-through send failed, falling back to store", logger.Err(err))
			return storeFn(body, pb)
		}
		if nodeMetrics != nil {
			nodeMetrics.IncDispatch(dest.String(), "ok")
		}
		return nil
	}

	return admission.New(acfg, local, available, storeFn, cutThroughFn)
}

// subscribeIngress wires the bus's raw bundle-ingest subject to the
// Admitter, tracking decisions in metrics.
func subscribeIngress(b *bus.Bus, admitter *admission.Admitter, nodeMetrics *metrics.NodeMetrics) error {
	return b.Subscribe(bus.SubjectClaIngest, func(raw []byte) {
		_, decision, err := admitter.Admit(context.Background(), raw)
		if err != nil {
			logger.Error("admission: bundle rejected", logger.Err(err))
		}
		if nodeMetrics != nil {
			nodeMetrics.IncAdmitted(decision.String())
		}
	})
}

// subscribeAcks wires the success-ack subject back into the Admitter's
// pending-ack gauges, unblocking ingress threads waiting on backpressure
// for that destination.
func subscribeAcks(b *bus.Bus, admitter *admission.Admitter) error {
	return b.Subscribe(bus.SubjectEgressToIngress, func(data []byte) {
		_, dest, err := egress.DecodeAck(data)
		if err != nil {
			logger.Error("admission: malformed ack", logger.Err(err))
			return
		}
		admitter.AckCutThrough(dest)
		admitter.AckStore(dest)
	})
}
