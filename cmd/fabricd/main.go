// Command fabricd starts one CORE substrate node: gossip membership,
// the Raft-style consensus engine, the versioned replication store, the
// job fabric (queue, executor, worker pool, delayed scheduler), the
// computed cache, and the HTTP surface exposing the six external
// operations named in spec.md §6.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/accuscene/corefabric/internal/cache"
	"github.com/accuscene/corefabric/internal/circuit"
	"github.com/accuscene/corefabric/internal/consensus"
	"github.com/accuscene/corefabric/internal/fabric"
	"github.com/accuscene/corefabric/internal/jobs"
	"github.com/accuscene/corefabric/internal/membership"
	"github.com/accuscene/corefabric/internal/metrics"
	"github.com/accuscene/corefabric/internal/replication"
	"github.com/accuscene/corefabric/internal/wire"
	"github.com/accuscene/corefabric/pkg/api"
	"github.com/accuscene/corefabric/pkg/config"
	"github.com/accuscene/corefabric/pkg/health"
	"github.com/accuscene/corefabric/pkg/retry"
	"github.com/accuscene/corefabric/pkg/status"
	"github.com/accuscene/corefabric/pkg/utils"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "fabricd: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "fabricd: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "fabricd: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewStructuredLogger(loggerConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fabricd: failed to build logger: %v\n", err)
		os.Exit(1)
	}

	node, err := buildNode(cfg, logger)
	if err != nil {
		logger.Error("failed to assemble node", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	if cfg.Global.DebugMode {
		dm := utils.GetDebugManager()
		dm.SetLogger(logger)
		dm.StartSession(node.ID.String(), nil, 0)
		node.WithDebugSession(node.ID.String())
		if cfg.Global.RuntimeProfiling {
			utils.EnableRuntimeProfiling()
		}
	}

	healthTracker := health.NewTracker(health.DefaultConfig())
	for _, component := range []string{"membership", "consensus", "jobs", "cache"} {
		healthTracker.RegisterComponent(component)
	}
	statusTracker := status.NewTracker(status.TrackerConfig{HealthTracker: healthTracker})

	apiCfg := api.DefaultServerConfig()
	apiCfg.Address = cfg.Global.APIAddress
	apiCfg.EnableMetrics = cfg.Global.MetricsPort != 0
	server := api.NewServer(apiCfg, statusTracker, healthTracker, node)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node.Pool.Start(ctx)
	go node.Scheduler.Run(ctx)
	go node.Membership.Run(ctx)
	go node.Consensus.Run(ctx)
	server.StartBackground()

	if cfg.Global.MetricsPort != 0 && cfg.Global.MetricsPort != cfg.Global.HealthPort {
		go serveMetrics(cfg.Global.MetricsPort, logger)
	}

	if cfg.Consensus.SnapshotThreshold > 0 {
		codec, err := consensus.NewSnapshotCodec(4096)
		if err != nil {
			logger.Error("failed to build snapshot codec", map[string]interface{}{"error": err.Error()})
		} else {
			go runSnapshotLoop(ctx, node, codec, cfg.Consensus.SnapshotThreshold, logger)
		}
	}

	logger.Info("fabricd started", map[string]interface{}{
		"node_id":     node.ID.String(),
		"api_address": cfg.Global.APIAddress,
	})

	waitForShutdown(logger)

	if cfg.Global.DebugMode {
		utils.GetDebugManager().StopSession(node.ID.String())
		if cfg.Global.RuntimeProfiling {
			utils.DisableRuntimeProfiling()
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	node.Pool.Shutdown()
	node.Scheduler.Stop()
	node.Membership.Stop()
	node.Shutdown()
	cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", map[string]interface{}{"error": err.Error()})
	}
}

func waitForShutdown(logger *utils.StructuredLogger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", map[string]interface{}{"signal": sig.String()})
}

func loggerConfig(cfg *config.Configuration) *utils.StructuredLoggerConfig {
	lc := utils.DefaultStructuredLoggerConfig()
	switch cfg.Global.LogLevel {
	case "DEBUG":
		lc.Level = utils.DEBUG
	case "WARN":
		lc.Level = utils.WARN
	case "ERROR":
		lc.Level = utils.ERROR
	default:
		lc.Level = utils.INFO
	}
	return lc
}

// buildNode assembles the five CORE subsystems from cfg and wires them
// into a *fabric.Node, following the same composition-root shape as
// fabric.New documents.
func buildNode(cfg *config.Configuration, logger *utils.StructuredLogger) (*fabric.Node, error) {
	nodeID := wire.NewNodeID()
	if cfg.Cluster.NodeID != "" {
		nodeID = wire.NodeIDFromString(cfg.Cluster.NodeID)
	}

	transport, err := membership.NewUDPTransport(cfg.Cluster.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("membership transport: %w", err)
	}

	gossipCfg := membership.Config{
		GossipInterval:   cfg.Cluster.GossipInterval,
		AckTimeout:       300 * time.Millisecond,
		SuspectTimeout:   cfg.Cluster.SuspectTimeout,
		IndirectProbes:   cfg.Cluster.IndirectProbes,
		Fanout:           3,
		MaxTransmissions: cfg.Cluster.MaxTransmissions,
	}
	membershipProtocol := membership.New(nodeID, cfg.Cluster.BindAddr, gossipCfg, transport, logger)

	consensusLog := consensus.NewLog(cfg.Consensus.MaxLogSize)
	consensusEngine := consensus.New(nodeID, consensus.Config{
		ElectionTimeoutMin: cfg.Consensus.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.Consensus.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.Consensus.HeartbeatInterval,
		MaxLogSize:         cfg.Consensus.MaxLogSize,
	}, consensusLog)

	resolver := replication.NewResolver(replication.StrategyLastWriterWins, nil)
	versionedStore := replication.NewStore(resolver)

	defaultPartition := cfg.Cache.Partitions["default"]
	cacheBackend := cache.NewLRUCache(defaultPartition.Capacity)
	computedCache := cache.NewComputedCache(cacheBackend)

	queue := jobs.NewFIFOQueue()
	retryCfg := retryConfigFrom(cfg.Jobs)
	executor := jobs.NewExecutor(retryCfg, logger)

	poolCfg := jobs.PoolConfig{
		MinWorkers:         cfg.Jobs.MinWorkers,
		MaxWorkers:         cfg.Jobs.MaxWorkers,
		ScaleUpThreshold:   cfg.Jobs.ScaleUpThreshold,
		ScaleDownThreshold: cfg.Jobs.ScaleDownThreshold,
		ScaleInterval:      time.Second,
		IdlePollInterval:   100 * time.Millisecond,
	}

	scheduler := jobs.NewDelayedScheduler(queue, logger)

	n := fabric.New(nodeID, fabric.Config{QueueCapacity: 0, PollInterval: 10 * time.Millisecond},
		membershipProtocol, consensusEngine, versionedStore, computedCache, queue, executor, nil, scheduler, logger)

	pool := jobs.NewPool(poolCfg, queue, executor, logger, n.Dispatch)
	n.Pool = pool

	metricsCollector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Global.MetricsPort != 0,
		Namespace: "corefabric",
		Subsystem: "node",
	})
	if err != nil {
		return nil, fmt.Errorf("metrics collector: %w", err)
	}
	n.WithMetrics(metricsCollector)
	n.WithCircuitBreakers(circuit.NewManager(circuit.Config{}))

	return n, nil
}

func retryConfigFrom(j config.JobsConfig) retry.Config {
	return retry.Config{
		MaxAttempts:  j.RetryMaxAttempts,
		InitialDelay: j.RetryInitialDelay,
		MaxDelay:     j.RetryMaxDelay,
		Multiplier:   j.RetryMultiplier,
		Jitter:       j.RetryJitter,
	}
}

// runSnapshotLoop periodically checks the consensus log against
// thresholdEntries and, once it's grown past that, builds a compressed
// snapshot and compacts the log up to the last-applied index, per
// §4.5's "committed-and-applied entries may be snapshotted and
// discarded" allowance. The encoded state machine payload is just the
// last-applied index marker; replicated_apply's actual payloads are
// opaque application data this package has no business interpreting.
func runSnapshotLoop(ctx context.Context, node *fabric.Node, codec *consensus.SnapshotCodec, thresholdEntries int, logger *utils.StructuredLogger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer codec.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log := node.Consensus.Log()
			if log.Len() < thresholdEntries {
				continue
			}
			stateMachineData := []byte(fmt.Sprintf("last_applied=%d", log.LastApplied()))
			blob := node.Consensus.BuildSnapshot(codec, stateMachineData)
			logger.Info("consensus log snapshotted", map[string]interface{}{
				"snapshot_bytes": len(blob),
				"log_len":        log.Len(),
			})
		}
	}
}

func serveMetrics(port int, logger *utils.StructuredLogger) {
	addr := fmt.Sprintf(":%d", port)
	if err := http.ListenAndServe(addr, nil); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", map[string]interface{}{"error": err.Error()})
	}
}
