// Pool backend - statistics API and block unlocker for a cryptonote mining pool
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tos-network/pool-backend/internal/api"
	"github.com/tos-network/pool-backend/internal/config"
	"github.com/tos-network/pool-backend/internal/live"
	"github.com/tos-network/pool-backend/internal/metrics"
	"github.com/tos-network/pool-backend/internal/newrelic"
	"github.com/tos-network/pool-backend/internal/notify"
	"github.com/tos-network/pool-backend/internal/policy"
	"github.com/tos-network/pool-backend/internal/profiling"
	"github.com/tos-network/pool-backend/internal/rpc"
	"github.com/tos-network/pool-backend/internal/stats"
	"github.com/tos-network/pool-backend/internal/storage"
	"github.com/tos-network/pool-backend/internal/unlocker"
	"github.com/tos-network/pool-backend/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

const shutdownTimeout = 10 * time.Second

// Run modes
const (
	modeAll      = "all"
	modeAPI      = "api"
	modeUnlocker = "unlocker"
)

func main() {
	var configPath, mode string

	root := &cobra.Command{
		Use:           "pool-backend",
		Short:         "Mining pool statistics API and block unlocker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, mode)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	root.Flags().StringVarP(&mode, "mode", "m", modeAll, "Run mode: all, api, unlocker")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pool-backend v%s (built %s)\n", version, buildTime)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, mode string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch mode {
	case modeAll:
	case modeAPI:
		cfg.Unlocker.Enabled = false
	case modeUnlocker:
		cfg.API.Enabled = false
	default:
		return fmt.Errorf("invalid mode: %s", mode)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer util.Sync()

	util.Infof("Pool backend v%s starting for %s in %s mode", version, cfg.Pool.Coin, mode)

	redis, err := storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, cfg.Pool.Coin, cfg.Redis.Timeout)
	if err != nil {
		return err
	}
	defer redis.Close()

	upstream := rpc.NewUpstreamManager(context.Background(), &cfg.Node)
	upstream.Start()
	defer upstream.Stop()

	apm := newrelic.NewAgent(&cfg.NewRelic)
	if err := apm.Start(); err != nil {
		util.Warnf("New Relic disabled: %v", err)
	}
	defer apm.Stop()

	m := metrics.New("pool")

	profiler := profiling.NewServer(&cfg.Profiling)
	if err := profiler.Start(); err != nil {
		util.Warnf("Profiling server disabled: %v", err)
	}

	var (
		aggregator   *stats.Aggregator
		apiServer    *api.Server
		policyServer *policy.PolicyServer
		blockUnlock  *unlocker.BlockUnlocker
		notifier     *notify.Notifier
	)

	if cfg.API.Enabled {
		policyConfig := policy.DefaultConfig()
		policyConfig.MaxPollsPerIP = int32(cfg.API.MaxPollsPerIP)
		policyConfig.TrustedIPs = cfg.API.TrustedIPs
		policyServer = policy.NewPolicyServer(policyConfig)
		policyServer.Start()

		hub := live.NewHub(redis, cfg.Pool.Symbol, m)
		aggregator = stats.NewAggregator(cfg, redis, upstream, hub, m, apm)
		aggregator.Start()

		apiServer = api.NewServer(cfg, aggregator, hub, policyServer, m, apm)
		apiServer.SetUpstreamMonitor(upstream)
		if err := apiServer.Start(); err != nil {
			aggregator.Stop()
			policyServer.Stop()
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	if cfg.Unlocker.Enabled {
		notifier = notify.NewNotifier(&cfg.Notify, &cfg.Pool)
		blockUnlock = unlocker.NewBlockUnlocker(&cfg.Unlocker, redis, upstream, notifier, m, apm)
		blockUnlock.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Pool backend started. Press Ctrl+C to stop.")

	sig := <-sigChan
	util.Infof("Received %v, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if apiServer != nil {
		if err := apiServer.Stop(ctx); err != nil {
			util.Warnf("API server shutdown: %v", err)
		}
	}
	if aggregator != nil {
		aggregator.Stop()
	}
	if policyServer != nil {
		policyServer.Stop()
	}
	if blockUnlock != nil {
		blockUnlock.Stop()
	}
	if notifier != nil {
		notifier.Wait()
	}
	if err := profiler.Stop(ctx); err != nil {
		util.Warnf("Profiling server shutdown: %v", err)
	}

	util.Info("Pool backend stopped")
	return nil
}
