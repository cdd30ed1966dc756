package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraMesh/api"
	"github.com/VanDung-dev/HieraMesh/config"
	"github.com/VanDung-dev/HieraMesh/logging"
	"github.com/VanDung-dev/HieraMesh/monitoring"
	"github.com/VanDung-dev/HieraMesh/network"
	"github.com/VanDung-dev/HieraMesh/server"
)

var (
	runListen    string
	runTransport string
	runName      string
	runPeers     []string
	runMetrics   string
	runNoControl bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a mesh node",
	Long: `Start a mesh node on the configured transport. Seed peers given with
--peer (or discovery.seeds) are contacted on startup.`,
	RunE: runNode,
}

func init() {
	runCmd.Flags().StringVarP(&runListen, "listen", "l", "", "Listen address (udp host:port or zmq tcp://host:port)")
	runCmd.Flags().StringVarP(&runTransport, "transport", "t", "", "Transport: udp or zmq")
	runCmd.Flags().StringVarP(&runName, "name", "n", "", "Node name")
	runCmd.Flags().StringSliceVarP(&runPeers, "peer", "p", nil, "Seed peer address (repeatable)")
	runCmd.Flags().StringVar(&runMetrics, "metrics", "", "Prometheus listen address")
	runCmd.Flags().BoolVar(&runNoControl, "no-control", false, "Disable the control API")

	rootCmd.AddCommand(runCmd)
}

// applyFlags overrides file values with flags given on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.ListenAddress = runListen
	}
	if flags.Changed("transport") {
		cfg.Transport = runTransport
	}
	if flags.Changed("name") {
		cfg.NodeName = runName
	}
	if flags.Changed("peer") {
		cfg.Discovery.Seeds = append(cfg.Discovery.Seeds, runPeers...)
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Address = runMetrics
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("control") || cfg.Control.Address == "" {
		cfg.Control.Address = controlAddr
	}
	if flags.Changed("token") {
		cfg.Control.Token = authToken
	}
	if runNoControl {
		cfg.Control.Address = ""
	}
}

func openTransport(cfg config.Config) (network.Transport, error) {
	switch cfg.Transport {
	case config.TransportZMQ:
		return network.NewZmqTransport(cfg.ListenAddress)
	default:
		return network.NewUDPTransport(cfg.ListenAddress)
	}
}

func runNode(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(monitoring.DefaultNamespace, registry)

	tr, err := openTransport(cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s transport: %w", cfg.Transport, err)
	}

	seeds := make(chan string, len(cfg.Discovery.Seeds))
	for _, addr := range cfg.Discovery.Seeds {
		seeds <- addr
	}
	close(seeds)

	opts := server.OptionsFromConfig(cfg)
	opts.Candidates = seeds
	opts.Metrics = metrics
	opts.Logger = log
	opts.Deliver = func(payload []byte, source uuid.UUID) {
		log.Info("Payload delivered",
			zap.Stringer("source", source),
			zap.Int("bytes", len(payload)))
	}

	node, err := server.New(tr, opts)
	if err != nil {
		_ = tr.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Address != "" {
		ms := monitoring.NewMetricsServer(cfg.Metrics.Address, registry, node.Health)
		go func() {
			if err := ms.Start(); err != nil {
				log.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Shutdown(shutdownCtx)
		}()
		log.Info("Metrics server listening", zap.String("addr", cfg.Metrics.Address))
	}

	if cfg.Control.Address != "" {
		ctrlCfg := api.DefaultServerConfig()
		ctrlCfg.Token = cfg.Control.Token
		ctrl, err := api.NewControlServer(node, ctrlCfg, metrics, log)
		if err != nil {
			_ = tr.Close()
			return err
		}
		if _, err := ctrl.StartAsync(cfg.Control.Address); err != nil {
			_ = tr.Close()
			return err
		}
		defer ctrl.Stop()
	}

	local := node.LocalNode()
	log.Info("Starting HieraMesh node",
		zap.String("version", Version),
		zap.Stringer("node_id", local.ID),
		zap.String("name", local.Name),
		zap.String("transport", cfg.Transport),
		zap.String("listen", node.Addr()),
		zap.Strings("seeds", cfg.Discovery.Seeds))

	if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("node stopped: %w", err)
	}
	return nil
}

var _ api.Node = (*server.Server)(nil)
