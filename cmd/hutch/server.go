package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hutchhq/hutch/pkg/api"
	"github.com/hutchhq/hutch/pkg/audit"
	"github.com/hutchhq/hutch/pkg/capacity"
	"github.com/hutchhq/hutch/pkg/enrollment"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/registry"
	"github.com/hutchhq/hutch/pkg/security"
	"github.com/hutchhq/hutch/pkg/storage"
)

// serverConfig is the on-disk configuration. Flags override file values.
type serverConfig struct {
	DataDir       string `yaml:"data_dir"`
	Listen        string `yaml:"listen"`
	LogLevel      string `yaml:"log_level"`
	ClusterSecret string `yaml:"cluster_secret"`

	SweepIntervalSeconds     int `yaml:"sweep_interval_seconds"`
	RevocationRefreshSeconds int `yaml:"revocation_refresh_seconds"`
}

func defaultConfig() serverConfig {
	return serverConfig{
		DataDir:  "/var/lib/hutch",
		Listen:   ":8420",
		LogLevel: "info",
	}
}

func loadConfig(path string) (serverConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

var (
	flagConfig        string
	flagDataDir       string
	flagListen        string
	flagLogLevel      string
	flagClusterSecret string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Hutch control-plane server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(flagConfig)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("data-dir") {
			cfg.DataDir = flagDataDir
		}
		if cmd.Flags().Changed("listen") {
			cfg.Listen = flagListen
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = flagLogLevel
		}
		if cmd.Flags().Changed("cluster-secret") {
			cfg.ClusterSecret = flagClusterSecret
		}
		return runServer(cfg)
	},
}

func init() {
	serverCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Path to YAML config file")
	serverCmd.Flags().StringVar(&flagDataDir, "data-dir", "/var/lib/hutch", "Directory for persistent state")
	serverCmd.Flags().StringVar(&flagListen, "listen", ":8420", "API listen address")
	serverCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serverCmd.Flags().StringVar(&flagClusterSecret, "cluster-secret", "", "Secret used to derive the CA key encryption key")
}

func runServer(cfg serverConfig) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: true,
	})
	logger := log.WithComponent("server")

	if cfg.ClusterSecret == "" {
		return fmt.Errorf("cluster secret is required (set --cluster-secret or cluster_secret in the config file)")
	}
	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(cfg.ClusterSecret)); err != nil {
		return fmt.Errorf("setting encryption key: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	broker := audit.NewBroker()
	broker.Start()
	defer broker.Stop()

	sink := audit.NewSink(store, broker)

	ca := security.NewCertAuthority(store, sink)
	if err := ca.EnsureInitialized(); err != nil {
		return fmt.Errorf("initializing certificate authority: %w", err)
	}
	if err := ca.RefreshRevocationSet(); err != nil {
		return fmt.Errorf("loading revocation set: %w", err)
	}
	refreshInterval := security.DefaultRevocationRefreshInterval
	if cfg.RevocationRefreshSeconds > 0 {
		refreshInterval = time.Duration(cfg.RevocationRefreshSeconds) * time.Second
	}
	ca.StartRevocationRefresh(refreshInterval)
	defer ca.Stop()

	reg := registry.NewStoreRegistry(store)
	reg.StartFleetMetrics(refreshInterval)
	defer reg.Stop()
	enrollSvc := enrollment.NewService(store, ca, reg, sink)
	engine := capacity.NewEngine(store, reg, sink)

	sweepInterval := capacity.DefaultSweepInterval
	if cfg.SweepIntervalSeconds > 0 {
		sweepInterval = time.Duration(cfg.SweepIntervalSeconds) * time.Second
	}
	sweeper := capacity.NewSweeper(store, sink, sweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	server := api.NewServer(enrollSvc, ca, engine, sink, broker)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Listen)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}
