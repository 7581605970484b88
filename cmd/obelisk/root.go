package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"obelisk/client"
	"obelisk/config"
	"obelisk/loadbalance"
	"obelisk/logging"
	"obelisk/middleware"
	"obelisk/registry"
	"obelisk/retry"
	"obelisk/transport"
)

// GlobalFlags override the configuration file.
type GlobalFlags struct {
	ConfigPath    string
	Address       string
	PublicKey     string
	Network       string
	Timeout       time.Duration
	Wait          time.Duration
	LogLevel      string
	MetricsListen string
}

var (
	globalFlags GlobalFlags
	cfg         config.Config
	logger      = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:           "obelisk",
	Short:         "Query libbitcoin obelisk servers",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if globalFlags.ConfigPath != "" {
			if cfg, err = config.Load(globalFlags.ConfigPath); err != nil {
				return err
			}
		} else {
			cfg = config.Default()
		}

		flags := cmd.Flags()
		if flags.Changed("address") {
			cfg.Address = globalFlags.Address
		}
		if flags.Changed("public-key") {
			cfg.PublicKey = globalFlags.PublicKey
		}
		if flags.Changed("network") {
			cfg.Network = globalFlags.Network
		}
		if flags.Changed("timeout") {
			cfg.Timeout = globalFlags.Timeout
		}
		if flags.Changed("log-level") {
			cfg.Log.Level = globalFlags.LogLevel
		}

		logger, err = logging.New(cfg.Log)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&globalFlags.ConfigPath, "config", "c", "", "TOML configuration file")
	pf.StringVarP(&globalFlags.Address, "address", "a", "", "query endpoint, e.g. tcp://127.0.0.1:9091")
	pf.StringVar(&globalFlags.PublicKey, "public-key", "", "server CURVE public key (Z85)")
	pf.StringVarP(&globalFlags.Network, "network", "n", "mainnet", "mainnet, testnet3, regtest or signet")
	pf.DurationVar(&globalFlags.Timeout, "timeout", client.DefaultTimeout, "request timeout before the query socket is rebuilt")
	pf.DurationVar(&globalFlags.Wait, "wait", 30*time.Second, "give up on a one-shot query after this long")
	pf.StringVar(&globalFlags.LogLevel, "log-level", "info", "debug, info, warn or error")
	pf.StringVar(&globalFlags.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address, e.g. :9100")
}

// openRegistry returns where servers are looked up: the configured address as
// a one-entry list, or etcd when only registry endpoints are set.
func openRegistry() (registry.Registry, func(), error) {
	if cfg.Address != "" {
		return registry.Static{{
			Query:       cfg.Address,
			Block:       cfg.BlockAddress,
			Transaction: cfg.TxAddress,
			PublicKey:   cfg.PublicKey,
			Version:     cfg.Version,
		}}, func() {}, nil
	}
	if len(cfg.Registry.Endpoints) == 0 {
		return nil, nil, errors.New("no server: set --address or registry endpoints in the config")
	}
	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect registry: %w", err)
	}
	return reg, func() { _ = reg.Close() }, nil
}

// pickServer asks the configured balancer for one of the servers reg knows.
func pickServer(ctx context.Context, reg registry.Registry) (registry.ServerInstance, error) {
	instances, err := reg.Discover(ctx, cfg.Network)
	if err != nil {
		return registry.ServerInstance{}, err
	}
	if len(instances) == 0 {
		return registry.ServerInstance{}, registry.ErrNoServers
	}
	key := cfg.Registry.AffinityKey
	if key == "" {
		key, _ = os.Hostname()
	}
	balancer, err := loadbalance.New(cfg.Registry.Balancer, key)
	if err != nil {
		return registry.ServerInstance{}, err
	}
	inst, err := balancer.Pick(instances)
	if err != nil {
		return registry.ServerInstance{}, err
	}
	logger.Info("server picked",
		zap.String("balancer", balancer.Name()),
		zap.String("query", inst.Query),
		zap.Int("candidates", len(instances)),
	)
	return *inst, nil
}

// connect picks a server and builds a client for it. feeds keeps the block and
// transaction subscriptions; one-shot queries leave them closed.
func connect(ctx context.Context, feeds bool) (*client.Client, error) {
	reg, release, err := openRegistry()
	if err != nil {
		return nil, err
	}
	defer release()
	inst, err := pickServer(ctx, reg)
	if err != nil {
		return nil, err
	}

	metricsReg := prometheus.NewRegistry()
	if globalFlags.MetricsListen != "" {
		serveMetrics(ctx, metricsReg, globalFlags.MetricsListen)
	}
	return dial(ctx, inst, feeds, metricsReg)
}

// dial builds a client talking to inst, with its metrics registered on reg.
func dial(ctx context.Context, inst registry.ServerInstance, feeds bool, reg prometheus.Registerer) (*client.Client, error) {
	opts, err := client.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts.Address = inst.Query
	opts.BlockAddress = inst.Block
	opts.TxAddress = inst.Transaction
	if inst.PublicKey != "" {
		opts.PublicKey = inst.PublicKey
	}
	if inst.Version > 0 {
		opts.Version = inst.Version
	}
	if !feeds {
		opts.BlockAddress, opts.TxAddress = "", ""
	}

	// a failed redial on send is worth a few spaced retries
	resend := middleware.Retry(retry.Exponential(3), func(err error) bool {
		return errors.Is(err, client.ErrNotConnected)
	}, logger)

	return client.New(ctx, transport.NewZMQDialer(logger), opts,
		client.WithLogger(logger),
		client.WithRegisterer(reg),
		client.WithMiddleware(resend),
	)
}

func serveMetrics(ctx context.Context, reg *prometheus.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info("metrics", zap.String("listen", addr))
}

// closeClient is deferred by every command that connects.
func closeClient(c *client.Client) {
	if err := c.Close(); err != nil {
		logger.Warn("close failed", zap.Error(err))
	}
}
