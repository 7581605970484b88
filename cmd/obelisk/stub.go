package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"obelisk/client"
	"obelisk/registry"
	"obelisk/server"
)

var stubFlags struct {
	server.Config
	PublicKey string
	Register  bool
	MineEvery time.Duration
}

var stubCmd = &cobra.Command{
	Use:   "stub",
	Short: "Serve an in-memory chain starting at the network's genesis block",
	Long: `stub runs a small obelisk server for local testing. It answers the
blockchain, transaction_pool, protocol and address commands from an in-memory
chain, publishes block and transaction notifications, and with --register
advertises itself in the configured etcd registry.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		params, err := cfg.ChainParams()
		if err != nil {
			return err
		}

		srv := server.New(logger.Named("server"))
		chain := server.NewChain(params, logger.Named("chain"))
		chain.Register(srv)
		if err := srv.Listen(stubFlags.Config); err != nil {
			return err
		}

		served := make(chan error, 1)
		go func() { served <- srv.Serve(ctx) }()

		if stubFlags.Register {
			reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, logger)
			if err != nil {
				return err
			}
			defer reg.Close()
			inst := srv.Instance(stubFlags.PublicKey, client.DefaultVersion)
			if err := srv.Advertise(ctx, reg, cfg.Network, inst); err != nil {
				_ = srv.Shutdown(time.Second)
				return err
			}
		}

		var mine <-chan time.Time
		if stubFlags.MineEvery > 0 {
			ticker := time.NewTicker(stubFlags.MineEvery)
			defer ticker.Stop()
			mine = ticker.C
		}
		for {
			select {
			case now := <-mine:
				chain.Mine(now)
			case err := <-served:
				shutdown(srv)
				return err
			case <-ctx.Done():
				shutdown(srv)
				return <-served
			}
		}
	},
}

func init() {
	f := stubCmd.Flags()
	f.StringVar(&stubFlags.Query, "query", "tcp://127.0.0.1:9091", "query bind address")
	f.StringVar(&stubFlags.Block, "block", "tcp://127.0.0.1:9093", "block publisher bind address; empty disables it")
	f.StringVar(&stubFlags.Transaction, "tx", "tcp://127.0.0.1:9094", "transaction publisher bind address; empty disables it")
	f.StringVar(&stubFlags.SecretKey, "secret-key", "", "CURVE secret key (Z85); enables encryption")
	f.StringVar(&stubFlags.PublicKey, "advertise-key", "", "CURVE public key advertised to clients")
	f.BoolVar(&stubFlags.Register, "register", false, "advertise in the configured etcd registry")
	f.DurationVar(&stubFlags.MineEvery, "mine-every", 0, "mine a block from the memory pool at this interval")
	rootCmd.AddCommand(stubCmd)
}

func shutdown(srv *server.Server) {
	if err := srv.Shutdown(5 * time.Second); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}
