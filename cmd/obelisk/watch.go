package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"obelisk/client"
	"obelisk/event"
	"obelisk/message"
)

var renewEvery time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow notifications until interrupted",
}

var watchAddressCmd = &cobra.Command{
	Use:   "address <address>...",
	Short: "Print address updates, renewing the subscriptions periodically",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, release, err := openRegistry()
		if err != nil {
			return err
		}
		defer release()

		var mu sync.Mutex
		out := cmd.OutOrStdout()
		cb := client.NewAddressCallback(func(u client.AddressUpdate) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(out, "%s height %d block %s tx %s\n", u.Address, u.Height, u.BlockHash, hex.EncodeToString(u.RawTx))
		})
		return follow(cmd.Context(), reg, false, func(ctx context.Context, c *client.Client) error {
			logEvents(c.Bus())
			for _, addr := range args {
				if _, err := c.SubscribeAddress(addr, cb); err != nil {
					return fmt.Errorf("subscribe %s: %w", addr, err)
				}
			}

			ticker := time.NewTicker(renewEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					for _, addr := range args {
						if _, err := c.RenewAddress(addr, nil); err != nil {
							logger.Warn("renew failed", zap.String("address", addr), zap.Error(err))
						}
					}
				}
			}
		})
	},
}

var watchBlocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "Print block and transaction notifications",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, release, err := openRegistry()
		if err != nil {
			return err
		}
		defer release()

		var mu sync.Mutex
		out := cmd.OutOrStdout()
		onBlock := func(b message.Block) {
			hash, err := b.BlockHash()
			if err != nil {
				logger.Warn("bad block hash", zap.Error(err))
				return
			}
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(out, "block %d %s txs %d\n", b.Height, hash, b.TxCount)
		}
		onTx := func(tx message.Transaction) {
			msg, err := tx.MsgTx()
			if err != nil {
				logger.Warn("bad transaction", zap.Error(err))
				return
			}
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(out, "tx %s\n", msg.TxHash())
		}
		return follow(cmd.Context(), reg, true, func(ctx context.Context, c *client.Client) error {
			logEvents(c.Bus())
			c.OnBlock(onBlock)
			c.OnTransaction(onTx)
			<-ctx.Done()
			return nil
		})
	},
}

// logEvents reports connectivity changes while a watch runs.
func logEvents(bus *event.Bus) {
	_ = bus.OnReconnected(func(r event.Reconnected) {
		logger.Info("reconnected",
			zap.Int("attempt", r.Attempt),
			zap.Int("resent", r.Resent),
			zap.Int("resubscribed", r.Resubscribed),
		)
	})
	_ = bus.OnRequestDropped(func(d event.RequestDropped) {
		logger.Warn("request dropped", zap.String("command", d.Command), zap.Uint32("tx_id", d.TxID), zap.Error(d.Err))
	})
}

func init() {
	watchAddressCmd.Flags().DurationVar(&renewEvery, "renew", 2*time.Minute, "how often to renew address subscriptions")
	watchCmd.AddCommand(watchAddressCmd, watchBlocksCmd)
	rootCmd.AddCommand(watchCmd)
}
