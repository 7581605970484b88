package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/spf13/cobra"

	"obelisk/client"
	"obelisk/codec"
	"obelisk/message"
)

var (
	txUnconfirmed bool
	historyFrom   uint32
	stealthFrom   uint32
	validateOnly  bool
)

// query connects, sends one request through send and waits for its callback.
// send must call done exactly once from the callback.
func query(cmd *cobra.Command, send func(c *client.Client, done func(error)) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), globalFlags.Wait)
	defer cancel()

	c, err := connect(ctx, false)
	if err != nil {
		return err
	}
	defer closeClient(c)

	result := make(chan error, 1)
	if err := send(c, func(err error) { result <- err }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", cmd.Name(), ctx.Err())
	}
}

func check(ec message.ErrorCode) error {
	if ec.OK() {
		return nil
	}
	return fmt.Errorf("server: %s", ec)
}

var lastHeightCmd = &cobra.Command{
	Use:   "last-height",
	Short: "Print the height of the server's best chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return query(cmd, func(c *client.Client, done func(error)) error {
			_, err := c.FetchLastHeight(func(ec message.ErrorCode, height uint32) {
				if ec.OK() {
					fmt.Fprintln(out, height)
				}
				done(check(ec))
			})
			return err
		})
	},
}

var headerCmd = &cobra.Command{
	Use:   "header <height|hash>",
	Short: "Fetch a block header by height or hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return query(cmd, func(c *client.Client, done func(error)) error {
			cb := func(ec message.ErrorCode, h *wire.BlockHeader) {
				if ec.OK() {
					printHeader(out, h)
				}
				done(check(ec))
			}
			if height, err := strconv.ParseUint(args[0], 10, 32); err == nil {
				_, err := c.FetchBlockHeader(uint32(height), cb)
				return err
			}
			hash, err := chainhash.NewHashFromStr(args[0])
			if err != nil {
				return fmt.Errorf("parse block hash: %w", err)
			}
			_, err = c.FetchBlockHeaderByHash(*hash, cb)
			return err
		})
	},
}

func printHeader(w io.Writer, h *wire.BlockHeader) {
	fmt.Fprintf(w, "hash:        %s\n", h.BlockHash())
	fmt.Fprintf(w, "version:     %d\n", h.Version)
	fmt.Fprintf(w, "previous:    %s\n", h.PrevBlock)
	fmt.Fprintf(w, "merkle root: %s\n", h.MerkleRoot)
	fmt.Fprintf(w, "timestamp:   %s\n", h.Timestamp.UTC())
	fmt.Fprintf(w, "bits:        %08x\n", h.Bits)
	fmt.Fprintf(w, "nonce:       %d\n", h.Nonce)
}

var txCmd = &cobra.Command{
	Use:   "tx <hash>",
	Short: "Fetch a transaction and print it as hex",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := chainhash.NewHashFromStr(args[0])
		if err != nil {
			return fmt.Errorf("parse tx hash: %w", err)
		}
		out := cmd.OutOrStdout()
		return query(cmd, func(c *client.Client, done func(error)) error {
			cb := func(ec message.ErrorCode, tx *wire.MsgTx) {
				if ec.OK() {
					raw, err := codec.EncodeTransaction(tx)
					if err != nil {
						done(err)
						return
					}
					fmt.Fprintln(out, hex.EncodeToString(raw))
				}
				done(check(ec))
			}
			if txUnconfirmed {
				_, err = c.FetchUnconfirmedTransaction(*hash, cb)
			} else {
				_, err = c.FetchTransaction(*hash, cb)
			}
			return err
		})
	},
}

var txIndexCmd = &cobra.Command{
	Use:   "tx-index <hash>",
	Short: "Print the block height and position of a confirmed transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := chainhash.NewHashFromStr(args[0])
		if err != nil {
			return fmt.Errorf("parse tx hash: %w", err)
		}
		out := cmd.OutOrStdout()
		return query(cmd, func(c *client.Client, done func(error)) error {
			_, err := c.FetchTransactionIndex(*hash, func(ec message.ErrorCode, height, index uint32) {
				if ec.OK() {
					fmt.Fprintf(out, "height %d index %d\n", height, index)
				}
				done(check(ec))
			})
			return err
		})
	},
}

var blockHeightCmd = &cobra.Command{
	Use:   "block-height <hash>",
	Short: "Print the height of a block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := chainhash.NewHashFromStr(args[0])
		if err != nil {
			return fmt.Errorf("parse block hash: %w", err)
		}
		out := cmd.OutOrStdout()
		return query(cmd, func(c *client.Client, done func(error)) error {
			_, err := c.FetchBlockHeight(*hash, func(ec message.ErrorCode, height uint32) {
				if ec.OK() {
					fmt.Fprintln(out, height)
				}
				done(check(ec))
			})
			return err
		})
	},
}

var blockTxsCmd = &cobra.Command{
	Use:   "block-txs <height>",
	Short: "List the transaction hashes of a block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		height, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("parse height: %w", err)
		}
		out := cmd.OutOrStdout()
		return query(cmd, func(c *client.Client, done func(error)) error {
			_, err := c.FetchBlockTransactionHashes(uint32(height), func(ec message.ErrorCode, hashes []chainhash.Hash) {
				for _, h := range hashes {
					fmt.Fprintln(out, h)
				}
				done(check(ec))
			})
			return err
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <address>",
	Short: "List outputs and spends of an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return query(cmd, func(c *client.Client, done func(error)) error {
			_, err := c.FetchHistory(args[0], historyFrom, func(ec message.ErrorCode, rows []client.HistoryRow) {
				for _, r := range rows {
					switch r.Kind {
					case client.HistoryOutput:
						fmt.Fprintf(out, "output %s height %d value %s\n", r.Point, r.Height, btcutil.Amount(int64(r.Value)))
					default:
						fmt.Fprintf(out, "spend  %s height %d checksum %016x\n", r.Point, r.Height, r.Value)
					}
				}
				done(check(ec))
			})
			return err
		})
	},
}

var stealthCmd = &cobra.Command{
	Use:   "stealth <bits> <prefix-hex>",
	Short: "Scan stealth rows matching a prefix",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bits, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil {
			return fmt.Errorf("parse bits: %w", err)
		}
		prefix, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("parse prefix: %w", err)
		}
		out := cmd.OutOrStdout()
		return query(cmd, func(c *client.Client, done func(error)) error {
			_, err := c.FetchStealth(uint8(bits), prefix, stealthFrom, func(ec message.ErrorCode, rows []codec.Row) {
				for _, r := range rows {
					fmt.Fprintf(out, "ephemeral %x address %x tx %x\n", r[0], r[1], r[2])
				}
				done(check(ec))
			})
			return err
		})
	},
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast <raw-tx-hex>",
	Short: "Relay a raw transaction, or only validate it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := hex.DecodeString(args[0])
		if err != nil {
			return fmt.Errorf("parse transaction hex: %w", err)
		}
		tx, err := codec.DecodeTransaction(raw)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		return query(cmd, func(c *client.Client, done func(error)) error {
			cb := func(ec message.ErrorCode) {
				if ec.OK() {
					fmt.Fprintln(out, tx.TxHash())
				}
				done(check(ec))
			}
			if validateOnly {
				_, err = c.ValidateTransaction(tx, cb)
			} else {
				_, err = c.BroadcastTransaction(tx, cb)
			}
			return err
		})
	},
}

func init() {
	txCmd.Flags().BoolVar(&txUnconfirmed, "unconfirmed", false, "look in the memory pool instead of the chain")
	historyCmd.Flags().Uint32Var(&historyFrom, "from", 0, "skip rows below this height")
	stealthCmd.Flags().Uint32Var(&stealthFrom, "from", 0, "skip rows below this height")
	broadcastCmd.Flags().BoolVar(&validateOnly, "validate-only", false, "check against the memory pool without relaying")

	rootCmd.AddCommand(lastHeightCmd, headerCmd, txCmd, txIndexCmd, blockHeightCmd, blockTxsCmd,
		historyCmd, stealthCmd, broadcastCmd)
}
