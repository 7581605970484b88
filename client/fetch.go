package client

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"obelisk/codec"
	"obelisk/message"
)

const (
	cmdFetchLastHeight       = "blockchain.fetch_last_height"
	cmdFetchBlockHeader      = "blockchain.fetch_block_header"
	cmdFetchTransaction      = "blockchain.fetch_transaction"
	cmdFetchUnconfirmed      = "transaction_pool.fetch_transaction"
	cmdFetchBlockHeight      = "blockchain.fetch_block_height"
	cmdFetchTransactionIndex = "blockchain.fetch_transaction_index"
	cmdFetchBlockTxHashes    = "blockchain.fetch_block_transaction_hashes"
	cmdFetchHistory          = "blockchain.fetch_history"
	cmdFetchStealth          = "blockchain.fetch_stealth"
	cmdBroadcastTransaction  = "protocol.broadcast_transaction"
	cmdValidateTransaction   = "transaction_pool.validate"
)

// errorOf returns the error code a result starts with; anything else counts
// as a malformed reply.
func errorOf(r Result) message.ErrorCode {
	if len(r) > 0 {
		if ec, ok := r[0].(message.ErrorCode); ok {
			return ec
		}
	}
	return message.ErrMalformedReply
}

// callback adapts a typed reply handler. A nil handler sends the request
// without a callback, the same as SendCommand with a nil cb.
func callback(set bool, fn func(Result)) *Callback {
	if !set {
		return nil
	}
	return NewCallback(fn)
}

func field[T any](r Result, i int) T {
	var zero T
	if i < len(r) {
		if v, ok := r[i].(T); ok {
			return v
		}
	}
	return zero
}

// FetchLastHeight asks for the height of the server's best chain.
func (c *Client) FetchLastHeight(cb func(message.ErrorCode, uint32)) (uint32, error) {
	return c.SendCommand(cmdFetchLastHeight, nil, callback(cb != nil, func(r Result) {
		cb(errorOf(r), field[uint32](r, 1))
	}))
}

// FetchBlockHeader fetches the header of the block at height.
func (c *Client) FetchBlockHeader(height uint32, cb func(message.ErrorCode, *wire.BlockHeader)) (uint32, error) {
	return c.fetchHeader(codec.EncodeUint32(height), cb)
}

// FetchBlockHeaderByHash fetches the header of the block with hash.
func (c *Client) FetchBlockHeaderByHash(hash chainhash.Hash, cb func(message.ErrorCode, *wire.BlockHeader)) (uint32, error) {
	return c.fetchHeader(hash[:], cb)
}

func (c *Client) fetchHeader(payload []byte, cb func(message.ErrorCode, *wire.BlockHeader)) (uint32, error) {
	return c.SendCommand(cmdFetchBlockHeader, payload, callback(cb != nil, func(r Result) {
		cb(errorOf(r), field[*wire.BlockHeader](r, 1))
	}))
}

// FetchTransaction fetches a confirmed transaction.
func (c *Client) FetchTransaction(hash chainhash.Hash, cb func(message.ErrorCode, *wire.MsgTx)) (uint32, error) {
	return c.fetchTx(cmdFetchTransaction, hash, cb)
}

// FetchUnconfirmedTransaction fetches a transaction from the memory pool.
func (c *Client) FetchUnconfirmedTransaction(hash chainhash.Hash, cb func(message.ErrorCode, *wire.MsgTx)) (uint32, error) {
	return c.fetchTx(cmdFetchUnconfirmed, hash, cb)
}

func (c *Client) fetchTx(command string, hash chainhash.Hash, cb func(message.ErrorCode, *wire.MsgTx)) (uint32, error) {
	return c.SendCommand(command, hash[:], callback(cb != nil, func(r Result) {
		cb(errorOf(r), field[*wire.MsgTx](r, 1))
	}))
}

// FetchBlockHeight returns the height of the block with hash.
func (c *Client) FetchBlockHeight(hash chainhash.Hash, cb func(message.ErrorCode, uint32)) (uint32, error) {
	return c.SendCommand(cmdFetchBlockHeight, hash[:], callback(cb != nil, func(r Result) {
		cb(errorOf(r), field[uint32](r, 1))
	}))
}

// FetchTransactionIndex returns where a confirmed transaction sits: block
// height and position in the block.
func (c *Client) FetchTransactionIndex(hash chainhash.Hash, cb func(ec message.ErrorCode, height, index uint32)) (uint32, error) {
	return c.SendCommand(cmdFetchTransactionIndex, hash[:], callback(cb != nil, func(r Result) {
		cb(errorOf(r), field[uint32](r, 1), field[uint32](r, 2))
	}))
}

// FetchBlockTransactionHashes lists the transactions of the block at height.
func (c *Client) FetchBlockTransactionHashes(height uint32, cb func(message.ErrorCode, []chainhash.Hash)) (uint32, error) {
	return c.SendCommand(cmdFetchBlockTxHashes, codec.EncodeUint32(height), callback(cb != nil, func(r Result) {
		cb(errorOf(r), field[[]chainhash.Hash](r, 1))
	}))
}

// FetchHistory lists outputs and spends of address from fromHeight on.
func (c *Client) FetchHistory(address string, fromHeight uint32, cb func(message.ErrorCode, []HistoryRow)) (uint32, error) {
	payload, err := codec.EncodeAddress(address, c.opts.Params)
	if err != nil {
		return 0, err
	}
	payload = append(payload, codec.EncodeUint32(fromHeight)...)
	return c.SendCommand(cmdFetchHistory, payload, callback(cb != nil, func(r Result) {
		cb(errorOf(r), field[[]HistoryRow](r, 1))
	}))
}

// FetchStealth scans stealth rows whose prefix matches the first bits of prefix.
// Each row is (ephemeral key, address hash160, transaction hash).
func (c *Client) FetchStealth(bits uint8, prefix []byte, fromHeight uint32, cb func(message.ErrorCode, []codec.Row)) (uint32, error) {
	payload := make([]byte, 0, 1+len(prefix)+4)
	payload = append(payload, bits)
	payload = append(payload, prefix...)
	payload = append(payload, codec.EncodeUint32(fromHeight)...)
	return c.SendCommand(cmdFetchStealth, payload, callback(cb != nil, func(r Result) {
		cb(errorOf(r), field[[]codec.Row](r, 1))
	}))
}

// BroadcastTransaction relays tx to the network.
func (c *Client) BroadcastTransaction(tx *wire.MsgTx, cb func(message.ErrorCode)) (uint32, error) {
	return c.sendTx(cmdBroadcastTransaction, tx, cb)
}

// ValidateTransaction checks tx against the server's memory pool.
func (c *Client) ValidateTransaction(tx *wire.MsgTx, cb func(message.ErrorCode)) (uint32, error) {
	return c.sendTx(cmdValidateTransaction, tx, cb)
}

func (c *Client) sendTx(command string, tx *wire.MsgTx, cb func(message.ErrorCode)) (uint32, error) {
	raw, err := codec.EncodeTransaction(tx)
	if err != nil {
		return 0, err
	}
	return c.SendCommand(command, raw, callback(cb != nil, func(r Result) {
		cb(errorOf(r))
	}))
}
