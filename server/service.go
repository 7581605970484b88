package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"obelisk/codec"
	"obelisk/message"
)

type historyKind uint8

const (
	historyOutput historyKind = 0
	historySpend  historyKind = 1
)

type historyEntry struct {
	kind   historyKind
	point  wire.OutPoint
	height uint32
	value  uint64 // output value, or the spent point's checksum for spends
}

type txLocation struct {
	height uint32
	index  uint32
}

type hash160 [20]byte

// Chain is an in-memory block chain that answers the blockchain,
// transaction_pool, protocol and address commands. It starts at the network's
// genesis block.
type Chain struct {
	params *chaincfg.Params
	logger *zap.Logger
	server *Server

	mu      sync.RWMutex
	blocks  []*wire.MsgBlock
	heights map[chainhash.Hash]uint32
	txs     map[chainhash.Hash]txLocation
	mempool map[chainhash.Hash]*wire.MsgTx
	history map[hash160][]historyEntry
	owners  map[wire.OutPoint][]hash160
	subs    map[hash160][][]byte // peer identities per subscribed address
}

func NewChain(params *chaincfg.Params, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chain{
		params:  params,
		logger:  logger,
		heights: make(map[chainhash.Hash]uint32),
		txs:     make(map[chainhash.Hash]txLocation),
		mempool: make(map[chainhash.Hash]*wire.MsgTx),
		history: make(map[hash160][]historyEntry),
		owners:  make(map[wire.OutPoint][]hash160),
		subs:    make(map[hash160][][]byte),
	}
	c.mu.Lock()
	c.appendLocked(params.GenesisBlock)
	c.mu.Unlock()
	return c
}

// Register installs the chain's command handlers on s. Blocks added afterwards
// are published on s's feeds.
func (c *Chain) Register(s *Server) {
	c.server = s
	handlers := map[string]HandlerFunc{
		"blockchain.fetch_last_height":              c.fetchLastHeight,
		"blockchain.fetch_block_header":             c.fetchBlockHeader,
		"blockchain.fetch_block_height":             c.fetchBlockHeight,
		"blockchain.fetch_transaction":              c.fetchTransaction,
		"blockchain.fetch_transaction_index":        c.fetchTransactionIndex,
		"blockchain.fetch_block_transaction_hashes": c.fetchBlockTransactionHashes,
		"blockchain.fetch_history":                  c.fetchHistory,
		"blockchain.fetch_stealth":                  c.fetchStealth,
		"transaction_pool.fetch_transaction":        c.fetchUnconfirmed,
		"transaction_pool.validate":                 c.validate,
		"protocol.broadcast_transaction":            c.broadcast,
		"address.subscribe":                         c.subscribe,
		"address.renew":                             c.subscribe,
	}
	for command, fn := range handlers {
		s.Handle(command, fn)
	}
}

// Height returns the height of the chain tip.
func (c *Chain) Height() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint32(len(c.blocks) - 1)
}

// AddBlock appends block to the chain, clears its transactions from the memory
// pool and notifies the block feed and address subscribers.
func (c *Chain) AddBlock(block *wire.MsgBlock) uint32 {
	c.mu.Lock()
	height := c.appendLocked(block)
	for _, tx := range block.Transactions {
		delete(c.mempool, tx.TxHash())
	}
	notes := c.updatesLocked(block.Transactions, height, block.BlockHash())
	c.mu.Unlock()

	if c.server != nil {
		hashes := make([]chainhash.Hash, 0, len(block.Transactions))
		for _, tx := range block.Transactions {
			hashes = append(hashes, tx.TxHash())
		}
		if err := c.server.PublishBlock(height, &block.Header, hashes); err != nil && !errors.Is(err, ErrNoFeed) {
			c.logger.Warn("publish block failed", zap.Uint32("height", height), zap.Error(err))
		}
		c.deliver(notes)
	}
	c.logger.Info("block added", zap.Uint32("height", height), zap.Int("txs", len(block.Transactions)))
	return height
}

// Mine builds a block on the tip from the memory pool and adds it. The coinbase
// pays an anyone-can-spend output.
func (c *Chain) Mine(now time.Time) uint32 {
	c.mu.RLock()
	tip := c.blocks[len(c.blocks)-1]
	height := uint32(len(c.blocks))
	txs := make([]*wire.MsgTx, 0, 1+len(c.mempool))
	for _, tx := range c.mempool {
		txs = append(txs, tx)
	}
	c.mu.RUnlock()

	coinbase := wire.NewMsgTx(wire.TxVersion)
	script := append([]byte{txscript.OP_DATA_4}, codec.EncodeUint32(height)...)
	coinbase.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex), script, nil))
	coinbase.AddTxOut(wire.NewTxOut(blockchain.CalcBlockSubsidy(int32(height), c.params), []byte{txscript.OP_TRUE}))
	txs = append([]*wire.MsgTx{coinbase}, txs...)

	merkle := blockchain.CalcMerkleRoot(txsOf(txs), false)
	prev := tip.BlockHash()
	header := wire.NewBlockHeader(1, &prev, &merkle, tip.Header.Bits, 0)
	header.Timestamp = now.Truncate(time.Second)

	block := wire.NewMsgBlock(header)
	block.Transactions = txs
	return c.AddBlock(block)
}

func txsOf(txs []*wire.MsgTx) []*btcutil.Tx {
	out := make([]*btcutil.Tx, 0, len(txs))
	for _, tx := range txs {
		out = append(out, btcutil.NewTx(tx))
	}
	return out
}

func (c *Chain) appendLocked(block *wire.MsgBlock) uint32 {
	height := uint32(len(c.blocks))
	c.blocks = append(c.blocks, block)
	c.heights[block.BlockHash()] = height
	for i, tx := range block.Transactions {
		txHash := tx.TxHash()
		c.txs[txHash] = txLocation{height: height, index: uint32(i)}
		c.indexLocked(tx, txHash, height)
	}
	return height
}

func (c *Chain) indexLocked(tx *wire.MsgTx, txHash chainhash.Hash, height uint32) {
	for i, in := range tx.TxIn {
		for _, owner := range c.owners[in.PreviousOutPoint] {
			c.history[owner] = append(c.history[owner], historyEntry{
				kind:   historySpend,
				point:  wire.OutPoint{Hash: txHash, Index: uint32(i)},
				height: height,
				value:  spendChecksum(in.PreviousOutPoint),
			})
		}
	}
	for i, out := range tx.TxOut {
		point := wire.OutPoint{Hash: txHash, Index: uint32(i)}
		for _, owner := range c.outputOwners(out.PkScript) {
			c.owners[point] = append(c.owners[point], owner)
			c.history[owner] = append(c.history[owner], historyEntry{
				kind:   historyOutput,
				point:  point,
				height: height,
				value:  uint64(out.Value),
			})
		}
	}
}

func (c *Chain) outputOwners(pkScript []byte) []hash160 {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, c.params)
	if err != nil {
		return nil
	}
	var owners []hash160
	for _, addr := range addrs {
		if pk, ok := addr.(*btcutil.AddressPubKey); ok {
			addr = pk.AddressPubKeyHash()
		}
		raw := addr.ScriptAddress()
		var h hash160
		if len(raw) != len(h) {
			continue
		}
		copy(h[:], raw)
		owners = append(owners, h)
	}
	return owners
}

// spendChecksum packs the upper 49 bits of the hash prefix with the lower 15
// bits of the index.
func spendChecksum(p wire.OutPoint) uint64 {
	upper := binary.LittleEndian.Uint64(p.Hash[:8]) & 0xffffffffffff8000
	return upper | uint64(p.Index&0x7fff)
}

type addressNote struct {
	peer    []byte
	payload []byte
}

// updatesLocked builds address.update notifications for subscribed addresses
// paid by txs.
func (c *Chain) updatesLocked(txs []*wire.MsgTx, height uint32, blockHash chainhash.Hash) []addressNote {
	var notes []addressNote
	for _, tx := range txs {
		raw, err := codec.EncodeTransaction(tx)
		if err != nil {
			continue
		}
		seen := make(map[hash160]bool)
		for _, out := range tx.TxOut {
			for _, owner := range c.outputOwners(out.PkScript) {
				if seen[owner] {
					continue
				}
				seen[owner] = true
				for _, peer := range c.subs[owner] {
					payload := make([]byte, 0, 1+20+4+chainhash.HashSize+len(raw))
					payload = append(payload, c.params.PubKeyHashAddrID)
					payload = append(payload, owner[:]...)
					payload = append(payload, codec.EncodeUint32(height)...)
					payload = append(payload, blockHash[:]...)
					payload = append(payload, raw...)
					notes = append(notes, addressNote{peer: peer, payload: payload})
				}
			}
		}
	}
	return notes
}

func (c *Chain) deliver(notes []addressNote) {
	for _, n := range notes {
		c.server.Notify(n.peer, message.Request{Command: "address.update", Payload: n.payload})
	}
}

func status(ec message.ErrorCode) []byte {
	return codec.EncodeUint32(uint32(ec))
}

func (c *Chain) fetchLastHeight(context.Context, message.Request) ([]byte, bool) {
	return append(status(message.Success), codec.EncodeUint32(c.Height())...), true
}

func (c *Chain) fetchBlockHeader(_ context.Context, req message.Request) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var height uint32
	switch len(req.Payload) {
	case 4:
		height = binary.LittleEndian.Uint32(req.Payload)
	case chainhash.HashSize:
		h, ok := c.heights[chainhash.Hash(req.Payload)]
		if !ok {
			return status(message.NotFound), true
		}
		height = h
	default:
		return status(message.BadStream), true
	}
	if height >= uint32(len(c.blocks)) {
		return status(message.NotFound), true
	}
	out, err := serialize(&c.blocks[height].Header)
	if err != nil {
		return status(message.OperationFailed), true
	}
	return append(status(message.Success), out...), true
}

func (c *Chain) fetchBlockHeight(_ context.Context, req message.Request) ([]byte, bool) {
	if len(req.Payload) != chainhash.HashSize {
		return status(message.BadStream), true
	}
	c.mu.RLock()
	height, ok := c.heights[chainhash.Hash(req.Payload)]
	c.mu.RUnlock()
	if !ok {
		return status(message.NotFound), true
	}
	return append(status(message.Success), codec.EncodeUint32(height)...), true
}

func (c *Chain) fetchTransaction(_ context.Context, req message.Request) ([]byte, bool) {
	if len(req.Payload) != chainhash.HashSize {
		return status(message.BadStream), true
	}
	c.mu.RLock()
	loc, ok := c.txs[chainhash.Hash(req.Payload)]
	var tx *wire.MsgTx
	if ok {
		tx = c.blocks[loc.height].Transactions[loc.index]
	}
	c.mu.RUnlock()
	return txReply(tx)
}

func (c *Chain) fetchUnconfirmed(_ context.Context, req message.Request) ([]byte, bool) {
	if len(req.Payload) != chainhash.HashSize {
		return status(message.BadStream), true
	}
	c.mu.RLock()
	tx := c.mempool[chainhash.Hash(req.Payload)]
	c.mu.RUnlock()
	return txReply(tx)
}

func txReply(tx *wire.MsgTx) ([]byte, bool) {
	if tx == nil {
		return status(message.NotFound), true
	}
	raw, err := codec.EncodeTransaction(tx)
	if err != nil {
		return status(message.OperationFailed), true
	}
	return append(status(message.Success), raw...), true
}

func (c *Chain) fetchTransactionIndex(_ context.Context, req message.Request) ([]byte, bool) {
	if len(req.Payload) != chainhash.HashSize {
		return status(message.BadStream), true
	}
	c.mu.RLock()
	loc, ok := c.txs[chainhash.Hash(req.Payload)]
	c.mu.RUnlock()
	if !ok {
		return status(message.NotFound), true
	}
	out := status(message.Success)
	out = append(out, codec.EncodeUint32(loc.height)...)
	return append(out, codec.EncodeUint32(loc.index)...), true
}

func (c *Chain) fetchBlockTransactionHashes(_ context.Context, req message.Request) ([]byte, bool) {
	if len(req.Payload) != 4 {
		return status(message.BadStream), true
	}
	height := binary.LittleEndian.Uint32(req.Payload)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height >= uint32(len(c.blocks)) {
		return status(message.NotFound), true
	}
	out := status(message.Success)
	for _, tx := range c.blocks[height].Transactions {
		h := tx.TxHash()
		out = append(out, h[:]...)
	}
	return out, true
}

// fetchHistory expects prefix bits(1) hash160(20) from height(4).
func (c *Chain) fetchHistory(_ context.Context, req message.Request) ([]byte, bool) {
	if len(req.Payload) != 1+20+4 || req.Payload[0] != codec.AddressBits {
		return status(message.BadStream), true
	}
	var owner hash160
	copy(owner[:], req.Payload[1:21])
	from := binary.LittleEndian.Uint32(req.Payload[21:])

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := status(message.Success)
	for _, e := range c.history[owner] {
		if e.height < from {
			continue
		}
		out = append(out, byte(e.kind))
		out = append(out, e.point.Hash[:]...)
		out = append(out, codec.EncodeUint32(e.point.Index)...)
		out = append(out, codec.EncodeUint32(e.height)...)
		out = binary.LittleEndian.AppendUint64(out, e.value)
	}
	return out, true
}

// fetchStealth answers with an empty table: the chain keeps no stealth index.
func (c *Chain) fetchStealth(_ context.Context, req message.Request) ([]byte, bool) {
	if len(req.Payload) < 1+4 {
		return status(message.BadStream), true
	}
	return status(message.Success), true
}

func (c *Chain) subscribe(ctx context.Context, req message.Request) ([]byte, bool) {
	if len(req.Payload) != 1+20 || req.Payload[0] != codec.AddressBits {
		return status(message.BadStream), true
	}
	var owner hash160
	copy(owner[:], req.Payload[1:])
	peer := Peer(ctx)

	c.mu.Lock()
	known := false
	for _, p := range c.subs[owner] {
		if string(p) == string(peer) {
			known = true
			break
		}
	}
	if !known {
		c.subs[owner] = append(c.subs[owner], peer)
	}
	c.mu.Unlock()
	return status(message.Success), true
}

func (c *Chain) validate(_ context.Context, req message.Request) ([]byte, bool) {
	tx, ec := c.check(req.Payload)
	if tx == nil {
		return status(ec), true
	}
	return status(message.Success), true
}

// broadcast accepts a transaction into the memory pool, publishes it on the
// transaction feed and notifies subscribers of the addresses it pays.
func (c *Chain) broadcast(_ context.Context, req message.Request) ([]byte, bool) {
	tx, ec := c.check(req.Payload)
	if tx == nil {
		return status(ec), true
	}
	c.mu.Lock()
	c.mempool[tx.TxHash()] = tx
	notes := c.updatesLocked([]*wire.MsgTx{tx}, 0, chainhash.Hash{})
	c.mu.Unlock()

	if c.server != nil {
		if err := c.server.PublishTransaction(tx); err != nil && !errors.Is(err, ErrNoFeed) {
			c.logger.Warn("publish tx failed", zap.Error(err))
		}
		c.deliver(notes)
	}
	return status(message.Success), true
}

func (c *Chain) check(raw []byte) (*wire.MsgTx, message.ErrorCode) {
	tx, err := codec.DecodeTransaction(raw)
	if err != nil {
		return nil, message.BadStream
	}
	if err := blockchain.CheckTransactionSanity(btcutil.NewTx(tx)); err != nil {
		c.logger.Debug("rejected tx", zap.Error(err))
		return nil, message.ValidationFailed
	}
	h := tx.TxHash()
	c.mu.RLock()
	_, pooled := c.mempool[h]
	_, mined := c.txs[h]
	c.mu.RUnlock()
	if pooled || mined {
		return nil, message.Duplicate
	}
	return tx, message.Success
}

func serialize(h *wire.BlockHeader) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(codec.HeaderSize)
	if err := h.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
