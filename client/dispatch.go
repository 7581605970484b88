package client

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"obelisk/codec"
	"obelisk/event"
	"obelisk/message"
)

// HandlerFunc decodes one reply. An empty Result resolves nothing; a non-empty
// one is delivered to the request's callback.
type HandlerFunc func(reply message.Reply) (Result, error)

// HistoryKind tells outputs from spends in a history row.
type HistoryKind uint8

const (
	HistoryOutput HistoryKind = 0
	HistorySpend  HistoryKind = 1
)

// HistoryRow is one entry of fetch_history. For spends Value carries the
// server's checksum of the spent output point.
type HistoryRow struct {
	Kind   HistoryKind
	Point  wire.OutPoint
	Height uint32
	Value  uint64
}

var (
	hashRow    = codec.MustParseRowFormat("<32s")
	historyRow = codec.MustParseRowFormat("<B32sIIQ")
	stealthRow = codec.MustParseRowFormat("<32s20s32s")
)

// notifications are server-initiated messages. Their tx id does not name a
// pending request, so a decode failure resolves nothing.
var notifications = map[string]bool{
	"update": true,
}

func (c *Client) defaultHandlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"fetch_last_height":              decodeHeight,
		"fetch_block_height":             decodeHeight,
		"fetch_block_header":             decodeBlockHeader,
		"fetch_transaction":              decodeTransaction,
		"fetch_unconfirmed_transaction":  decodeTransaction,
		"fetch_block_transaction_hashes": decodeTransactionHashes,
		"fetch_transaction_index":        decodeTransactionIndex,
		"fetch_history":                  decodeHistory,
		"fetch_stealth":                  decodeStealth,
		"subscribe":                      decodeErrorCode,
		"renew":                          decodeErrorCode,
		"broadcast_transaction":          decodeErrorCode,
		"validate":                       decodeErrorCode,
		"update":                         c.onAddressUpdate,
	}
}

// Handle registers fn for a command. Only the part after the last dot is used,
// so "blockchain.fetch_foo" and "fetch_foo" register the same handler. A nil
// fn removes the handler; its replies are then reported as unknown commands.
func (c *Client) Handle(command string, fn HandlerFunc) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if fn == nil {
		delete(c.handlers, message.ShortName(command))
		return
	}
	c.handlers[message.ShortName(command)] = fn
}

// dispatch runs on the query socket's read goroutine.
func (c *Client) dispatch(reply message.Reply) {
	name := reply.ShortCommand()
	c.handlersMu.RLock()
	handler, ok := c.handlers[name]
	c.handlersMu.RUnlock()
	if !ok {
		c.logger.Warn("unknown message", zap.String("command", reply.Command), zap.Uint32("tx_id", reply.TxID))
		c.bus.Report(event.Anomaly{
			Kind:    event.UnknownCommand,
			Channel: message.ChannelCommand,
			Command: reply.Command,
			TxID:    reply.TxID,
		})
		return
	}

	result, err := handler(reply)
	if err != nil {
		c.logger.Warn("malformed reply",
			zap.String("command", reply.Command),
			zap.Uint32("tx_id", reply.TxID),
			zap.Int("payload", len(reply.Payload)),
			zap.Error(err),
		)
		c.bus.Report(event.Anomaly{
			Kind:    event.DecodeFailed,
			Channel: message.ChannelCommand,
			Command: reply.Command,
			TxID:    reply.TxID,
			Err:     err,
		})
		if notifications[name] {
			return
		}
		result = Result{message.ErrMalformedReply}
	}
	if len(result) == 0 {
		return
	}
	c.resolve(reply.TxID, reply.Command, result)
}

func splitErrorCode(payload []byte) (message.ErrorCode, []byte, error) {
	ec, err := codec.ErrorCode(payload)
	if err != nil {
		return 0, nil, err
	}
	return ec, payload[codec.ErrorCodeSize:], nil
}

func needBytes(data []byte, n int, what string) error {
	if len(data) < n {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", codec.ErrShortBuffer, what, n, len(data))
	}
	return nil
}

func decodeErrorCode(reply message.Reply) (Result, error) {
	ec, _, err := splitErrorCode(reply.Payload)
	if err != nil {
		return nil, err
	}
	return Result{ec}, nil
}

func decodeHeight(reply message.Reply) (Result, error) {
	ec, rest, err := splitErrorCode(reply.Payload)
	if err != nil {
		return nil, err
	}
	if !ec.OK() {
		return Result{ec, uint32(0)}, nil
	}
	if err := needBytes(rest, 4, "height"); err != nil {
		return nil, err
	}
	return Result{ec, binary.LittleEndian.Uint32(rest)}, nil
}

func decodeBlockHeader(reply message.Reply) (Result, error) {
	ec, rest, err := splitErrorCode(reply.Payload)
	if err != nil {
		return nil, err
	}
	if !ec.OK() {
		return Result{ec, (*wire.BlockHeader)(nil)}, nil
	}
	header, err := codec.DecodeBlockHeader(rest)
	if err != nil {
		return nil, err
	}
	return Result{ec, header}, nil
}

func decodeTransaction(reply message.Reply) (Result, error) {
	ec, rest, err := splitErrorCode(reply.Payload)
	if err != nil {
		return nil, err
	}
	if !ec.OK() {
		return Result{ec, (*wire.MsgTx)(nil)}, nil
	}
	tx, err := codec.DecodeTransaction(rest)
	if err != nil {
		return nil, err
	}
	return Result{ec, tx}, nil
}

func decodeTransactionHashes(reply message.Reply) (Result, error) {
	ec, err := codec.ErrorCode(reply.Payload)
	if err != nil {
		return nil, err
	}
	rows, err := codec.UnpackTable(hashRow, reply.Payload, codec.ErrorCodeSize)
	if err != nil {
		return nil, err
	}
	hashes := make([]chainhash.Hash, 0, len(rows))
	for _, row := range rows {
		h, err := codec.DecodeHash(row[0].([]byte))
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return Result{ec, hashes}, nil
}

func decodeTransactionIndex(reply message.Reply) (Result, error) {
	ec, rest, err := splitErrorCode(reply.Payload)
	if err != nil {
		return nil, err
	}
	if !ec.OK() {
		return Result{ec, uint32(0), uint32(0)}, nil
	}
	if err := needBytes(rest, 8, "transaction index"); err != nil {
		return nil, err
	}
	return Result{ec, binary.LittleEndian.Uint32(rest), binary.LittleEndian.Uint32(rest[4:])}, nil
}

func decodeHistory(reply message.Reply) (Result, error) {
	ec, err := codec.ErrorCode(reply.Payload)
	if err != nil {
		return nil, err
	}
	rows, err := codec.UnpackTable(historyRow, reply.Payload, codec.ErrorCodeSize)
	if err != nil {
		return nil, err
	}
	history := make([]HistoryRow, 0, len(rows))
	for _, row := range rows {
		hash, err := codec.DecodeHash(row[1].([]byte))
		if err != nil {
			return nil, err
		}
		history = append(history, HistoryRow{
			Kind:   HistoryKind(row[0].(uint8)),
			Point:  wire.OutPoint{Hash: hash, Index: row[2].(uint32)},
			Height: row[3].(uint32),
			Value:  row[4].(uint64),
		})
	}
	return Result{ec, history}, nil
}

func decodeStealth(reply message.Reply) (Result, error) {
	ec, err := codec.ErrorCode(reply.Payload)
	if err != nil {
		return nil, err
	}
	rows, err := codec.UnpackTable(stealthRow, reply.Payload, codec.ErrorCodeSize)
	if err != nil {
		return nil, err
	}
	return Result{ec, rows}, nil
}
