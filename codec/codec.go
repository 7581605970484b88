// Package codec packs and unpacks the fixed-width binary fields of the obelisk wire protocol.
//
// A command request is three frames:
//
//	┌──────────────┬─────────────┬──────────────┐
//	│ command name │ tx id       │ payload      │
//	│ utf-8 bytes  │ uint32 (LE) │ opaque bytes │
//	└──────────────┴─────────────┴──────────────┘
//
// Replies share the same shape; their payload usually starts with a 4-byte
// little-endian error code followed by command specific fields or a table of rows.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"obelisk/message"
)

// TxIDSize is the width of the transaction id frame.
const TxIDSize = 4

// ErrorCodeSize is the width of the error code that prefixes reply payloads.
const ErrorCodeSize = 4

var (
	ErrTxIDLength  = errors.New("codec: transaction id frame must be 4 bytes")
	ErrShortBuffer = errors.New("codec: buffer too short")
)

// EncodeRequest returns the three frames of a command request, in send order.
func EncodeRequest(req message.Request) [][]byte {
	payload := req.Payload
	if payload == nil {
		payload = []byte{}
	}
	return [][]byte{
		[]byte(req.Command),
		EncodeTxID(req.TxID),
		payload,
	}
}

// EncodeTxID packs a transaction id as the server expects it.
func EncodeTxID(id uint32) []byte {
	buf := make([]byte, TxIDSize)
	binary.LittleEndian.PutUint32(buf, id)
	return buf
}

// DecodeTxID unpacks a transaction id frame. The frame must be exactly 4 bytes.
func DecodeTxID(frame []byte) (uint32, error) {
	if len(frame) != TxIDSize {
		return 0, fmt.Errorf("%w: got %d", ErrTxIDLength, len(frame))
	}
	return binary.LittleEndian.Uint32(frame), nil
}

// ErrorCode reads the 4-byte little-endian error code at offset 0.
func ErrorCode(data []byte) (message.ErrorCode, error) {
	if len(data) < ErrorCodeSize {
		return 0, fmt.Errorf("%w: error code needs %d bytes, got %d", ErrShortBuffer, ErrorCodeSize, len(data))
	}
	return message.ErrorCode(binary.LittleEndian.Uint32(data)), nil
}

// EncodeUint32 packs a little-endian uint32 payload, e.g. a block height.
func EncodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}
