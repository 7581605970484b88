// Package message defines the logical messages exchanged with an obelisk server.
//
// A Request goes out as three frames; a Reply comes back in the same shape on the
// query channel. Block and Transaction arrive on their own subscription channels
// and carry no transaction id.
package message

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Channel identifies one of the three independent frame streams.
type Channel int

const (
	ChannelCommand     Channel = iota // Replies to commands on the query socket
	ChannelBlock                      // Block notifications
	ChannelTransaction                // Transaction notifications
)

func (c Channel) String() string {
	switch c {
	case ChannelCommand:
		return "command"
	case ChannelBlock:
		return "block"
	case ChannelTransaction:
		return "transaction"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Request is one outbound command.
//
//   - Command: fully qualified name, e.g. "blockchain.fetch_last_height"
//   - TxID:    random correlator echoed back by the server
//   - Payload: command specific bytes, may be empty
type Request struct {
	Command string
	TxID    uint32
	Payload []byte
}

// Reply is the server's answer to a Request. Most payloads start with a 4-byte
// little-endian ErrorCode.
type Reply struct {
	Command string
	TxID    uint32
	Payload []byte
}

// ShortCommand returns the command name after the last namespace separator.
func (r Reply) ShortCommand() string {
	return ShortName(r.Command)
}

// ShortName strips the namespace from a command, "blockchain.fetch_history" -> "fetch_history".
func ShortName(command string) string {
	return command[strings.LastIndex(command, ".")+1:]
}

// Block is a block notification from the block subscription socket.
type Block struct {
	Height   uint32
	Hash     []byte
	Header   []byte
	TxCount  uint32
	TxHashes [][]byte
}

// BlockHeader decodes the raw 80-byte header.
func (b Block) BlockHeader() (*wire.BlockHeader, error) {
	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(b.Header)); err != nil {
		return nil, fmt.Errorf("block header: %w", err)
	}
	return &h, nil
}

// BlockHash returns the notified hash as a chainhash.
func (b Block) BlockHash() (chainhash.Hash, error) {
	h, err := chainhash.NewHash(b.Hash)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *h, nil
}

// Transaction is a raw transaction notification.
type Transaction struct {
	Raw []byte
}

// MsgTx decodes the raw transaction bytes.
func (t Transaction) MsgTx() (*wire.MsgTx, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(t.Raw)); err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}
	return &tx, nil
}
