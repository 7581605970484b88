package codec

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HeaderSize is the serialized size of a block header.
const HeaderSize = 80

// AddressBits is the prefix length sent with address subscriptions: a full hash160.
const AddressBits = 160

// DecodeBlockHeader deserializes an 80-byte block header.
func DecodeBlockHeader(data []byte) (*wire.BlockHeader, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: header needs %d bytes, got %d", ErrShortBuffer, HeaderSize, len(data))
	}
	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(data[:HeaderSize])); err != nil {
		return nil, fmt.Errorf("codec: decode header: %w", err)
	}
	return &h, nil
}

// DecodeTransaction deserializes a raw transaction.
func DecodeTransaction(data []byte) (*wire.MsgTx, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("codec: decode transaction: %w", err)
	}
	return &tx, nil
}

// EncodeTransaction serializes a transaction for broadcast.
func EncodeTransaction(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("codec: encode transaction: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeHash reads a 32-byte hash in internal byte order.
func DecodeHash(data []byte) (chainhash.Hash, error) {
	h, err := chainhash.NewHash(data)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("codec: %w", err)
	}
	return *h, nil
}

// EncodeAddress builds the payload for address subscriptions and history
// queries: one byte of prefix length followed by the address hash160.
func EncodeAddress(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("codec: decode address %q: %w", address, err)
	}
	hash := addr.ScriptAddress()
	if len(hash) != AddressBits/8 {
		return nil, fmt.Errorf("codec: address %q is not a hash160 address", address)
	}
	payload := make([]byte, 0, 1+len(hash))
	payload = append(payload, AddressBits)
	return append(payload, hash...), nil
}

// EncodeBlockNotification returns the frames a block publisher sends:
// height, block hash, header, tx count, then one frame per transaction hash.
func EncodeBlockNotification(height uint32, header *wire.BlockHeader, txHashes []chainhash.Hash) ([][]byte, error) {
	var raw bytes.Buffer
	raw.Grow(HeaderSize)
	if err := header.Serialize(&raw); err != nil {
		return nil, fmt.Errorf("codec: encode header: %w", err)
	}
	hash := header.BlockHash()
	frames := make([][]byte, 0, 4+len(txHashes))
	frames = append(frames,
		EncodeUint32(height),
		append([]byte(nil), hash[:]...),
		raw.Bytes(),
		EncodeUint32(uint32(len(txHashes))),
	)
	for _, h := range txHashes {
		frames = append(frames, append([]byte(nil), h[:]...))
	}
	return frames, nil
}
