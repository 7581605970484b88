package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"obelisk/message"
)

func TestEncodeRequest(t *testing.T) {
	req := message.Request{
		Command: "blockchain.fetch_block_header",
		TxID:    0xdeadbeef,
		Payload: []byte{1, 2, 3},
	}

	frames := EncodeRequest(req)
	if len(frames) != 3 {
		t.Fatalf("expect 3 frames, got %d", len(frames))
	}
	if string(frames[0]) != req.Command {
		t.Errorf("command mismatch: got %q", frames[0])
	}
	if !bytes.Equal(frames[1], []byte{0xef, 0xbe, 0xad, 0xde}) {
		t.Errorf("tx id must be little endian, got %x", frames[1])
	}
	if !bytes.Equal(frames[2], req.Payload) {
		t.Errorf("payload mismatch: got %x", frames[2])
	}
}

func TestEncodeRequestEmptyPayload(t *testing.T) {
	frames := EncodeRequest(message.Request{Command: "blockchain.fetch_last_height", TxID: 1})
	if frames[2] == nil || len(frames[2]) != 0 {
		t.Fatalf("expect empty non-nil payload frame, got %v", frames[2])
	}
}

func TestTxIDRoundTrip(t *testing.T) {
	for _, id := range []uint32{0, 1, 0x01020304, 0xffffffff} {
		got, err := DecodeTxID(EncodeTxID(id))
		if err != nil {
			t.Fatal(err)
		}
		if got != id {
			t.Fatalf("expect %d, got %d", id, got)
		}
	}
}

func TestDecodeTxIDWrongLength(t *testing.T) {
	for _, frame := range [][]byte{nil, {1, 2, 3}, {1, 2, 3, 4, 5}} {
		_, err := DecodeTxID(frame)
		if !errors.Is(err, ErrTxIDLength) {
			t.Errorf("frame %x: expect ErrTxIDLength, got %v", frame, err)
		}
	}
}

func TestErrorCode(t *testing.T) {
	data := []byte{3, 0, 0, 0, 0xaa, 0xbb}
	code, err := ErrorCode(data)
	require.NoError(t, err)
	require.Equal(t, message.NotFound, code)

	_, err = ErrorCode([]byte{1, 0})
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestDecodeBlockHeader(t *testing.T) {
	genesis := chaincfg.MainNetParams.GenesisBlock
	var buf bytes.Buffer
	require.NoError(t, genesis.Header.Serialize(&buf))
	require.Equal(t, HeaderSize, buf.Len())

	h, err := DecodeBlockHeader(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, genesis.BlockHash(), h.BlockHash())

	_, err = DecodeBlockHeader(buf.Bytes()[:79])
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestTransactionRoundTrip(t *testing.T) {
	coinbase := chaincfg.MainNetParams.GenesisBlock.Transactions[0]
	raw, err := EncodeTransaction(coinbase)
	require.NoError(t, err)

	tx, err := DecodeTransaction(raw)
	require.NoError(t, err)
	require.Equal(t, coinbase.TxHash(), tx.TxHash())

	_, err = DecodeTransaction(raw[:10])
	require.Error(t, err)
}

func TestDecodeHash(t *testing.T) {
	raw := make([]byte, 32)
	raw[0] = 0x01
	h, err := DecodeHash(raw)
	require.NoError(t, err)
	require.Equal(t, raw, h[:])

	_, err = DecodeHash(raw[:31])
	require.Error(t, err)
}

func TestEncodeAddress(t *testing.T) {
	// Satoshi's genesis coinbase address.
	payload, err := EncodeAddress("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Len(t, payload, 21)
	require.Equal(t, byte(AddressBits), payload[0])
	require.Equal(t, "62e907b15cbf27d5425399ebf6f0fb50ebb88f18", hex.EncodeToString(payload[1:]))

	_, err = EncodeAddress("not-an-address", &chaincfg.MainNetParams)
	require.Error(t, err)
}

func TestEncodeUint32(t *testing.T) {
	b := EncodeUint32(700000)
	require.Equal(t, uint32(700000), binary.LittleEndian.Uint32(b))
}
