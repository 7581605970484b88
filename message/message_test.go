package message

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func TestShortName(t *testing.T) {
	cases := map[string]string{
		"blockchain.fetch_last_height": "fetch_last_height",
		"address.update":               "update",
		"a.b.c":                        "c",
		"noprefix":                     "noprefix",
		"trailing.":                    "",
	}
	for in, want := range cases {
		if got := ShortName(in); got != want {
			t.Errorf("ShortName(%q) = %q, want %q", in, got, want)
		}
	}
	r := Reply{Command: "protocol.broadcast_transaction"}
	if r.ShortCommand() != "broadcast_transaction" {
		t.Fatalf("unexpected short command %q", r.ShortCommand())
	}
}

func TestBlockDecodesGenesisHeader(t *testing.T) {
	genesis := chaincfg.MainNetParams.GenesisBlock
	var buf bytes.Buffer
	require.NoError(t, genesis.Header.Serialize(&buf))

	hash := genesis.BlockHash()
	b := Block{Height: 0, Hash: hash[:], Header: buf.Bytes()}

	h, err := b.BlockHeader()
	require.NoError(t, err)
	require.Equal(t, genesis.Header.Nonce, h.Nonce)
	require.Equal(t, hash, h.BlockHash())

	got, err := b.BlockHash()
	require.NoError(t, err)
	require.Equal(t, hash, got)
}

func TestBlockHeaderTooShort(t *testing.T) {
	_, err := Block{Header: make([]byte, 10)}.BlockHeader()
	require.Error(t, err)
	_, err = Block{Hash: []byte{1, 2}}.BlockHash()
	require.Error(t, err)
}

func TestTransactionDecodesCoinbase(t *testing.T) {
	coinbase := chaincfg.MainNetParams.GenesisBlock.Transactions[0]
	var buf bytes.Buffer
	require.NoError(t, coinbase.Serialize(&buf))

	tx, err := Transaction{Raw: buf.Bytes()}.MsgTx()
	require.NoError(t, err)
	require.Equal(t, coinbase.TxHash(), tx.TxHash())
}

func TestErrorCodeString(t *testing.T) {
	require.Equal(t, "success", Success.String())
	require.Equal(t, "not found", NotFound.String())
	require.Equal(t, "error code 99", ErrorCode(99).String())
	require.True(t, Success.OK())
	require.False(t, ErrMalformedReply.OK())
}
