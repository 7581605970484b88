package client

import (
	"bytes"
	"encoding/binary"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"obelisk/codec"
	"obelisk/message"
)

const (
	cmdSubscribe = "address.subscribe"
	cmdRenew     = "address.renew"
)

// address.update payload: version(1) hash160(20) height(4) block hash(32) tx(...)
const updateHeaderSize = 1 + 20 + 4 + chainhash.HashSize

// AddressUpdate is a server notification about a subscribed address.
type AddressUpdate struct {
	Address   string // the subscribed address the update was routed to
	Version   byte
	Hash160   []byte
	Height    uint32
	BlockHash chainhash.Hash
	RawTx     []byte
}

// Tx decodes the transaction that touched the address.
func (u AddressUpdate) Tx() (*wire.MsgTx, error) {
	return codec.DecodeTransaction(u.RawTx)
}

// AddressCallback receives address updates. Like Callback it is compared by
// identity.
type AddressCallback struct {
	fn func(AddressUpdate)
}

func NewAddressCallback(fn func(AddressUpdate)) *AddressCallback {
	return &AddressCallback{fn: fn}
}

type subscription struct {
	address   string
	payload   []byte // prefix length + hash160, as sent with address.subscribe
	callbacks []*AddressCallback
}

func (s *subscription) hash160() []byte {
	return s.payload[1:]
}

// SubscribeAddress registers cb for updates on address and asks the server to
// start sending them. The same callback is registered once per address; the
// subscription is re-issued after every reconnect.
func (c *Client) SubscribeAddress(address string, cb *AddressCallback) (uint32, error) {
	if cb == nil {
		return 0, ErrNilCallback
	}
	payload, err := codec.EncodeAddress(address, c.opts.Params)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	sub, ok := c.subs[address]
	if !ok {
		sub = &subscription{address: address, payload: payload}
		c.subs[address] = sub
		c.subOrder = append(c.subOrder, address)
	}
	added := !slices.Contains(sub.callbacks, cb)
	if added {
		sub.callbacks = append(sub.callbacks, cb)
	}
	c.mu.Unlock()

	id, err := c.SendCommand(cmdSubscribe, payload, nil)
	if err != nil && added {
		c.RemoveAddressCallback(address, cb)
	}
	return id, err
}

// RemoveAddressCallback stops delivering updates for address to cb. The server
// side subscription lapses unless renewed.
func (c *Client) RemoveAddressCallback(address string, cb *AddressCallback) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[address]
	if !ok {
		return false
	}
	i := slices.Index(sub.callbacks, cb)
	if i < 0 {
		return false
	}
	sub.callbacks = slices.Delete(sub.callbacks, i, i+1)
	if len(sub.callbacks) == 0 {
		delete(c.subs, address)
		c.subOrder = slices.DeleteFunc(c.subOrder, func(a string) bool { return a == address })
	}
	return true
}

// RenewAddress refreshes the server side subscription for address.
func (c *Client) RenewAddress(address string, cb *Callback) (uint32, error) {
	payload, err := codec.EncodeAddress(address, c.opts.Params)
	if err != nil {
		return 0, err
	}
	return c.SendCommand(cmdRenew, payload, cb)
}

// onAddressUpdate routes address.update to the callbacks of every subscription
// with a matching hash160. It never resolves a pending request.
func (c *Client) onAddressUpdate(reply message.Reply) (Result, error) {
	data := reply.Payload
	if err := needBytes(data, updateHeaderSize, "address update"); err != nil {
		return nil, err
	}
	update := AddressUpdate{
		Version: data[0],
		Hash160: data[1:21],
		Height:  binary.LittleEndian.Uint32(data[21:25]),
		RawTx:   data[updateHeaderSize:],
	}
	copy(update.BlockHash[:], data[25:updateHeaderSize])

	type delivery struct {
		address string
		cb      *AddressCallback
	}
	var targets []delivery
	c.mu.Lock()
	for _, address := range c.subOrder {
		sub := c.subs[address]
		if !bytes.Equal(sub.hash160(), update.Hash160) {
			continue
		}
		for _, cb := range sub.callbacks {
			targets = append(targets, delivery{address: address, cb: cb})
		}
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		c.logger.Debug("address update without subscriber", zap.Binary("hash160", update.Hash160))
		return nil, nil
	}
	for _, t := range targets {
		u := update
		u.Address = t.address
		if t.cb.fn != nil {
			t.cb.fn(u)
		}
	}
	return nil, nil
}
