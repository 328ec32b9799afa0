// Copyright 2016 The BitcoinArmory Developers. All rights reserved.
// Use of this source code is governed by an MIT
// license that can be found in the LICENSE file.

package p2p

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// txCallback completes a pending GetTx call with the received
// transaction. Invoked at most once.
type txCallback func(*Tx)

// servedPayload is a pre-built payload shipped when the peer asks for
// its hash via getdata, plus the signal fired once it went out.
type servedPayload struct {
	payload Payload
	sent    *oneShot[struct{}]
}

// correlator holds the tables that turn asynchronous message arrivals
// into completions of synchronous calls: the getTx callback map, the
// serve-on-demand payload map, the block-inv subscriber list and the
// tx-inv slot. All access is mutex guarded.
type correlator struct {
	mtx sync.Mutex

	txCallbacks  map[chainhash.Hash]txCallback
	payloads     map[chainhash.Hash]servedPayload
	invBlockSubs []func([]InvEntry)
	invTxFunc    func([]InvEntry)
}

func newCorrelator() *correlator {
	return &correlator{
		txCallbacks: make(map[chainhash.Hash]txCallback),
		payloads:    make(map[chainhash.Hash]servedPayload),
	}
}

// registerTxCallback installs cb under hash, overwriting any previous
// entry.
func (c *correlator) registerTxCallback(hash chainhash.Hash, cb txCallback) {
	c.mtx.Lock()
	c.txCallbacks[hash] = cb
	c.mtx.Unlock()
}

// removeTxCallback drops the entry for hash, if any.
func (c *correlator) removeTxCallback(hash chainhash.Hash) {
	c.mtx.Lock()
	delete(c.txCallbacks, hash)
	c.mtx.Unlock()
}

// takeTxCallback atomically removes and returns the callback for hash.
// Returns nil when no call is pending on that hash.
func (c *correlator) takeTxCallback(hash chainhash.Hash) txCallback {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	cb, ok := c.txCallbacks[hash]
	if !ok {
		return nil
	}

	delete(c.txCallbacks, hash)

	return cb
}

// registerPayload stores payload for serving on demand. The returned
// channel closes once the payload has been sent to the peer.
func (c *correlator) registerPayload(hash chainhash.Hash, payload Payload) <-chan struct{} {
	entry := servedPayload{
		payload: payload,
		sent:    newOneShot[struct{}](),
	}

	c.mtx.Lock()
	c.payloads[hash] = entry
	c.mtx.Unlock()

	return entry.sent.done
}

// lookupPayload returns the serve-on-demand entry for hash.
func (c *correlator) lookupPayload(hash chainhash.Hash) (servedPayload, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	entry, ok := c.payloads[hash]

	return entry, ok
}

// subscribeInvBlock appends cb to the block-inv subscriber list. The
// list is drained, not copied, on the next block-inv delivery.
func (c *correlator) subscribeInvBlock(cb func([]InvEntry)) {
	c.mtx.Lock()
	c.invBlockSubs = append(c.invBlockSubs, cb)
	c.mtx.Unlock()
}

// drainInvBlock takes the whole subscriber list in FIFO order.
func (c *correlator) drainInvBlock() []func([]InvEntry) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	subs := c.invBlockSubs
	c.invBlockSubs = nil

	return subs
}

// setInvTxFunc installs the single tx-inv callback.
func (c *correlator) setInvTxFunc(cb func([]InvEntry)) {
	c.mtx.Lock()
	c.invTxFunc = cb
	c.mtx.Unlock()
}

func (c *correlator) getInvTxFunc() func([]InvEntry) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.invTxFunc
}
