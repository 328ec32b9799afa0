// Copyright 2016 The BitcoinArmory Developers. All rights reserved.
// Use of this source code is governed by an MIT
// license that can be found in the LICENSE file.

package p2p

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/sirupsen/logrus"
)

// queueBacklog is the channel buffer hint for the reader->dispatcher
// queue. The queue itself is unbounded.
const queueBacklog = 64

// Client maintains a logical link to a single bitcoin full node: it
// dials, handshakes, answers pings, dispatches inventory announcements,
// serves registered payloads on getdata and resolves GetTx calls. On
// any socket failure it reconnects with growing backoff until Shutdown.
type Client struct {
	cfg    Config
	socket Socket
	tables *correlator

	// The following fields are only meant to be used *atomically*.
	run     int32
	started int32
	ready   int32
	witness int32

	// writeMtx guards the socket's write side so concurrent senders
	// interleave only at frame boundaries.
	writeMtx sync.Mutex

	connectedMtx sync.Mutex
	connected    *oneShot[struct{}]

	engineDone   chan struct{}
	shutdownOnce sync.Once
}

// connState is the per-connection-attempt state: the raw chunk queue,
// the verack completion and the goroutines of this attempt.
type connState struct {
	queue  *queue.ConcurrentQueue
	verack *oneShot[struct{}]

	wg           sync.WaitGroup
	dispatchDone chan struct{}
}

// queueTerminated is the queue's terminate marker, pushed by the reader
// when the socket is done.
type queueTerminated struct {
	err error
}

// New returns a client that dials the node named by cfg over TCP.
func New(cfg Config) *Client {
	return NewWithSocket(cfg, newTCPSocket(cfg.PeerHost, cfg.PeerPort))
}

// NewWithSocket returns a client driving the supplied socket.
func NewWithSocket(cfg Config, socket Socket) *Client {
	cfg.normalize()

	return &Client{
		cfg:        cfg,
		socket:     socket,
		tables:     newCorrelator(),
		run:        1,
		engineDone: make(chan struct{}),
	}
}

// Connect starts the connection engine. With async false it blocks until
// the first successful handshake, or returns the first captured
// handshake error. Only one Connect call ever wins the engine; later
// calls fail with ErrConnectInProgress.
func (c *Client) Connect(async bool) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return ErrConnectInProgress
	}

	c.connectedMtx.Lock()
	c.connected = newOneShot[struct{}]()
	c.connectedMtx.Unlock()

	go c.connectLoop()

	if async {
		return nil
	}

	_, err := c.connected.wait(0)

	return err
}

// Connected reports whether a handshake has completed on the current
// connection.
func (c *Client) Connected() bool {
	return atomic.LoadInt32(&c.ready) == 1
}

// PeerUsesWitness reports whether the peer advertised NODE_WITNESS in
// its last version message.
func (c *Client) PeerUsesWitness() bool {
	return atomic.LoadInt32(&c.witness) == 1
}

// GetTx requests the transaction named by entry and blocks until the
// peer delivers it or timeout expires. A zero timeout waits forever.
// The entry must be tx typed; witness tx entries are allowed.
func (c *Client) GetTx(entry InvEntry, timeout time.Duration) (*Tx, error) {
	if entry.Type != InvTx && entry.Type != InvWitnessTx {
		return nil, ErrNotTxEntry
	}

	got := newOneShot[*Tx]()
	c.tables.registerTxCallback(entry.Hash, func(tx *Tx) {
		got.fulfill(tx, nil)
	})

	getdata := &GetData{Inv{Entries: []InvEntry{entry}}}
	if err := c.sendMessage(getdata); err != nil {
		c.tables.removeTxCallback(entry.Hash)
		return nil, err
	}

	tx, err := got.wait(timeout)
	if err != nil {
		c.tables.removeTxCallback(entry.Hash)
		return nil, ErrGetDataTimeout
	}

	return tx, nil
}

// RegisterInvBlockFunc subscribes cb for the next block-inv batch. The
// subscriber list is drained on delivery; re-register to keep listening.
func (c *Client) RegisterInvBlockFunc(cb func([]InvEntry)) {
	c.tables.subscribeInvBlock(cb)
}

// SetInvTxFunc installs the callback invoked on every tx-inv batch.
func (c *Client) SetInvTxFunc(cb func([]InvEntry)) {
	c.tables.setInvTxFunc(cb)
}

// RegisterGetDataPayload stores payload to be sent when the peer
// requests hash via getdata. The returned channel closes once the
// payload went out.
func (c *Client) RegisterGetDataPayload(hash chainhash.Hash, payload Payload) <-chan struct{} {
	return c.tables.registerPayload(hash, payload)
}

// Shutdown stops the engine, waits for it to exit and releases any
// block-inv subscribers with a terminate entry. Idempotent.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() {
		logrus.Info("shutting down bitcoin p2p client")

		atomic.StoreInt32(&c.run, 0)
		c.socket.Close()

		if atomic.LoadInt32(&c.started) == 1 {
			<-c.engineDone
		}

		c.notifyInvBlock([]InvEntry{{Type: InvTerminate}})
	})
}

func (c *Client) running() bool {
	return atomic.LoadInt32(&c.run) == 1
}

// connectLoop is the engine: open, handshake, operate, tear down,
// back off, repeat. Exits only when the run flag is cleared.
func (c *Client) connectLoop() {
	defer close(c.engineDone)

	var backoff time.Duration

	for c.running() {
		st := &connState{
			queue:        queue.NewConcurrentQueue(queueBacklog),
			verack:       newOneShot[struct{}](),
			dispatchDone: make(chan struct{}),
		}

		if !c.openSocket(&backoff) {
			break
		}

		st.queue.Start()

		st.wg.Add(2)
		go c.readLoop(st)
		go c.dispatchLoop(st)

		err := c.handshake(st)
		if err == nil {
			logrus.Infof("connected to bitcoin node (%s)",
				net.JoinHostPort(c.cfg.PeerHost, c.cfg.PeerPort))

			atomic.StoreInt32(&c.ready, 1)
			backoff = 0
			c.signalConnected(nil)
		} else {
			logrus.Errorf("handshake failed: %v", err)

			c.signalConnected(err)
			backoff = c.growBackoff(backoff)
			c.socket.Close()
		}

		// Block here for the life of the connection.
		<-st.dispatchDone
		atomic.StoreInt32(&c.ready, 0)

		// Closing the socket guarantees the reader unblocks.
		c.socket.Close()
		st.wg.Wait()
		st.queue.Stop()

		logrus.Info("disconnected from bitcoin node")

		if err != nil && c.running() {
			time.Sleep(backoff)
		}
	}

	// Release any waiter still parked in a synchronous Connect.
	c.signalConnected(ErrSocketClosed)
}

// openSocket retries Open with growing backoff until it succeeds or the
// run flag is cleared.
func (c *Client) openSocket(backoff *time.Duration) bool {
	for c.running() {
		err := c.socket.Open()
		if err == nil {
			return true
		}

		logrus.Errorf("socket open failed: %v", err)

		*backoff = c.growBackoff(*backoff)
		time.Sleep(*backoff)
	}

	return false
}

func (c *Client) growBackoff(backoff time.Duration) time.Duration {
	backoff += c.cfg.ReconnectIncrement
	if backoff > c.cfg.ReconnectMax {
		backoff = c.cfg.ReconnectMax
	}

	return backoff
}

// handshake sends our version and blocks until the peer's verack lands,
// or until the dispatcher dies and fails the completion.
func (c *Client) handshake(st *connState) error {
	if err := c.sendVersion(); err != nil {
		return err
	}

	_, err := st.verack.wait(0)

	return err
}

func (c *Client) sendVersion() error {
	nonce, err := randomNonce()
	if err != nil {
		return err
	}

	local := c.socket.LocalAddr()
	if local == nil {
		local = &net.TCPAddr{}
	}
	peer := c.socket.RemoteAddr()
	if peer == nil {
		peer = &net.TCPAddr{}
	}

	version := &Version{
		ProtocolVersion: int32(c.cfg.ProtocolVersion),
		Services:        NodeWitness,
		Timestamp:       time.Now().Unix(),
		AddrRecv:        NetAddrFromTCP(NodeWitness, peer),
		AddrFrom:        NetAddrFromTCP(NodeWitness, local),
		Nonce:           nonce,
		UserAgent:       c.cfg.UserAgent,
		StartHeight:     -1,
	}

	return c.sendMessage(version)
}

// readLoop runs inside the socket's read callback, pushing raw chunks
// onto the queue. Socket close or error terminates the queue.
func (c *Client) readLoop(st *connState) {
	defer st.wg.Done()

	c.socket.Read(func(chunk []byte, err error) bool {
		if err == nil && len(chunk) > 0 {
			st.queue.ChanIn() <- chunk
			return false
		}

		st.queue.ChanIn() <- queueTerminated{err: err}

		return true
	})
}

// dispatchLoop drains the queue until it is terminated. On exit it fails
// a still-pending verack completion so Connect can surface the error.
func (c *Client) dispatchLoop(st *connState) {
	defer st.wg.Done()
	defer close(st.dispatchDone)

	err := c.processQueue(st)
	logrus.Debugf("dispatcher exiting: %v", err)

	st.verack.fulfill(struct{}{}, err)
}

// processQueue pops raw chunks, accumulates them across reads and
// decodes zero or more framed messages per chunk. A frame split across
// socket reads is completed by the next chunk.
func (c *Client) processQueue(st *connState) error {
	var pending []byte

	for item := range st.queue.ChanOut() {
		switch data := item.(type) {
		case queueTerminated:
			if data.err != nil {
				return data.err
			}
			return ErrSocketClosed

		case []byte:
			pending = append(pending, data...)

			payloads, rest := DeserializeStream(pending, c.cfg.MagicWord)
			pending = append([]byte(nil), rest...)

			for _, payload := range payloads {
				c.dispatch(payload, st)
			}
		}
	}

	return ErrSocketClosed
}

func (c *Client) dispatch(payload Payload, st *connState) {
	switch msg := payload.(type) {
	case *Version:
		c.recordServices(msg)
		if err := c.sendMessage(&Verack{}); err != nil {
			logrus.Errorf("sending verack: %v", err)
		}

	case *Verack:
		st.verack.fulfill(struct{}{}, nil)

	case *Ping:
		// Nonce-less pings get no pong.
		if msg.Nonce == PingNonceNone {
			return
		}
		if err := c.sendMessage(&Pong{Nonce: msg.Nonce}); err != nil {
			logrus.Errorf("sending pong: %v", err)
		}

	case *Inv:
		c.processInv(msg)

	case *GetData:
		c.processGetData(msg)

	case *Tx:
		c.processTx(msg)
	}
}

func (c *Client) recordServices(msg *Version) {
	logrus.Debugf("peer version %d, agent %q, services %#x",
		msg.ProtocolVersion, msg.UserAgent, msg.Services)

	if msg.Services&NodeWitness != 0 {
		atomic.StoreInt32(&c.witness, 1)
	} else {
		atomic.StoreInt32(&c.witness, 0)
	}
}

// processInv partitions the announcement by type: block entries drain
// the subscriber list, tx entries go to the tx-inv callback. Other
// types are ignored.
func (c *Client) processInv(inv *Inv) {
	var blocks, txs []InvEntry

	for _, entry := range inv.Entries {
		switch entry.Type {
		case InvBlock:
			blocks = append(blocks, entry)
		case InvTx:
			txs = append(txs, entry)
		}
	}

	if len(blocks) > 0 {
		c.notifyInvBlock(blocks)
	}

	if len(txs) > 0 {
		if cb := c.tables.getInvTxFunc(); cb != nil {
			cb(txs)
		}
	}
}

func (c *Client) notifyInvBlock(entries []InvEntry) {
	for _, cb := range c.tables.drainInvBlock() {
		cb(entries)
	}
}

// processGetData serves registered payloads. The stored payload must
// match the requested inv type; mismatches are skipped.
func (c *Client) processGetData(msg *GetData) {
	for _, entry := range msg.Entries {
		served, ok := c.tables.lookupPayload(entry.Hash)
		if !ok {
			continue
		}

		if !payloadMatchesInvType(served.payload, entry.Type) {
			continue
		}

		if err := c.sendMessage(served.payload); err != nil {
			logrus.Errorf("serving getdata: %v", err)
			continue
		}

		served.sent.fulfill(struct{}{}, nil)
	}
}

func payloadMatchesInvType(payload Payload, invType InvType) bool {
	switch invType {
	case InvTx, InvWitnessTx:
		_, ok := payload.(*Tx)
		return ok
	}

	return false
}

// processTx resolves the pending GetTx call registered under the
// transaction's hash256. Unsolicited transactions are ignored.
func (c *Client) processTx(tx *Tx) {
	if len(tx.Raw) == 0 {
		logrus.Error("received empty rawtx")
		return
	}

	hash := tx.Hash()

	cb := c.tables.takeTxCallback(hash)
	if cb == nil {
		logrus.Debugf("unsolicited tx %s", hash)
		return
	}

	cb(tx)
}

// sendMessage frames payload and writes it under the write mutex, so
// frames from concurrent senders never interleave on the wire.
func (c *Client) sendMessage(payload Payload) error {
	msg := Serialize(payload, c.cfg.MagicWord)

	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	return c.socket.Write(msg)
}

func (c *Client) signalConnected(err error) {
	c.connectedMtx.Lock()
	connected := c.connected
	c.connectedMtx.Unlock()

	if connected != nil {
		connected.fulfill(struct{}{}, err)
	}
}
