package p2p

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockSocket is an in-memory Socket the tests drive from the peer side:
// frames fed into recv reach the client's reader, frames the client
// writes land on writes.
type mockSocket struct {
	mtx       sync.Mutex
	opens     int
	failOpens int
	closed    bool
	recv      chan []byte
	quit      chan struct{}

	writes chan []byte

	local  *net.TCPAddr
	remote *net.TCPAddr
}

func newMockSocket() *mockSocket {
	return &mockSocket{
		writes: make(chan []byte, 64),
		local:  &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 52000},
		remote: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 18444},
	}
}

func (s *mockSocket) Open() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.opens++
	if s.failOpens > 0 {
		s.failOpens--
		return errors.New("connection refused")
	}

	s.recv = make(chan []byte, 64)
	s.quit = make(chan struct{})
	s.closed = false

	return nil
}

func (s *mockSocket) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed || s.quit == nil {
		return nil
	}

	s.closed = true
	close(s.quit)

	return nil
}

func (s *mockSocket) Write(data []byte) error {
	s.mtx.Lock()
	closed := s.closed || s.quit == nil
	s.mtx.Unlock()

	if closed {
		return ErrSocketClosed
	}

	s.writes <- append([]byte(nil), data...)

	return nil
}

func (s *mockSocket) Read(fn ReadFunc) {
	s.mtx.Lock()
	recv, quit := s.recv, s.quit
	s.mtx.Unlock()

	if recv == nil {
		fn(nil, ErrSocketClosed)
		return
	}

	for {
		select {
		case chunk := <-recv:
			if fn(chunk, nil) {
				return
			}

		case <-quit:
			fn(nil, ErrSocketClosed)
			return
		}
	}
}

func (s *mockSocket) LocalAddr() *net.TCPAddr  { return s.local }
func (s *mockSocket) RemoteAddr() *net.TCPAddr { return s.remote }

func (s *mockSocket) openCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.opens
}

// feed delivers frames to the client's reader.
func (s *mockSocket) feed(t *testing.T, frames ...[]byte) {
	t.Helper()

	s.mtx.Lock()
	recv := s.recv
	s.mtx.Unlock()

	require.NotNil(t, recv, "socket not open")

	for _, frame := range frames {
		select {
		case recv <- frame:
		case <-time.After(5 * time.Second):
			t.Fatal("reader not draining")
		}
	}
}

// expectWrite decodes the next frame the client wrote.
func (s *mockSocket) expectWrite(t *testing.T) Payload {
	t.Helper()

	select {
	case msg := <-s.writes:
		payloads, err := Deserialize(msg, testMagic)
		require.NoError(t, err)
		require.Len(t, payloads, 1)
		return payloads[0]

	case <-time.After(5 * time.Second):
		t.Fatal("no message written")
		return nil
	}
}

func (s *mockSocket) expectNoWrite(t *testing.T, wait time.Duration) {
	t.Helper()

	select {
	case msg := <-s.writes:
		payloads, _ := Deserialize(msg, testMagic)
		t.Fatalf("unexpected write: %v", payloads)

	case <-time.After(wait):
	}
}

func newTestClient(s Socket) *Client {
	cfg := DefaultConfig("127.0.0.1", "18444")
	cfg.MagicWord = testMagic
	cfg.UserAgent = "example:1.0"
	cfg.ReconnectIncrement = 5 * time.Millisecond
	cfg.ReconnectMax = 25 * time.Millisecond

	return NewWithSocket(cfg, s)
}

// completeHandshake plays the peer's half of the version exchange and
// waits until the client reports ready.
func completeHandshake(t *testing.T, s *mockSocket, c *Client) {
	t.Helper()

	version, ok := s.expectWrite(t).(*Version)
	require.True(t, ok, "first message must be version")
	require.Equal(t, int32(70012), version.ProtocolVersion)
	require.Equal(t, NodeWitness, version.Services)
	require.Equal(t, int32(-1), version.StartHeight)
	require.Equal(t, "example:1.0", version.UserAgent)
	require.NotZero(t, version.Nonce)

	peerVersion := &Version{
		ProtocolVersion: 70015,
		Services:        0x09,
		Timestamp:       time.Now().Unix(),
		AddrRecv:        NetAddrFromTCP(0, s.local),
		AddrFrom:        NetAddrFromTCP(0x09, s.remote),
		Nonce:           0xDEADBEEF,
		UserAgent:       "/Satoshi:0.13.2/",
		StartHeight:     700000,
	}
	s.feed(t, Serialize(peerVersion, testMagic), Serialize(&Verack{}, testMagic))

	_, ok = s.expectWrite(t).(*Verack)
	require.True(t, ok, "client must ack the peer version")

	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)
}

func TestHandshake(t *testing.T) {
	s := newMockSocket()
	c := newTestClient(s)
	defer c.Shutdown()

	require.NoError(t, c.Connect(true))
	completeHandshake(t, s, c)

	require.True(t, c.PeerUsesWitness())
}

func TestConnectSynchronous(t *testing.T) {
	s := newMockSocket()
	c := newTestClient(s)
	defer c.Shutdown()

	done := make(chan error, 1)
	go func() {
		done <- c.Connect(false)
	}()

	completeHandshake(t, s, c)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("synchronous connect did not return")
	}
}

func TestConnectInProgress(t *testing.T) {
	s := newMockSocket()
	c := newTestClient(s)
	defer c.Shutdown()

	require.NoError(t, c.Connect(true))
	require.ErrorIs(t, c.Connect(true), ErrConnectInProgress)
}

func TestPingPong(t *testing.T) {
	s := newMockSocket()
	c := newTestClient(s)
	defer c.Shutdown()

	require.NoError(t, c.Connect(true))
	completeHandshake(t, s, c)

	s.feed(t, Serialize(&Ping{Nonce: 0x0123456789ABCDEF}, testMagic))

	pong, ok := s.expectWrite(t).(*Pong)
	require.True(t, ok)
	require.Equal(t, uint64(0x0123456789ABCDEF), pong.Nonce)

	// a zero-length ping gets no pong
	s.feed(t, Serialize(&Ping{Nonce: PingNonceNone}, testMagic))
	s.expectNoWrite(t, 200*time.Millisecond)
}

type getTxResult struct {
	tx  *Tx
	err error
}

func callGetTx(c *Client, entry InvEntry, timeout time.Duration) chan getTxResult {
	result := make(chan getTxResult, 1)
	go func() {
		tx, err := c.GetTx(entry, timeout)
		result <- getTxResult{tx, err}
	}()

	return result
}

func TestGetTx(t *testing.T) {
	s := newMockSocket()
	c := newTestClient(s)
	defer c.Shutdown()

	require.NoError(t, c.Connect(true))
	completeHandshake(t, s, c)

	rawTx := []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x02}
	entry := InvEntry{Type: InvWitnessTx, Hash: (&Tx{Raw: rawTx}).Hash()}

	// each call transmits a fresh single-entry getdata, nothing is cached
	for i := 0; i < 2; i++ {
		result := callGetTx(c, entry, 2*time.Second)

		// Deserialize rejects witness-typed entries as peer input, so
		// the client's own getdata frame is compared byte for byte.
		var frame []byte
		select {
		case frame = <-s.writes:
		case <-time.After(5 * time.Second):
			t.Fatal("no message written")
		}
		require.Equal(t, CmdGetData, string(frame[commandOffset:commandOffset+len(CmdGetData)]))
		require.Equal(t, Serialize(&GetData{Inv{Entries: []InvEntry{entry}}}, testMagic), frame)

		s.feed(t, Serialize(&Tx{Raw: rawTx}, testMagic))

		res := <-result
		require.NoError(t, res.err)
		require.Equal(t, rawTx, res.tx.Raw)
	}
}

func TestGetTxTimeout(t *testing.T) {
	s := newMockSocket()
	c := newTestClient(s)
	defer c.Shutdown()

	require.NoError(t, c.Connect(true))
	completeHandshake(t, s, c)

	entry := InvEntry{Type: InvTx, Hash: testHash(0x5A)}
	result := callGetTx(c, entry, 150*time.Millisecond)

	_, ok := s.expectWrite(t).(*GetData)
	require.True(t, ok)

	res := <-result
	require.ErrorIs(t, res.err, ErrGetDataTimeout)

	// the correlation entry must be gone
	c.tables.mtx.Lock()
	pending := len(c.tables.txCallbacks)
	c.tables.mtx.Unlock()
	require.Zero(t, pending)
}

func TestGetTxRejectsNonTxEntry(t *testing.T) {
	c := newTestClient(newMockSocket())

	_, err := c.GetTx(InvEntry{Type: InvBlock, Hash: testHash(0x01)}, time.Second)
	require.ErrorIs(t, err, ErrNotTxEntry)
}

func TestServeGetData(t *testing.T) {
	s := newMockSocket()
	c := newTestClient(s)
	defer c.Shutdown()

	require.NoError(t, c.Connect(true))
	completeHandshake(t, s, c)

	payload := &Tx{Raw: []byte{0xCA, 0xFE, 0xBA, 0xBE}}
	hash := payload.Hash()
	sent := c.RegisterGetDataPayload(hash, payload)

	// a request with the wrong inv type is skipped silently
	s.feed(t, Serialize(&GetData{Inv{Entries: []InvEntry{
		{Type: InvBlock, Hash: hash},
	}}}, testMagic))
	s.expectNoWrite(t, 200*time.Millisecond)

	s.feed(t, Serialize(&GetData{Inv{Entries: []InvEntry{
		{Type: InvTx, Hash: hash},
	}}}, testMagic))

	tx, ok := s.expectWrite(t).(*Tx)
	require.True(t, ok)
	require.Equal(t, payload.Raw, tx.Raw)

	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("sent signal never fired")
	}
}

func TestInvDispatch(t *testing.T) {
	s := newMockSocket()
	c := newTestClient(s)
	defer c.Shutdown()

	require.NoError(t, c.Connect(true))
	completeHandshake(t, s, c)

	blockCh := make(chan []InvEntry, 2)
	c.RegisterInvBlockFunc(func(entries []InvEntry) {
		blockCh <- entries
	})

	txCh := make(chan []InvEntry, 2)
	c.SetInvTxFunc(func(entries []InvEntry) {
		txCh <- entries
	})

	inv := &Inv{Entries: []InvEntry{
		{Type: InvBlock, Hash: testHash(0x01)},
		{Type: InvTx, Hash: testHash(0x02)},
		{Type: InvBlock, Hash: testHash(0x03)},
	}}
	s.feed(t, Serialize(inv, testMagic))

	select {
	case blocks := <-blockCh:
		require.Equal(t, []InvEntry{inv.Entries[0], inv.Entries[2]}, blocks)
	case <-time.After(5 * time.Second):
		t.Fatal("block subscriber not invoked")
	}

	select {
	case txs := <-txCh:
		require.Equal(t, []InvEntry{inv.Entries[1]}, txs)
	case <-time.After(5 * time.Second):
		t.Fatal("tx callback not invoked")
	}

	// block subscriptions are one-shot: a second inv only reaches the
	// tx callback
	s.feed(t, Serialize(inv, testMagic))

	select {
	case <-txCh:
	case <-time.After(5 * time.Second):
		t.Fatal("tx callback not invoked again")
	}

	select {
	case <-blockCh:
		t.Fatal("drained block subscriber invoked twice")
	default:
	}
}

func TestReconnect(t *testing.T) {
	s := newMockSocket()
	c := newTestClient(s)
	defer c.Shutdown()

	require.NoError(t, c.Connect(true))
	completeHandshake(t, s, c)
	require.Equal(t, 1, s.openCount())

	// peer drops the connection mid-session
	s.Close()

	// the engine must come back on its own and handshake again
	completeHandshake(t, s, c)
	require.GreaterOrEqual(t, s.openCount(), 2)
}

func TestOpenBackoff(t *testing.T) {
	s := newMockSocket()
	s.failOpens = 2
	c := newTestClient(s)
	defer c.Shutdown()

	start := time.Now()
	require.NoError(t, c.Connect(true))
	completeHandshake(t, s, c)

	require.GreaterOrEqual(t, s.openCount(), 3)
	// two failures back off 5ms then 10ms before the third attempt
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestShutdownTerminate(t *testing.T) {
	s := newMockSocket()
	c := newTestClient(s)

	require.NoError(t, c.Connect(true))
	completeHandshake(t, s, c)

	blockCh := make(chan []InvEntry, 1)
	c.RegisterInvBlockFunc(func(entries []InvEntry) {
		blockCh <- entries
	})

	c.Shutdown()

	select {
	case entries := <-blockCh:
		require.Len(t, entries, 1)
		require.Equal(t, InvTerminate, entries[0].Type)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not release the block subscriber")
	}

	// idempotent
	c.Shutdown()
}

func TestShutdownWithoutConnect(t *testing.T) {
	c := newTestClient(newMockSocket())
	c.Shutdown()
}

// TestSplitFrameAcrossReads feeds a single tx frame in two chunks and
// expects the dispatcher to stitch it back together.
func TestSplitFrameAcrossReads(t *testing.T) {
	s := newMockSocket()
	c := newTestClient(s)
	defer c.Shutdown()

	require.NoError(t, c.Connect(true))
	completeHandshake(t, s, c)

	rawTx := []byte{0x02, 0x00, 0x00, 0x00, 0x01, 0xAB}
	entry := InvEntry{Type: InvTx, Hash: (&Tx{Raw: rawTx}).Hash()}
	result := callGetTx(c, entry, 2*time.Second)

	_, ok := s.expectWrite(t).(*GetData)
	require.True(t, ok)

	frame := Serialize(&Tx{Raw: rawTx}, testMagic)
	s.feed(t, frame[:MessageHeaderLen+2], frame[MessageHeaderLen+2:])

	res := <-result
	require.NoError(t, res.err)
	require.Equal(t, rawTx, res.tx.Raw)
}
