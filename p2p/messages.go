package p2p

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Version advertises a node's identity and capabilities. It is the first
// message either side sends. The optional relay flag is omitted.
type Version struct {
	// protocol version of the sender
	ProtocolVersion int32
	// services bitfield of the sender
	Services uint64
	// unix time at the sender
	Timestamp int64
	// address of the node the message is sent to
	AddrRecv NetAddr
	// address of the sender
	AddrFrom NetAddr
	// randomly generated for each handshake, helps detect self
	Nonce uint64
	// name and version of the software
	UserAgent string
	// last block height known to the sender
	StartHeight int32
}

func (v *Version) Command() string { return CmdVersion }

func (v *Version) SerializeSize() int {
	return 80 + VarIntSize(uint64(len(v.UserAgent))) + len(v.UserAgent) + 4
}

func (v *Version) serializeBody(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(v.ProtocolVersion))
	binary.LittleEndian.PutUint64(buf[4:12], v.Services)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(v.Timestamp))

	v.AddrRecv.serialize(buf[20:46])
	v.AddrFrom.serialize(buf[46:72])

	binary.LittleEndian.PutUint64(buf[72:80], v.Nonce)

	n := 80 + PutVarInt(buf[80:], uint64(len(v.UserAgent)))
	n += copy(buf[n:], v.UserAgent)
	binary.LittleEndian.PutUint32(buf[n:], uint32(v.StartHeight))
}

func (v *Version) decodeBody(buf []byte) error {
	if len(buf) < versionMinLen {
		return fmt.Errorf("%w: version payload too short (%d)", ErrPayloadDecode, len(buf))
	}

	v.ProtocolVersion = int32(binary.LittleEndian.Uint32(buf[0:4]))
	v.Services = binary.LittleEndian.Uint64(buf[4:12])
	v.Timestamp = int64(binary.LittleEndian.Uint64(buf[12:20]))

	if err := v.AddrRecv.decode(buf[20:46]); err != nil {
		return err
	}
	if err := v.AddrFrom.decode(buf[46:72]); err != nil {
		return err
	}

	v.Nonce = binary.LittleEndian.Uint64(buf[72:80])

	uaLen, n, err := GetVarInt(buf[80:])
	if err != nil {
		return err
	}

	offset := 80 + n
	if uaLen > uint64(len(buf)-offset) || uint64(len(buf)-offset)-uaLen < 4 {
		return fmt.Errorf("%w: user agent overruns version payload", ErrPayloadDecode)
	}

	v.UserAgent = string(buf[offset : offset+int(uaLen)])
	offset += int(uaLen)

	v.StartHeight = int32(binary.LittleEndian.Uint32(buf[offset : offset+4]))

	return nil
}

// Verack acknowledges a version message. Its payload is empty.
type Verack struct{}

func (v *Verack) Command() string      { return CmdVerack }
func (v *Verack) SerializeSize() int   { return 0 }
func (v *Verack) serializeBody([]byte) {}

func (v *Verack) decodeBody(buf []byte) error {
	if len(buf) != 0 {
		return fmt.Errorf("%w: verack carries a payload", ErrPayloadDecode)
	}

	return nil
}

// PingNonceNone marks a ping that arrived with a zero-length payload.
// Such pings carry no nonce and never get a pong.
const PingNonceNone uint64 = math.MaxUint64

// Ping is the liveness probe. Old peers send it without a nonce.
type Ping struct {
	Nonce uint64
}

func (p *Ping) Command() string { return CmdPing }

func (p *Ping) SerializeSize() int {
	if p.Nonce == PingNonceNone {
		return 0
	}

	return 8
}

func (p *Ping) serializeBody(buf []byte) {
	if p.Nonce == PingNonceNone {
		return
	}

	binary.LittleEndian.PutUint64(buf, p.Nonce)
}

func (p *Ping) decodeBody(buf []byte) error {
	switch len(buf) {
	case 0:
		p.Nonce = PingNonceNone
	case 8:
		p.Nonce = binary.LittleEndian.Uint64(buf)
	default:
		return fmt.Errorf("%w: invalid ping payload len %d", ErrPayloadDecode, len(buf))
	}

	return nil
}

// Pong answers a ping, echoing its nonce.
type Pong struct {
	Nonce uint64
}

func (p *Pong) Command() string    { return CmdPong }
func (p *Pong) SerializeSize() int { return 8 }

func (p *Pong) serializeBody(buf []byte) {
	binary.LittleEndian.PutUint64(buf, p.Nonce)
}

func (p *Pong) decodeBody(buf []byte) error {
	if len(buf) != 8 {
		return fmt.Errorf("%w: invalid pong payload len %d", ErrPayloadDecode, len(buf))
	}

	p.Nonce = binary.LittleEndian.Uint64(buf)

	return nil
}

// Inv announces inventory the peer has.
type Inv struct {
	Entries []InvEntry
}

func (m *Inv) Command() string { return CmdInv }

func (m *Inv) SerializeSize() int {
	return VarIntSize(uint64(len(m.Entries))) + len(m.Entries)*invEntryLen
}

func (m *Inv) serializeBody(buf []byte) {
	n := PutVarInt(buf, uint64(len(m.Entries)))
	for _, entry := range m.Entries {
		binary.LittleEndian.PutUint32(buf[n:], uint32(entry.Type))
		copy(buf[n+4:], entry.Hash[:])
		n += invEntryLen
	}
}

func (m *Inv) decodeBody(buf []byte) error {
	entries, err := decodeInvEntries(buf)
	if err != nil {
		return err
	}

	m.Entries = entries

	return nil
}

// GetData requests the data announced by an inv. Same body layout.
type GetData struct {
	Inv
}

func (m *GetData) Command() string { return CmdGetData }

// decodeInvEntries parses a varint-counted list of inv entries, strict on
// length. Entry types above maxPeerInvType are rejected: witness-typed
// entries are legal in our own getdata but not accepted from a peer.
func decodeInvEntries(buf []byte) ([]InvEntry, error) {
	count, n, err := GetVarInt(buf)
	if err != nil {
		return nil, err
	}

	if count > InvMax {
		return nil, fmt.Errorf("%w: %d", ErrInvalidInvCount, count)
	}

	if uint64(len(buf)-n) != count*invEntryLen {
		return nil, fmt.Errorf("%w: inv size mismatch", ErrPayloadDecode)
	}

	entries := make([]InvEntry, count)
	for i := range entries {
		entryType := binary.LittleEndian.Uint32(buf[n:])
		if entryType > maxPeerInvType {
			return nil, fmt.Errorf("%w: %d", ErrInvalidInvType, entryType)
		}

		entries[i].Type = InvType(entryType)
		copy(entries[i].Hash[:], buf[n+4:n+invEntryLen])
		n += invEntryLen
	}

	return entries, nil
}

// Tx carries a raw transaction. The client never parses it; only its
// hash256 matters, for matching against pending getdata requests.
type Tx struct {
	Raw []byte
}

func (t *Tx) Command() string    { return CmdTx }
func (t *Tx) SerializeSize() int { return len(t.Raw) }

func (t *Tx) serializeBody(buf []byte) {
	copy(buf, t.Raw)
}

func (t *Tx) decodeBody(buf []byte) error {
	t.Raw = make([]byte, len(buf))
	copy(t.Raw, buf)

	return nil
}

// Hash returns the double sha256 of the raw transaction.
func (t *Tx) Hash() chainhash.Hash {
	return chainhash.DoubleHashH(t.Raw)
}
