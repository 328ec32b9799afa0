package p2p

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Magic words identifying the network a frame belongs to. The word is
// written little-endian, so mainnet frames start with f9 be b4 d9 on the
// wire.
const (
	MainnetMagic uint32 = 0xD9B4BEF9
	TestnetMagic uint32 = 0x0709110B
	RegtestMagic uint32 = 0xDAB5BFFA
)

const (
	// ProtocolVersion is the protocol version advertised in our version
	// message.
	ProtocolVersion uint32 = 70012

	// MessageHeaderLen is the size in bytes of a message header:
	// magic(4) | command(12) | length(4) | checksum(4).
	MessageHeaderLen = 24

	// commandLen is the fixed width of the command field. Shorter
	// commands are zero padded.
	commandLen = 12

	// header field offsets
	magicOffset    = 0
	commandOffset  = 4
	lengthOffset   = 16
	checksumOffset = 20

	// InvMax bounds the entry count of any inv-bearing payload.
	InvMax = 50000

	// invEntryLen is the wire size of a single inv entry:
	// type(4) | hash(32).
	invEntryLen = 36

	// versionMinLen is the smallest possible version payload: the fixed
	// header plus a one byte user agent varint and the start height.
	versionMinLen = 85
)

// NodeWitness is the services bit a peer sets to advertise segwit
// support.
const NodeWitness uint64 = 1 << 3

// Commands of the messages this client speaks.
const (
	CmdVersion = "version"
	CmdVerack  = "verack"
	CmdInv     = "inv"
	CmdPing    = "ping"
	CmdPong    = "pong"
	CmdGetData = "getdata"
	CmdTx      = "tx"
)

// InvType tags an inventory entry.
type InvType uint32

const (
	InvError         InvType = 0
	InvTx            InvType = 1
	InvBlock         InvType = 2
	InvFilteredBlock InvType = 3
	InvWitnessTx     InvType = 0x40000001
	InvWitnessBlock  InvType = 0x40000002

	// InvTerminate never appears on the wire. Shutdown delivers it to
	// block-inv subscribers so they can unblock their own listeners.
	InvTerminate InvType = 0xFFFFFFFF
)

// maxPeerInvType is the highest entry type accepted from a peer.
// Witness-typed entries are valid in our outgoing getdata only.
const maxPeerInvType = 3

func (t InvType) String() string {
	switch t {
	case InvError:
		return "error"
	case InvTx:
		return "tx"
	case InvBlock:
		return "block"
	case InvFilteredBlock:
		return "filtered block"
	case InvWitnessTx:
		return "witness tx"
	case InvWitnessBlock:
		return "witness block"
	case InvTerminate:
		return "terminate"
	}

	return "unknown"
}

// InvEntry is a single inventory vector entry.
type InvEntry struct {
	Type InvType
	Hash chainhash.Hash
}

// Payload is one of the seven message bodies this client speaks. The set
// is closed: decoding happens through payloadForCommand and encoding
// through Serialize.
type Payload interface {
	// Command returns the wire command naming this payload.
	Command() string

	// SerializeSize returns the encoded body length in bytes.
	SerializeSize() int

	// serializeBody writes the body into buf, which holds exactly
	// SerializeSize() bytes.
	serializeBody(buf []byte)

	// decodeBody parses the body from buf, strict on length.
	decodeBody(buf []byte) error
}

// payloadForCommand returns a fresh payload value for command, or nil if
// the command is not one this client speaks.
func payloadForCommand(command string) Payload {
	switch command {
	case CmdVersion:
		return new(Version)
	case CmdVerack:
		return new(Verack)
	case CmdInv:
		return new(Inv)
	case CmdPing:
		return new(Ping)
	case CmdPong:
		return new(Pong)
	case CmdGetData:
		return new(GetData)
	case CmdTx:
		return new(Tx)
	}

	return nil
}
