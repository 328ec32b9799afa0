package p2p

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sirupsen/logrus"
)

// Serialize frames payload into a complete wire message under the given
// magic word. This is the only place the magic word enters a frame.
func Serialize(payload Payload, magic uint32) []byte {
	size := payload.SerializeSize()
	msg := make([]byte, MessageHeaderLen+size)

	if size > 0 {
		payload.serializeBody(msg[MessageHeaderLen:])
	}

	binary.LittleEndian.PutUint32(msg[magicOffset:], magic)
	copy(msg[commandOffset:commandOffset+commandLen], payload.Command())
	binary.LittleEndian.PutUint32(msg[lengthOffset:], uint32(size))

	checksum := chainhash.DoubleHashB(msg[MessageHeaderLen:])
	copy(msg[checksumOffset:MessageHeaderLen], checksum[:4])

	return msg
}

// Deserialize walks data and returns every well-formed payload found.
//
// The walk resyncs on damage rather than giving up: a mismatched magic
// scans forward byte by byte for the next occurrence, a command without a
// NUL terminator or a bad checksum skips the bogus magic (4 bytes) and
// rescans, unknown commands and per-payload decode failures skip the
// whole frame. Only a frame cut off by the end of the buffer is fatal: a
// full magic followed by a short header, or by fewer payload bytes than
// its length announces, yields ErrPayloadLengthMismatch, and the
// truncated tail is dropped.
func Deserialize(data []byte, magic uint32) ([]Payload, error) {
	payloads, rest := DeserializeStream(data, magic)

	// A retained tail opening with a full magic is a truncated frame. A
	// shorter tail is at most a cut-off magic prefix; drop it.
	if len(rest) >= 4 {
		return payloads, ErrPayloadLengthMismatch
	}

	return payloads, nil
}

// DeserializeStream is Deserialize for chunked input: instead of failing
// on a truncated trailing frame it returns the unconsumed tail, so the
// caller can complete the frame with the next socket read. Nothing is
// fatal in this mode.
func DeserializeStream(data []byte, magic uint32) ([]Payload, []byte) {
	var magicBytes [4]byte
	binary.LittleEndian.PutUint32(magicBytes[:], magic)

	var payloads []Payload

	offset := 0
	for offset < len(data) {
		remaining := data[offset:]

		// Resync: hunt for the next magic occurrence, one byte at a
		// time, discarding no more of the prefix than necessary.
		if len(remaining) >= 4 && !bytes.Equal(remaining[:4], magicBytes[:]) {
			idx := nextMagic(remaining, magicBytes[:])
			if idx < 0 {
				return payloads, magicTail(remaining, magicBytes[:])
			}

			offset += idx
			continue
		}

		if len(remaining) < MessageHeaderLen {
			return payloads, magicTail(remaining, magicBytes[:])
		}

		// The command must be NUL terminated within its 12 bytes.
		// Otherwise skip the magic and rescan.
		cmdField := remaining[commandOffset : commandOffset+commandLen]
		nul := bytes.IndexByte(cmdField, 0)
		if nul < 0 {
			offset += 4
			continue
		}
		command := string(cmdField[:nul])

		length := int(binary.LittleEndian.Uint32(remaining[lengthOffset:checksumOffset]))
		if MessageHeaderLen+length > len(remaining) {
			// Truncated trailing frame.
			return payloads, remaining
		}

		body := remaining[MessageHeaderLen : MessageHeaderLen+length]

		// A checksum mismatch is treated like an invalid magic.
		checksum := chainhash.DoubleHashB(body)
		if !bytes.Equal(checksum[:4], remaining[checksumOffset:MessageHeaderLen]) {
			offset += 4
			continue
		}

		payload := payloadForCommand(command)
		if payload == nil {
			// Not a message this client speaks.
			offset += MessageHeaderLen + length
			continue
		}

		if err := payload.decodeBody(body); err != nil {
			// Per-message corruption does not kill the stream.
			logrus.Debugf("dropping %s frame: %v", command, err)
			offset += MessageHeaderLen + length
			continue
		}

		payloads = append(payloads, payload)
		offset += MessageHeaderLen + length
	}

	return payloads, nil
}

// nextMagic returns the offset of the next full magic occurrence after
// position 0, or -1.
func nextMagic(buf, magic []byte) int {
	for i := 1; i+4 <= len(buf); i++ {
		if buf[i] == magic[0] && bytes.Equal(buf[i:i+4], magic) {
			return i
		}
	}

	return -1
}

// magicTail returns the suffix of buf starting at the first position
// that could still open a frame: a full magic with a short header behind
// it, or a prefix of the magic cut off by the end of the buffer. Nil when the tail is pure
// garbage.
func magicTail(buf, magic []byte) []byte {
	for i := 0; i < len(buf); i++ {
		n := len(buf) - i
		if n >= 4 {
			if bytes.Equal(buf[i:i+4], magic) {
				return buf[i:]
			}
		} else if bytes.Equal(buf[i:], magic[:n]) {
			return buf[i:]
		}
	}

	return nil
}
