package p2p

import "errors"

// Per-frame decode errors. The envelope decoder swallows these and
// advances past the offending frame.
var (
	ErrInvalidVarint   = errors.New("invalid varint size")
	ErrInvalidInvType  = errors.New("invalid inv entry type")
	ErrInvalidInvCount = errors.New("inv count exceeds INV_MAX")
	ErrPayloadDecode   = errors.New("payload decode error")
)

// ErrPayloadLengthMismatch means a frame announced more payload bytes
// than the buffer holds. Fatal for the decode call that hit it.
var ErrPayloadLengthMismatch = errors.New("payload length mismatch")

// Connection level errors.
var (
	ErrSocketClosed      = errors.New("socket closed")
	ErrConnectInProgress = errors.New("another connect attempt is underway")
	ErrGetDataTimeout    = errors.New("getdata operation timed out")
	ErrNotTxEntry        = errors.New("inv entry type is not tx")
)
