package wire

import "errors"

var (
	ErrFrameSize                  = errors.New("wire: frame is not exactly FrameSize bytes")
	ErrPayloadTooLarge            = errors.New("wire: payload exceeds the frame's usable capacity")
	ErrReplayed                   = errors.New("wire: nonce already seen for this peer")
	ErrUnsupportedProtocolVersion = errors.New("wire: peer's protocol version is below the minimum required")
	ErrForcedUpgrade              = errors.New("wire: peer requires a forced upgrade before any operation")
	ErrHandshakeTimeout           = errors.New("wire: handshake did not complete within the timeout")
)
