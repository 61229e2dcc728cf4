package websocket

import "errors"

// Sentinel errors classifying why a Connection's reader loop terminated or
// why a handshake was rejected. Callers use errors.Is/errors.As to recover
// the close code that should accompany each one (see classifyLoopErr).
var (
	// ErrProtocolViolation covers an unknown opcode, a
	// continuation without a preceding data frame, an oversize control
	// frame, wrong mask direction, or an unsolicited/mismatched PONG.
	ErrProtocolViolation = errors.New("websocket: protocol violation")

	// ErrUnsupportedExtension is returned when the wire sets a reserved
	// bit, which this implementation always treats as an unsupported
	// extension rather than a generic protocol error.
	ErrUnsupportedExtension = errors.New("websocket: unsupported extension")

	// ErrMessageTooBig is returned when a reassembled inbound message
	// would exceed Params.MaxMessageLength.
	ErrMessageTooBig = errors.New("websocket: message too big")

	// ErrHandshakeFailed covers any rejected opening handshake: bad
	// method, missing/invalid headers, subprotocol mismatch, or a
	// server response that fails validation on the client side.
	ErrHandshakeFailed = errors.New("websocket: handshake failed")

	// ErrAbnormalClosure is returned when the socket is lost, or a read
	// deadline is exceeded while pings are disabled or already
	// outstanding.
	ErrAbnormalClosure = errors.New("websocket: abnormal closure")

	// ErrClosed is returned by send operations once the local side has
	// already sent or received a CLOSE frame (I4).
	ErrClosed = errors.New("websocket: connection closed")

	// ErrHeaderLineTooLong is returned by the header codec when a
	// CRLF-terminated line exceeds maxHeaderLineLength.
	ErrHeaderLineTooLong = errors.New("websocket: header line too long")

	// ErrAcceptorClosed is returned by Endpoint.Connect and Endpoint.Listen
	// once Endpoint.CloseAll has shut the Endpoint down.
	ErrAcceptorClosed = errors.New("websocket: acceptor closed")
)
