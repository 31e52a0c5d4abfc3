package protocol

// Message type constants for protocol envelopes.
const (
	TypeReady        = "ready"
	TypeReadyAck     = "ready_ack"
	TypeChunk        = "chunk"
	TypeDone         = "done"
	TypeReceived     = "received"
	TypeError        = "error"
	TypeAbort        = "abort"
	TypeChallenge    = "challenge"
	TypeAuthResponse = "auth_response"
	TypeAuthInvalid  = "auth_invalid"
	TypeAuthTimeout  = "auth_timeout"
	TypeSessionReady = "session_ready"

	// TypeHello is the stream preamble written by QUIC dialers. It never
	// reaches the message layer.
	TypeHello = "hello"
)
