package protocol

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const ProtocolVersion = 1

// ErrInvalidEnvelope wraps every ValidateBasic failure.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the frame every message travels in. Payload holds the
// message fields and is absent for the bare signals.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	MsgID   string          `json:"msg_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of msgType. A nil payload
// leaves Payload empty.
func NewEnvelope(msgType, msgID string, payload any) (Envelope, error) {
	env := Envelope{V: ProtocolVersion, Type: msgType, MsgID: msgID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env.Payload = raw
	return env, nil
}

// DecodePayload unmarshals env's payload into out.
func DecodePayload(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: payload is empty", env.Type)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}
	return nil
}

// ValidateBasic checks the header fields.
func (e Envelope) ValidateBasic() error {
	switch {
	case e.V != ProtocolVersion:
		return fmt.Errorf("%w: version %d, expected %d", ErrInvalidEnvelope, e.V, ProtocolVersion)
	case e.Type == "":
		return fmt.Errorf("%w: type is required", ErrInvalidEnvelope)
	case e.MsgID == "":
		return fmt.Errorf("%w: msg_id is required", ErrInvalidEnvelope)
	}
	return nil
}

// NewMsgID returns a random 16-character hex id, also used for
// connection ids.
func NewMsgID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:8])
}
