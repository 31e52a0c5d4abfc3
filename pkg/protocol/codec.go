package protocol

import (
	"errors"
	"fmt"
)

// ErrUnknownType is returned by Decode for envelope types outside the message set.
var ErrUnknownType = errors.New("unknown message type")

// Encode wraps msg in a fresh envelope.
func Encode(msg Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, errors.New("nil message")
	}
	var payload any
	switch m := msg.(type) {
	case Challenge, AuthInvalid, AuthTimeout, SessionReady:
		// no payload
	case Ready, ReadyAck, Chunk, Done, Received, Error, Abort, AuthResponse:
		payload = m
	default:
		return Envelope{}, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
	return NewEnvelope(msg.Kind(), NewMsgID(), payload)
}

// Decode validates env and converts it into its message value.
func Decode(env Envelope) (Message, error) {
	if err := env.ValidateBasic(); err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeReady:
		return decodeRef[Ready](env)
	case TypeReadyAck:
		return decodeRef[ReadyAck](env)
	case TypeDone:
		return decodeRef[Done](env)
	case TypeAbort:
		return decodeRef[Abort](env)
	case TypeChunk:
		return decodeRef[Chunk](env)
	case TypeReceived:
		return decodeRef[Received](env)
	case TypeError:
		return decodeRef[Error](env)
	case TypeAuthResponse:
		var m AuthResponse
		if err := DecodePayload(env, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypeChallenge:
		return Challenge{}, nil
	case TypeAuthInvalid:
		return AuthInvalid{}, nil
	case TypeAuthTimeout:
		return AuthTimeout{}, nil
	case TypeSessionReady:
		return SessionReady{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// TransferMessage is satisfied by the messages that address one transfer.
type TransferMessage interface {
	Message
	Ref() FileRef
}

// Ref returns the transfer reference.
func (r FileRef) Ref() FileRef { return r }

func decodeRef[T TransferMessage](env Envelope) (Message, error) {
	var m T
	if err := DecodePayload(env, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	if m.Ref().ID == "" {
		return nil, fmt.Errorf("decode %s: id is required", env.Type)
	}
	return m, nil
}
