// Package auth implements the optional shared-secret handshake that gates a
// connection before any transfer is accepted.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/sheerbytes/shareio/pkg/protocol"
)

// DefaultTimeout bounds how long a client has to answer the challenge.
const DefaultTimeout = 10 * time.Second

// TimeoutPolicy decides what happens to a connection that never answered.
type TimeoutPolicy string

const (
	// PolicyPermissive lets the connection through unauthenticated.
	PolicyPermissive TimeoutPolicy = "permissive"
	// PolicyStrict closes the connection.
	PolicyStrict TimeoutPolicy = "strict"
)

var ErrUnknownPolicy = errors.New("unknown auth timeout policy")

// ParsePolicy maps a config string to a TimeoutPolicy. Empty selects
// PolicyPermissive.
func ParsePolicy(s string) (TimeoutPolicy, error) {
	switch TimeoutPolicy(s) {
	case "", PolicyPermissive:
		return PolicyPermissive, nil
	case PolicyStrict:
		return PolicyStrict, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Gate holds the host's authentication settings. The zero value admits
// every connection.
type Gate struct {
	Secret  string
	Timeout time.Duration
	Policy  TimeoutPolicy
}

// Required reports whether connections must answer a challenge.
func (g Gate) Required() bool {
	return g.Secret != ""
}

// TimeoutOrDefault returns the configured timeout, or DefaultTimeout.
func (g Gate) TimeoutOrDefault() time.Duration {
	if g.Timeout <= 0 {
		return DefaultTimeout
	}
	return g.Timeout
}

// Begin starts the handshake for one connection.
func (g Gate) Begin() *Handshake {
	return &Handshake{gate: g, state: StateIdle}
}

func (g Gate) matches(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(g.Secret), []byte(secret)) == 1
}

// State is a connection's position in the handshake.
type State int

const (
	StateIdle State = iota
	StateAwaiting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaiting:
		return "awaiting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Action is what the caller must do after a handshake step: send the
// messages in order, then close the connection if Close is set.
type Action struct {
	Send  []protocol.Message
	Close bool
	// Authenticated is true when the step opened the connection with a
	// verified secret.
	Authenticated bool
}

// Handshake is the per-connection gate state. It is not safe for
// concurrent use; the connection's serve loop drives it.
type Handshake struct {
	gate          Gate
	state         State
	authenticated bool
}

// State returns the current handshake state.
func (h *Handshake) State() State { return h.state }

// Open reports whether transfer messages may be processed.
func (h *Handshake) Open() bool { return h.state == StateOpen }

// Authenticated reports whether the connection proved the secret.
func (h *Handshake) Authenticated() bool { return h.authenticated }

// Start opens the handshake. Without a secret the connection is opened
// at once; otherwise the caller must arm a timer of TimeoutOrDefault and
// call Expire when it fires.
func (h *Handshake) Start() Action {
	if h.state != StateIdle {
		return Action{}
	}
	if !h.gate.Required() {
		h.state = StateOpen
		return Action{Send: []protocol.Message{protocol.SessionReady{}}}
	}
	h.state = StateAwaiting
	return Action{Send: []protocol.Message{protocol.Challenge{}}}
}

// Respond checks an AUTH_RESPONSE. Only the first answer while awaiting
// counts.
func (h *Handshake) Respond(m protocol.AuthResponse) Action {
	if h.state != StateAwaiting {
		return Action{}
	}
	if !h.gate.matches(m.Secret) {
		h.state = StateClosed
		return Action{Send: []protocol.Message{protocol.AuthInvalid{}}, Close: true}
	}
	h.state = StateOpen
	h.authenticated = true
	return Action{Send: []protocol.Message{protocol.SessionReady{}}, Authenticated: true}
}

// Expire applies the timeout policy if the client has not answered yet.
func (h *Handshake) Expire() Action {
	if h.state != StateAwaiting {
		return Action{}
	}
	if h.gate.Policy == PolicyStrict {
		h.state = StateClosed
		return Action{Send: []protocol.Message{protocol.AuthTimeout{}}, Close: true}
	}
	h.state = StateOpen
	return Action{Send: []protocol.Message{protocol.AuthTimeout{}, protocol.SessionReady{}}}
}
