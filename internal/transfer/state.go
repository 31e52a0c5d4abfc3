// Package transfer implements the chunked file-transfer protocol: the
// sender and receiver state machines, the per-connection registry, and the
// disconnect reaper.
package transfer

import "errors"

var (
	// ErrNotRegularFile is returned when asked to send a directory or device.
	ErrNotRegularFile = errors.New("not a regular file")
	// ErrNotConnected is returned when the channel refuses a READY announcement.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidFilename indicates the filename contains path traversal or is invalid
	ErrInvalidFilename = errors.New("invalid filename")
	// ErrFilenameTooLong indicates the filename exceeds the maximum length
	ErrFilenameTooLong = errors.New("filename too long")

	errStopped = errors.New("transfer no longer streaming")
)

// Role says which side of a transfer an entry belongs to.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleReceiver:
		return "receiver"
	default:
		return "unknown"
	}
}

// Status is the state of one transfer.
// Requested -> Streaming -> {Completed | Aborted | Errored}.
type Status int

const (
	StatusRequested Status = iota
	StatusStreaming
	StatusCompleted
	StatusAborted
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "requested"
	case StatusStreaming:
		return "streaming"
	case StatusCompleted:
		return "completed"
	case StatusAborted:
		return "aborted"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusErrored
}

// Info is a point-in-time snapshot of a transfer.
type Info struct {
	ID       string
	FileName string
	// StoredAs is the receiver-side destination name. On the sender it is
	// filled in from the receipt.
	StoredAs string
	Role     Role
	Status   Status
	Bytes    int64
	Digest   string
	ConnID   string
}
