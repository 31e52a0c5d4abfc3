package protocol

// Message is one decoded protocol message. The set of implementations is
// closed: every concrete type lives in this file.
type Message interface {
	Kind() string
	isMessage()
}

// FileRef identifies a transfer on the wire.
type FileRef struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
}

// Ready announces a new transfer (sender to receiver).
type Ready struct {
	FileRef
}

// ReadyAck authorizes the sender to start streaming.
type ReadyAck struct {
	FileRef
}

// Chunk carries one ordered fragment of file content.
type Chunk struct {
	FileRef
	Data []byte `json:"data"`
}

// Done marks the end of a successful stream.
type Done struct {
	FileRef
}

// Received confirms that the receiver persisted the file. FileName is the
// name the receiver stored the file under.
type Received struct {
	FileRef
	Size   int64  `json:"size"`
	Digest string `json:"digest,omitempty"`
}

// Error reports a sender-local source failure.
type Error struct {
	FileRef
	Reason string `json:"reason"`
}

// Abort cancels an in-flight transfer. Either side may send it.
type Abort struct {
	FileRef
}

// Challenge tells the client a password is required.
type Challenge struct{}

// AuthResponse answers a Challenge.
type AuthResponse struct {
	Secret string `json:"secret"`
}

// AuthInvalid reports a wrong secret; the server disconnects afterwards.
type AuthInvalid struct{}

// AuthTimeout reports that no answer arrived in time.
type AuthTimeout struct{}

// SessionReady opens the transfer phase.
type SessionReady struct{}

// Hello is the QUIC stream preamble.
type Hello struct {
	PeerID string `json:"peer_id"`
}

func (Ready) Kind() string        { return TypeReady }
func (ReadyAck) Kind() string     { return TypeReadyAck }
func (Chunk) Kind() string        { return TypeChunk }
func (Done) Kind() string         { return TypeDone }
func (Received) Kind() string     { return TypeReceived }
func (Error) Kind() string        { return TypeError }
func (Abort) Kind() string        { return TypeAbort }
func (Challenge) Kind() string    { return TypeChallenge }
func (AuthResponse) Kind() string { return TypeAuthResponse }
func (AuthInvalid) Kind() string  { return TypeAuthInvalid }
func (AuthTimeout) Kind() string  { return TypeAuthTimeout }
func (SessionReady) Kind() string { return TypeSessionReady }

func (Ready) isMessage()        {}
func (ReadyAck) isMessage()     {}
func (Chunk) isMessage()        {}
func (Done) isMessage()         {}
func (Received) isMessage()     {}
func (Error) isMessage()        {}
func (Abort) isMessage()        {}
func (Challenge) isMessage()    {}
func (AuthResponse) isMessage() {}
func (AuthInvalid) isMessage()  {}
func (AuthTimeout) isMessage()  {}
func (SessionReady) isMessage() {}
