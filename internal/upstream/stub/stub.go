// Package stub provides an in-process upstream implementation. It backs the
// test suites and the SOCKET_ENABLED=false development mode: sockets are
// inert until events are injected through the Emit helpers.
package stub

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"

	"github.com/wagate/wagate/internal/upstream"
)

// ErrClosed is returned by operations on a closed socket.
var ErrClosed = errors.New("stub: socket closed")

// Factory creates scriptable stub sockets.
type Factory struct {
	mu      sync.Mutex
	sockets []*Socket

	// ConstructErr, when set, makes the next NewSocket call fail once.
	ConstructErr error
	// OnCreate, when set, is invoked synchronously with every new socket.
	OnCreate func(*Socket)

	Version upstream.Version
}

func NewFactory() *Factory {
	return &Factory{Version: upstream.Version{2, 3000, 1}}
}

func (f *Factory) NewSocket(_ context.Context, auth upstream.AuthState, _ upstream.Version, opts upstream.Options) (upstream.Socket, error) {
	f.mu.Lock()
	if err := f.ConstructErr; err != nil {
		f.ConstructErr = nil
		f.mu.Unlock()
		return nil, err
	}

	s := &Socket{
		auth:  auth,
		opts:  opts,
		conn:  make(chan upstream.ConnectionUpdate, 16),
		creds: make(chan struct{}, 16),
	}
	f.sockets = append(f.sockets, s)
	onCreate := f.OnCreate
	f.mu.Unlock()

	if onCreate != nil {
		onCreate(s)
	}
	return s, nil
}

func (f *Factory) InitAuthCreds() *upstream.Creds {
	return &upstream.Creds{
		NoiseKey:                randomKeyPair(),
		PairingEphemeralKeyPair: randomKeyPair(),
		SignedIdentityKey:       randomKeyPair(),
		SignedPreKey: upstream.SignedPreKey{
			KeyPair:   randomKeyPair(),
			KeyID:     1,
			Signature: randomBytes(64),
		},
		RegistrationID:          randomID(),
		AdvSecretKey:            randomBytes(32),
		NextPreKeyID:            1,
		FirstUnuploadedPreKeyID: 1,
	}
}

func (f *Factory) ResolveVersion(context.Context) (upstream.Version, error) {
	return f.Version, nil
}

// Sockets returns every socket created so far, in creation order.
func (f *Factory) Sockets() []*Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Socket(nil), f.sockets...)
}

// LastSocket returns the most recently created socket, or nil.
func (f *Factory) LastSocket() *Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sockets) == 0 {
		return nil
	}
	return f.sockets[len(f.sockets)-1]
}

// SentMessage records one SendText call on a stub socket.
type SentMessage struct {
	JID  string
	Text string
}

// Socket is a scriptable upstream connection.
type Socket struct {
	auth upstream.AuthState
	opts upstream.Options

	conn  chan upstream.ConnectionUpdate
	creds chan struct{}

	mu        sync.Mutex
	closed    bool
	loggedOut bool
	user      *upstream.Contact
	sent      []SentMessage
	sendErr   error
	nextID    int
}

func (s *Socket) ConnectionUpdates() <-chan upstream.ConnectionUpdate { return s.conn }
func (s *Socket) CredsUpdates() <-chan struct{}                       { return s.creds }

func (s *Socket) User() *upstream.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Socket) SendText(_ context.Context, jid, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sent = append(s.sent, SentMessage{JID: jid, Text: text})
	s.nextID++
	return "3EB0" + string(rune('A'+s.nextID%26)), nil
}

func (s *Socket) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.loggedOut = true
	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.conn)
	close(s.creds)
	return nil
}

// Auth returns the auth state the socket was constructed with.
func (s *Socket) Auth() upstream.AuthState { return s.auth }

// Options returns the construction options.
func (s *Socket) Options() upstream.Options { return s.opts }

// Sent returns all messages sent through this socket.
func (s *Socket) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

// LoggedOut reports whether Logout was called.
func (s *Socket) LoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}

// Closed reports whether the socket was torn down.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FailSends makes subsequent SendText calls return err (nil restores).
func (s *Socket) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// EmitQR injects a pairing payload event.
func (s *Socket) EmitQR(qr string) {
	s.emit(upstream.ConnectionUpdate{QR: qr})
}

// EmitOpen binds the user identity and injects an open event.
func (s *Socket) EmitOpen(user upstream.Contact) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.user = &user
	s.mu.Unlock()
	s.emit(upstream.ConnectionUpdate{Connection: upstream.Open})
}

// EmitConnecting injects a connecting event.
func (s *Socket) EmitConnecting() {
	s.emit(upstream.ConnectionUpdate{Connection: upstream.Connecting})
}

// EmitClose injects a close event carrying the given status code.
func (s *Socket) EmitClose(code int) {
	s.emit(upstream.ConnectionUpdate{
		Connection:     upstream.Close,
		LastDisconnect: &upstream.Disconnect{Code: code},
	})
}

// EmitCredsUpdate signals that the credential blob mutated.
func (s *Socket) EmitCredsUpdate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.creds <- struct{}{}
}

func (s *Socket) emit(u upstream.ConnectionUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.conn <- u
}

func randomBytes(n int) upstream.Bytes {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return buf
}

func randomKeyPair() upstream.KeyPair {
	return upstream.KeyPair{Public: randomBytes(32), Private: randomBytes(32)}
}

func randomID() uint32 {
	b := randomBytes(4)
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
