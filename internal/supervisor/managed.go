package supervisor

import (
	"sync"
	"time"

	"github.com/wagate/wagate/internal/store"
	"github.com/wagate/wagate/internal/upstream"
)

type qrOutcome struct {
	qr  string
	err error
}

// qrWaiter is a one-shot slot for the next pairing payload. The channel is
// buffered so resolution never blocks on an abandoned waiter.
type qrWaiter struct {
	ch chan qrOutcome
}

// connWaiter is a one-shot slot resolved when the session reaches CONNECTED.
type connWaiter struct {
	ch chan error
}

// managedSession is the in-memory projection of one session on this process.
// All fields behind mu are mutated either by the socket's event loop or by
// API calls; the mutex serialises them.
type managedSession struct {
	apiKey    string
	sessionID int64

	mu                sync.Mutex
	status            store.Status
	lastQR            string
	socket            upstream.Socket
	creds             *upstream.Creds
	lockHeld          bool
	qrWaiters         []*qrWaiter
	connWaiters       []*connWaiter
	reconnectTimer    *time.Timer
	reconnectAttempts int
}

// connected reports whether the live socket has a bound user identity.
func (ms *managedSession) connected() bool {
	ms.mu.Lock()
	sock := ms.socket
	ms.mu.Unlock()
	return sock != nil && sock.User() != nil
}

func (ms *managedSession) currentSocket() upstream.Socket {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.socket
}

func (ms *managedSession) currentQR() string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.lastQR
}

func (ms *managedSession) currentStatus() store.Status {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.status
}

// addQRWaiter registers a waiter for the next pairing payload. When a QR is
// already buffered the waiter is resolved immediately.
func (ms *managedSession) addQRWaiter() *qrWaiter {
	w := &qrWaiter{ch: make(chan qrOutcome, 1)}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.lastQR != "" {
		w.ch <- qrOutcome{qr: ms.lastQR}
		return w
	}
	ms.qrWaiters = append(ms.qrWaiters, w)
	return w
}

func (ms *managedSession) removeQRWaiter(w *qrWaiter) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for i, x := range ms.qrWaiters {
		if x == w {
			ms.qrWaiters = append(ms.qrWaiters[:i], ms.qrWaiters[i+1:]...)
			return
		}
	}
}

// addConnWaiter registers a waiter for CONNECTED, or returns nil when the
// session is already connected.
func (ms *managedSession) addConnWaiter() *connWaiter {
	ms.mu.Lock()
	sock := ms.socket
	ms.mu.Unlock()
	if sock != nil && sock.User() != nil {
		return nil
	}

	w := &connWaiter{ch: make(chan error, 1)}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.connWaiters = append(ms.connWaiters, w)
	return w
}

func (ms *managedSession) removeConnWaiter(w *connWaiter) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for i, x := range ms.connWaiters {
		if x == w {
			ms.connWaiters = append(ms.connWaiters[:i], ms.connWaiters[i+1:]...)
			return
		}
	}
}

// resolveQRWaiters hands the payload to every pending QR waiter.
func (ms *managedSession) resolveQRWaiters(qr string) {
	ms.mu.Lock()
	waiters := ms.qrWaiters
	ms.qrWaiters = nil
	ms.mu.Unlock()
	for _, w := range waiters {
		w.ch <- qrOutcome{qr: qr}
	}
}

// resolveConnWaiters releases every pending connection waiter.
func (ms *managedSession) resolveConnWaiters() {
	ms.mu.Lock()
	waiters := ms.connWaiters
	ms.connWaiters = nil
	ms.mu.Unlock()
	for _, w := range waiters {
		w.ch <- nil
	}
}

// rejectWaiters fails every pending waiter of both kinds.
func (ms *managedSession) rejectWaiters(err error) {
	ms.mu.Lock()
	qrs := ms.qrWaiters
	conns := ms.connWaiters
	ms.qrWaiters = nil
	ms.connWaiters = nil
	ms.mu.Unlock()
	for _, w := range qrs {
		w.ch <- qrOutcome{err: err}
	}
	for _, w := range conns {
		w.ch <- err
	}
}

// stopReconnectTimer cancels a pending reconnect, if armed.
func (ms *managedSession) stopReconnectTimer() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.reconnectTimer != nil {
		ms.reconnectTimer.Stop()
		ms.reconnectTimer = nil
	}
}
