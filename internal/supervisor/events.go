package supervisor

import (
	"context"
	"math/rand"
	"time"

	"github.com/wagate/wagate/internal/bus"
	"github.com/wagate/wagate/internal/log"
	"github.com/wagate/wagate/internal/metrics"
	"github.com/wagate/wagate/internal/store"
	"github.com/wagate/wagate/internal/upstream"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	reconnectMaxShift  = 5
	reconnectJitter    = 500 * time.Millisecond
)

// transition moves the in-memory status and, when persist is set, the
// durable row. A persistence failure is logged; memory always advances.
func (s *Supervisor) transition(ctx context.Context, ms *managedSession, to store.Status, persist bool) {
	ms.mu.Lock()
	from := ms.status
	ms.status = to
	ms.mu.Unlock()
	if from == to {
		return
	}

	if from != "" {
		metrics.SessionsByStatus.WithLabelValues(string(from)).Dec()
	}
	metrics.SessionsByStatus.WithLabelValues(string(to)).Inc()

	s.logger.Debug().
		Str(log.FieldAPIKey, ms.apiKey).
		Str(log.FieldOldStatus, string(from)).
		Str(log.FieldNewStatus, string(to)).
		Msg("session status changed")

	if persist {
		s.writeStatus(ctx, ms.apiKey, ms.sessionID, to)
	}
}

// persistStatus writes the durable status for a session whose in-memory
// projection is already gone (logout path).
func (s *Supervisor) persistStatus(ctx context.Context, apiKey string, sessionID int64, from, to store.Status) {
	if from != to {
		if from != "" {
			metrics.SessionsByStatus.WithLabelValues(string(from)).Dec()
		}
		metrics.SessionsByStatus.WithLabelValues(string(to)).Inc()
	}
	s.writeStatus(ctx, apiKey, sessionID, to)
}

func (s *Supervisor) writeStatus(ctx context.Context, apiKey string, sessionID int64, to store.Status) {
	if err := s.store.SetStatus(ctx, sessionID, to); err != nil {
		s.logger.Error().Err(err).
			Str(log.FieldAPIKey, apiKey).
			Str(log.FieldNewStatus, string(to)).
			Msg("status persistence failed, memory state kept")
	}
}

// runEventLoop consumes a socket's event streams until they close. Events
// are handled one at a time in arrival order, which is the serialisation
// guarantee the per-session state relies on.
func (s *Supervisor) runEventLoop(ms *managedSession, sock upstream.Socket) {
	conn := sock.ConnectionUpdates()
	creds := sock.CredsUpdates()
	for {
		select {
		case u, ok := <-conn:
			if !ok {
				return
			}
			if done := s.handleConnectionUpdate(ms, sock, u); done {
				return
			}
		case _, ok := <-creds:
			if !ok {
				creds = nil
				continue
			}
			s.persistCreds(ms)
		}
	}
}

// persistCreds re-saves the shared credential blob after the upstream
// library mutated it. Failures never interrupt the session.
func (s *Supervisor) persistCreds(ms *managedSession) {
	ms.mu.Lock()
	creds := ms.creds
	ms.mu.Unlock()
	if creds == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.creds.SaveCreds(ctx, ms.sessionID, creds); err != nil {
		s.logger.Error().Err(err).
			Str(log.FieldAPIKey, ms.apiKey).
			Msg("credential persistence failed, session continues")
	}
}

// handleConnectionUpdate applies one upstream event. Returns true when the
// socket is finished and the loop should exit.
func (s *Supervisor) handleConnectionUpdate(ms *managedSession, sock upstream.Socket, u upstream.ConnectionUpdate) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A socket that is no longer the session's current one only gets to
	// report its own close; everything else is stale noise.
	if ms.currentSocket() != sock {
		return u.Connection == upstream.Close
	}

	if u.QR != "" {
		ms.mu.Lock()
		ms.lastQR = u.QR
		ms.mu.Unlock()
		qr := u.QR
		s.hub.PublishQR(ms.apiKey, &qr)
		s.transition(ctx, ms, store.StatusQR, true)
		s.hub.PublishStatus(bus.StatusEvent{APIKey: ms.apiKey, Status: string(store.StatusQR)})
		ms.resolveQRWaiters(u.QR)
	}

	switch u.Connection {
	case upstream.Open:
		ms.mu.Lock()
		ms.lastQR = ""
		ms.reconnectAttempts = 0
		ms.mu.Unlock()
		ms.stopReconnectTimer()
		s.hub.PublishQR(ms.apiKey, nil)
		s.transition(ctx, ms, store.StatusConnected, true)
		s.hub.PublishStatus(bus.StatusEvent{
			APIKey:    ms.apiKey,
			Status:    string(store.StatusConnected),
			Connected: true,
		})
		ms.resolveConnWaiters()
		if err := s.locks.Touch(ctx, ms.apiKey); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldAPIKey, ms.apiKey).
				Msg("lease touch on open failed")
		}

	case upstream.Close:
		s.handleClose(ctx, ms, sock, u.LastDisconnect)
		return true
	}
	return false
}

func (s *Supervisor) handleClose(ctx context.Context, ms *managedSession, sock upstream.Socket, disc *upstream.Disconnect) {
	ms.stopReconnectTimer()
	_ = sock.Close()

	ms.mu.Lock()
	if ms.socket == sock {
		ms.socket = nil
	}
	ms.lastQR = ""
	ms.mu.Unlock()

	if disc.LoggedOut() {
		if err := s.creds.ClearSessionData(ctx, ms.sessionID); err != nil {
			s.logger.Error().Err(err).Str(log.FieldAPIKey, ms.apiKey).
				Msg("credential clear on logout failed")
		}
		s.transition(ctx, ms, store.StatusLoggedOut, true)
		s.hub.PublishQR(ms.apiKey, nil)
		s.hub.PublishStatus(bus.StatusEvent{APIKey: ms.apiKey, Status: string(store.StatusLoggedOut)})
		if err := s.locks.Release(ctx, ms.apiKey); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldAPIKey, ms.apiKey).
				Msg("lease release on logout failed")
		}
		ms.mu.Lock()
		ms.lockHeld = false
		ms.reconnectAttempts = 0
		ms.mu.Unlock()

		s.mu.Lock()
		if s.managed[ms.apiKey] == ms {
			delete(s.managed, ms.apiKey)
		}
		s.mu.Unlock()
	} else {
		s.transition(ctx, ms, store.StatusDisconnected, true)
		s.hub.PublishStatus(bus.StatusEvent{APIKey: ms.apiKey, Status: string(store.StatusDisconnected)})
		s.scheduleReconnect(ms)
	}

	ms.rejectWaiters(ErrConnectionClosed)
}

// reconnectDelay computes the backoff for attempt n >= 1: exponential from
// 1 s, capped at 30 s, plus up to 500 ms of jitter.
func reconnectDelay(attempt int) time.Duration {
	shift := attempt - 1
	if shift > reconnectMaxShift {
		shift = reconnectMaxShift
	}
	delay := reconnectBaseDelay << shift
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	return delay + time.Duration(rand.Int63n(int64(reconnectJitter)))
}

// scheduleReconnect arms the session's single reconnect timer. A newer
// close replaces any previously armed timer.
func (s *Supervisor) scheduleReconnect(ms *managedSession) {
	ms.mu.Lock()
	ms.reconnectAttempts++
	attempt := ms.reconnectAttempts
	delay := reconnectDelay(attempt)
	if ms.reconnectTimer != nil {
		ms.reconnectTimer.Stop()
	}
	ms.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(ms) })
	ms.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	s.logger.Info().
		Str(log.FieldAPIKey, ms.apiKey).
		Int(log.FieldAttempt, attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")
}

// reconnect fires from the backoff timer: it skips when a socket is already
// alive, otherwise it re-runs socket initialisation (which re-acquires the
// lease, failing fast when another instance took over).
func (s *Supervisor) reconnect(ms *managedSession) {
	s.mu.Lock()
	current := s.managed[ms.apiKey]
	s.mu.Unlock()
	if current != ms {
		return
	}
	if ms.currentSocket() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := s.store.GetSession(ctx, ms.apiKey)
	if err != nil || sess == nil {
		s.logger.Warn().Err(err).Str(log.FieldAPIKey, ms.apiKey).
			Msg("reconnect aborted, session row unavailable")
		return
	}
	if sess.Status == store.StatusLoggedOut {
		return
	}

	if _, err := s.initializeSocket(ctx, sess); err != nil {
		s.logger.Warn().Err(err).
			Str(log.FieldAPIKey, ms.apiKey).
			Msg("reconnect attempt failed")
		s.scheduleReconnect(ms)
	}
}
