// Package supervisor drives the session lifecycle: it owns the in-memory
// session registry, the upstream sockets, the reconnect policy and the
// coordination between the durable stores and the event bus.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wagate/wagate/internal/bus"
	"github.com/wagate/wagate/internal/credstore"
	"github.com/wagate/wagate/internal/lock"
	"github.com/wagate/wagate/internal/log"
	"github.com/wagate/wagate/internal/metrics"
	"github.com/wagate/wagate/internal/registry"
	"github.com/wagate/wagate/internal/store"
	"github.com/wagate/wagate/internal/upstream"
)

const (
	defaultQRTimeout       = 60 * time.Second
	defaultConnectTimeout  = 20 * time.Second
	defaultWarmTimeout     = 15 * time.Second
	defaultWarmConcurrency = 8
)

// Config wires the supervisor's collaborators.
type Config struct {
	Store    *store.Store
	Creds    *credstore.Store
	Registry *registry.Registry
	Locks    *lock.Manager
	Hub      *bus.Hub
	Factory  upstream.Factory

	// Deadlines default to the production values when zero.
	QRTimeout       time.Duration
	ConnectTimeout  time.Duration
	WarmTimeout     time.Duration
	WarmConcurrency int
}

// Supervisor is the process-wide session engine. One instance per process;
// co-hosted HTTP handlers share it so the session registry stays singular.
type Supervisor struct {
	store    *store.Store
	creds    *credstore.Store
	registry *registry.Registry
	locks    *lock.Manager
	hub      *bus.Hub
	factory  upstream.Factory
	version  *upstream.CachedVersionResolver

	flights singleflight.Group

	mu      sync.Mutex
	managed map[string]*managedSession

	qrTimeout       time.Duration
	connectTimeout  time.Duration
	warmTimeout     time.Duration
	warmConcurrency int

	logger zerolog.Logger
}

func New(cfg Config) *Supervisor {
	s := &Supervisor{
		store:           cfg.Store,
		creds:           cfg.Creds,
		registry:        cfg.Registry,
		locks:           cfg.Locks,
		hub:             cfg.Hub,
		factory:         cfg.Factory,
		version:         &upstream.CachedVersionResolver{Inner: cfg.Factory},
		managed:         make(map[string]*managedSession),
		qrTimeout:       cfg.QRTimeout,
		connectTimeout:  cfg.ConnectTimeout,
		warmTimeout:     cfg.WarmTimeout,
		warmConcurrency: cfg.WarmConcurrency,
		logger:          log.WithComponent("supervisor"),
	}
	if s.qrTimeout == 0 {
		s.qrTimeout = defaultQRTimeout
	}
	if s.connectTimeout == 0 {
		s.connectTimeout = defaultConnectTimeout
	}
	if s.warmTimeout == 0 {
		s.warmTimeout = defaultWarmTimeout
	}
	if s.warmConcurrency == 0 {
		s.warmConcurrency = defaultWarmConcurrency
	}
	return s
}

// QRResult is the outcome of a pairing request.
type QRResult struct {
	APIKey string `json:"apiKey"`
	Status string `json:"status"`
	QR     string `json:"qr,omitempty"`
}

// StatusInfo is the merged connection view of one session.
type StatusInfo struct {
	APIKey    string `json:"apiKey"`
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

// WarmReport summarises a warm-up pass.
type WarmReport struct {
	Total     int `json:"total"`
	Attempted int `json:"attempted"`
	Connected int `json:"connected"`
	Failed    int `json:"failed"`
}

// GetQR starts (or reuses) the session for apiKey and returns the current
// pairing state: CONNECTED when already paired, the buffered QR when one is
// available, or the next QR within the deadline.
func (s *Supervisor) GetQR(ctx context.Context, apiKey, displayName string) (*QRResult, error) {
	if _, err := s.registry.AssertActive(ctx, apiKey); err != nil {
		return nil, err
	}
	sess, err := s.store.UpsertSession(ctx, apiKey, displayName)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.StatusLoggedOut {
		return &QRResult{APIKey: apiKey, Status: string(store.StatusLoggedOut)}, nil
	}

	ms, err := s.initializeSocket(ctx, sess)
	if err != nil {
		return nil, err
	}
	if ms.connected() {
		return &QRResult{APIKey: apiKey, Status: string(store.StatusConnected)}, nil
	}
	if qr := ms.currentQR(); qr != "" {
		return &QRResult{APIKey: apiKey, Status: string(store.StatusQR), QR: qr}, nil
	}

	w := ms.addQRWaiter()
	timer := time.NewTimer(s.qrTimeout)
	defer timer.Stop()
	select {
	case out := <-w.ch:
		if out.err != nil {
			return nil, out.err
		}
		return &QRResult{APIKey: apiKey, Status: string(store.StatusQR), QR: out.qr}, nil
	case <-timer.C:
		ms.removeQRWaiter(w)
		return nil, ErrQRTimeout
	case <-ctx.Done():
		ms.removeQRWaiter(w)
		return nil, ctx.Err()
	}
}

// Logout unpairs the session and clears its credential material. The row
// survives with status LOGGED_OUT.
func (s *Supervisor) Logout(ctx context.Context, apiKey string) error {
	// Keyed by session row, not registry membership: an unknown key and a
	// registered key without a session answer identically (404).
	sess, err := s.store.GetSession(ctx, apiKey)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	ms := s.managed[apiKey]
	delete(s.managed, apiKey)
	s.mu.Unlock()

	if ms != nil {
		ms.stopReconnectTimer()
		if sock := ms.currentSocket(); sock != nil {
			// Graceful unpair first, forceful close regardless. Neither
			// failure aborts the local cleanup.
			if err := sock.Logout(ctx); err != nil {
				s.logger.Warn().Err(err).Str(log.FieldAPIKey, apiKey).
					Msg("upstream logout failed, closing anyway")
			}
			if err := sock.Close(); err != nil {
				s.logger.Warn().Err(err).Str(log.FieldAPIKey, apiKey).
					Msg("socket close failed")
			}
		}
		ms.rejectWaiters(ErrConnectionClosed)
	}

	if err := s.creds.ClearSessionData(ctx, sess.ID); err != nil {
		return err
	}
	s.persistStatus(ctx, apiKey, sess.ID, currentStatusOf(ms, sess), store.StatusLoggedOut)
	s.hub.PublishQR(apiKey, nil)
	s.hub.PublishStatus(bus.StatusEvent{APIKey: apiKey, Status: string(store.StatusLoggedOut)})

	if err := s.locks.Release(ctx, apiKey); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldAPIKey, apiKey).Msg("lease release failed")
	}
	return nil
}

// ConnectionStatus merges the live socket view with the in-memory and
// persisted states. connected is true iff the socket has a bound user.
func (s *Supervisor) ConnectionStatus(ctx context.Context, apiKey string) (*StatusInfo, error) {
	if _, err := s.registry.AssertActive(ctx, apiKey); err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	ms := s.managed[apiKey]
	s.mu.Unlock()

	if ms != nil && ms.connected() {
		return &StatusInfo{APIKey: apiKey, Status: string(store.StatusConnected), Connected: true}, nil
	}
	status := sess.Status
	if ms != nil {
		// The durable row lags behind the latest event.
		status = ms.currentStatus()
	}
	return &StatusInfo{APIKey: apiKey, Status: string(status), Connected: false}, nil
}

// CurrentQR returns the buffered pairing payload, or nil. Memory-only; used
// to seed new SSE subscribers.
func (s *Supervisor) CurrentQR(apiKey string) *string {
	s.mu.Lock()
	ms := s.managed[apiKey]
	s.mu.Unlock()
	if ms == nil {
		return nil
	}
	if qr := ms.currentQR(); qr != "" {
		return &qr
	}
	return nil
}

// SendText delivers a text message through the session's socket.
func (s *Supervisor) SendText(ctx context.Context, apiKey, to, text string) (string, error) {
	if _, err := s.registry.AssertActive(ctx, apiKey); err != nil {
		return "", err
	}
	sess, err := s.store.GetSession(ctx, apiKey)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", ErrSessionNotFound
	}
	if sess.Status == store.StatusLoggedOut {
		return "", ErrSessionLoggedOut
	}

	if len(text) == 0 || len(text) > 1000 {
		return "", errInvalidText
	}
	msisdn, err := normalizeMSISDN(to)
	if err != nil {
		return "", err
	}

	ms, err := s.initializeSocket(ctx, sess)
	if err != nil {
		return "", err
	}

	ms.mu.Lock()
	lockHeld := ms.lockHeld
	ms.mu.Unlock()
	if !lockHeld && !ms.connected() {
		owner, _, err := s.locks.Holder(ctx, apiKey)
		if err != nil {
			s.logger.Warn().Err(err).Str(log.FieldAPIKey, apiKey).Msg("lease owner lookup failed")
		}
		metrics.MessagesSent.WithLabelValues("locked").Inc()
		return "", &LockedError{APIKey: apiKey, Owner: owner}
	}

	if err := s.waitConnected(ctx, ms); err != nil {
		metrics.MessagesSent.WithLabelValues("not_connected").Inc()
		return "", err
	}

	sock := ms.currentSocket()
	if sock == nil {
		metrics.MessagesSent.WithLabelValues("not_connected").Inc()
		return "", ErrNotConnected
	}
	msgID, err := sock.SendText(ctx, msisdn+"@s.whatsapp.net", text)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("error").Inc()
		return "", err
	}
	if err := s.locks.Touch(ctx, apiKey); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		s.logger.Warn().Err(err).Str(log.FieldAPIKey, apiKey).Msg("lease touch failed")
	}
	metrics.MessagesSent.WithLabelValues("ok").Inc()
	return msgID, nil
}

// waitConnected blocks until the session is connected or the deadline lapses.
func (s *Supervisor) waitConnected(ctx context.Context, ms *managedSession) error {
	w := ms.addConnWaiter()
	if w == nil {
		return nil
	}
	timer := time.NewTimer(s.connectTimeout)
	defer timer.Stop()
	select {
	case err := <-w.ch:
		if err != nil {
			return err
		}
		return nil
	case <-timer.C:
		ms.removeConnWaiter(w)
		return ErrNotConnected
	case <-ctx.Done():
		ms.removeConnWaiter(w)
		return ctx.Err()
	}
}

// WarmSessions eagerly reconnects previously paired sessions at boot.
// Sessions without stored credentials are skipped so warm-up never triggers
// an unsolicited QR pairing.
func (s *Supervisor) WarmSessions(ctx context.Context) (*WarmReport, error) {
	sessions, err := s.store.ListSessionsByStatus(ctx, store.StatusConnected, store.StatusDisconnected)
	if err != nil {
		return nil, err
	}

	report := &WarmReport{Total: len(sessions)}
	var reportMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.warmConcurrency)
	for _, sess := range sessions {
		if !sess.HasCreds {
			continue
		}
		reportMu.Lock()
		report.Attempted++
		reportMu.Unlock()

		sess := sess
		g.Go(func() error {
			ok := s.warmOne(gctx, sess)
			reportMu.Lock()
			if ok {
				report.Connected++
			} else {
				report.Failed++
			}
			reportMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Supervisor) warmOne(ctx context.Context, sess *store.Session) bool {
	lg := s.logger.With().Str(log.FieldAPIKey, sess.APIKey).Logger()

	ms, err := s.initializeSocket(ctx, sess)
	if err != nil {
		lg.Warn().Err(err).Msg("warm-up socket init failed")
		return false
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.warmTimeout)
	defer cancel()
	w := ms.addConnWaiter()
	if w == nil {
		return true
	}
	select {
	case err := <-w.ch:
		if err != nil {
			lg.Warn().Err(err).Msg("warm-up connect failed")
			return false
		}
		return true
	case <-waitCtx.Done():
		ms.removeConnWaiter(w)
		lg.Warn().Msg("warm-up connect timed out")
		return false
	}
}

// Close tears down all sockets and releases every lease this process holds.
// Used on graceful shutdown; errors are logged, never returned as fatal.
func (s *Supervisor) Close(ctx context.Context) {
	s.mu.Lock()
	managed := make([]*managedSession, 0, len(s.managed))
	for _, ms := range s.managed {
		managed = append(managed, ms)
	}
	s.managed = make(map[string]*managedSession)
	s.mu.Unlock()

	for _, ms := range managed {
		ms.stopReconnectTimer()
		ms.rejectWaiters(ErrConnectionClosed)
		if sock := ms.currentSocket(); sock != nil {
			if err := sock.Close(); err != nil {
				s.logger.Warn().Err(err).Str(log.FieldAPIKey, ms.apiKey).
					Msg("socket close failed during shutdown")
			}
		}
	}

	n, err := s.locks.ReleaseAll(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("lease release failed during shutdown")
		return
	}
	s.logger.Info().Int64("released", n).Msg("released all session leases")
}

// getOrCreateManaged returns the process-wide projection for the session,
// creating it lazily.
func (s *Supervisor) getOrCreateManaged(sess *store.Session) *managedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms, ok := s.managed[sess.APIKey]; ok {
		return ms
	}
	ms := &managedSession{
		apiKey:    sess.APIKey,
		sessionID: sess.ID,
		status:    sess.Status,
	}
	s.managed[sess.APIKey] = ms
	return ms
}

// initializeSocket is idempotent: concurrent callers for one key share a
// single in-flight attempt. At most one socket exists per key per process.
// When the lease is owned elsewhere the managed session is returned without
// a socket and with lockHeld false.
func (s *Supervisor) initializeSocket(ctx context.Context, sess *store.Session) (*managedSession, error) {
	v, err, _ := s.flights.Do(sess.APIKey, func() (any, error) {
		ms := s.getOrCreateManaged(sess)

		if ms.currentSocket() != nil {
			return ms, nil
		}

		ok, err := s.locks.Acquire(ctx, sess.APIKey)
		if err != nil {
			metrics.LockOperations.WithLabelValues("acquire", "error").Inc()
			return nil, err
		}
		if !ok {
			metrics.LockOperations.WithLabelValues("acquire", "denied").Inc()
			ms.mu.Lock()
			ms.lockHeld = false
			ms.mu.Unlock()
			return ms, nil
		}
		metrics.LockOperations.WithLabelValues("acquire", "ok").Inc()
		ms.mu.Lock()
		ms.lockHeld = true
		ms.mu.Unlock()

		if err := s.createSocket(ctx, ms, sess.DisplayName); err != nil {
			s.transition(ctx, ms, store.StatusError, true)
			ms.rejectWaiters(err)
			if rerr := s.locks.Release(ctx, ms.apiKey); rerr != nil {
				s.logger.Warn().Err(rerr).Str(log.FieldAPIKey, ms.apiKey).
					Msg("lease release after construction failure failed")
			}
			ms.mu.Lock()
			ms.lockHeld = false
			ms.mu.Unlock()
			return nil, err
		}
		return ms, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*managedSession), nil
}

// createSocket assembles the auth state and opens a new upstream socket.
func (s *Supervisor) createSocket(ctx context.Context, ms *managedSession, displayName string) error {
	creds, err := s.creds.LoadCreds(ctx, ms.sessionID)
	if err != nil {
		return err
	}
	if creds == nil {
		creds = s.factory.InitAuthCreds()
		// New root credentials must be durable before the first handshake.
		if err := s.creds.SaveCreds(ctx, ms.sessionID, creds); err != nil {
			return fmt.Errorf("persist fresh creds: %w", err)
		}
	}

	version, err := s.version.ResolveVersion(ctx)
	if err != nil {
		return err
	}

	auth := upstream.AuthState{Creds: creds, Keys: s.creds.Keys(ms.sessionID)}
	sock, err := s.factory.NewSocket(ctx, auth, version, upstream.Options{DisplayName: displayName})
	if err != nil {
		return err
	}

	ms.mu.Lock()
	ms.socket = sock
	ms.creds = creds
	ms.mu.Unlock()

	// CONNECTING is a memory-only state; the row keeps its last durable
	// status until the first upstream event lands.
	s.transition(ctx, ms, store.StatusConnecting, false)
	go s.runEventLoop(ms, sock)
	return nil
}

func currentStatusOf(ms *managedSession, sess *store.Session) store.Status {
	if ms != nil {
		return ms.currentStatus()
	}
	return sess.Status
}
