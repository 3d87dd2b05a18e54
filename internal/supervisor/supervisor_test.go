package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wagate/wagate/internal/bus"
	"github.com/wagate/wagate/internal/credstore"
	"github.com/wagate/wagate/internal/lock"
	"github.com/wagate/wagate/internal/registry"
	"github.com/wagate/wagate/internal/store"
	"github.com/wagate/wagate/internal/upstream"
	"github.com/wagate/wagate/internal/upstream/stub"
)

type fixture struct {
	sup   *Supervisor
	fac   *stub.Factory
	st    *store.Store
	reg   *registry.Registry
	creds *credstore.Store
	locks *lock.Manager
	hub   *bus.Hub
	key   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "sup.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(st.DB)
	k, err := reg.Generate(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		st:    st,
		reg:   reg,
		creds: credstore.New(st.DB),
		locks: lock.New(st.DB, "test-owner", 5*time.Minute),
		hub:   bus.NewHub(),
		fac:   stub.NewFactory(),
		key:   k.Key,
	}
	f.sup = New(Config{
		Store:          st,
		Creds:          f.creds,
		Registry:       reg,
		Locks:          f.locks,
		Hub:            f.hub,
		Factory:        f.fac,
		QRTimeout:      2 * time.Second,
		ConnectTimeout: 300 * time.Millisecond,
		WarmTimeout:    300 * time.Millisecond,
	})
	t.Cleanup(func() { f.sup.Close(context.Background()) })
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// scriptQR makes every new socket immediately emit a pairing payload.
func scriptQR(f *fixture, qr string) {
	f.fac.OnCreate = func(s *stub.Socket) {
		go s.EmitQR(qr)
	}
}

// pairAndOpen drives the session to CONNECTED.
func pairAndOpen(t *testing.T, f *fixture) *stub.Socket {
	t.Helper()
	scriptQR(f, "2@pair")
	if _, err := f.sup.GetQR(context.Background(), f.key, "Bot"); err != nil {
		t.Fatal(err)
	}
	sock := f.fac.LastSocket()
	sock.EmitOpen(upstream.Contact{ID: "628123456789@s.whatsapp.net", Name: "Bot"})
	waitFor(t, func() bool {
		info, err := f.sup.ConnectionStatus(context.Background(), f.key)
		return err == nil && info.Connected
	})
	return sock
}

func TestGetQRDeliversPairingPayload(t *testing.T) {
	f := newFixture(t)
	scriptQR(f, "2@qr1")

	res, err := f.sup.GetQR(context.Background(), f.key, "Bot")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "QR" || res.QR != "2@qr1" {
		t.Errorf("unexpected result: %+v", res)
	}

	// Fresh credentials were synthesised and persisted before the handshake.
	sessions, err := f.st.ListSessions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !sessions[0].HasCreds {
		t.Error("root creds not persisted on first socket")
	}
	waitFor(t, func() bool {
		sess, _ := f.st.GetSession(context.Background(), f.key)
		return sess != nil && sess.Status == store.StatusQR
	})
}

func TestGetQRUnknownKey(t *testing.T) {
	f := newFixture(t)
	_, err := f.sup.GetQR(context.Background(), "wg_unknown", "")
	if !errors.Is(err, registry.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestGetQRTimeout(t *testing.T) {
	f := newFixture(t)
	f.sup.qrTimeout = 50 * time.Millisecond
	// Socket never emits anything.
	_, err := f.sup.GetQR(context.Background(), f.key, "")
	if !errors.Is(err, ErrQRTimeout) {
		t.Fatalf("expected ErrQRTimeout, got %v", err)
	}

	// The abandoned waiter was removed from the session's list.
	f.sup.mu.Lock()
	ms := f.sup.managed[f.key]
	f.sup.mu.Unlock()
	ms.mu.Lock()
	n := len(ms.qrWaiters)
	ms.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no leftover waiters, got %d", n)
	}
}

func TestGetQRAlreadyConnected(t *testing.T) {
	f := newFixture(t)
	pairAndOpen(t, f)

	res, err := f.sup.GetQR(context.Background(), f.key, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "CONNECTED" || res.QR != "" {
		t.Errorf("expected bare CONNECTED, got %+v", res)
	}
	if len(f.fac.Sockets()) != 1 {
		t.Error("second GetQR must not open a second socket")
	}
}

func TestSingleSocketPerKey(t *testing.T) {
	f := newFixture(t)
	scriptQR(f, "2@qr")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.sup.GetQR(context.Background(), f.key, "")
		}()
	}
	wg.Wait()

	if n := len(f.fac.Sockets()); n != 1 {
		t.Errorf("expected exactly 1 socket, got %d", n)
	}
}

func TestConnectionStatusMerge(t *testing.T) {
	f := newFixture(t)
	scriptQR(f, "2@qr")
	if _, err := f.sup.GetQR(context.Background(), f.key, ""); err != nil {
		t.Fatal(err)
	}

	info, err := f.sup.ConnectionStatus(context.Background(), f.key)
	if err != nil {
		t.Fatal(err)
	}
	if info.Connected {
		t.Error("connected must be false before the user identity is bound")
	}

	f.fac.LastSocket().EmitOpen(upstream.Contact{ID: "628@s.whatsapp.net"})
	waitFor(t, func() bool {
		info, err := f.sup.ConnectionStatus(context.Background(), f.key)
		return err == nil && info.Connected && info.Status == "CONNECTED"
	})
}

func TestConnectionStatusUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.sup.ConnectionStatus(context.Background(), f.key)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestOpenClearsQR(t *testing.T) {
	f := newFixture(t)
	pairAndOpen(t, f)
	if qr := f.sup.CurrentQR(f.key); qr != nil {
		t.Errorf("buffered QR must be cleared on open, got %q", *qr)
	}
}

func TestTransientCloseSchedulesReconnect(t *testing.T) {
	f := newFixture(t)
	sock := pairAndOpen(t, f)

	sock.EmitClose(500)
	waitFor(t, func() bool {
		sess, _ := f.st.GetSession(context.Background(), f.key)
		return sess != nil && sess.Status == store.StatusDisconnected
	})

	f.sup.mu.Lock()
	ms := f.sup.managed[f.key]
	f.sup.mu.Unlock()
	if ms == nil {
		t.Fatal("managed session must survive a transient close")
	}
	ms.mu.Lock()
	armed := ms.reconnectTimer != nil
	attempts := ms.reconnectAttempts
	ms.mu.Unlock()
	if !armed || attempts != 1 {
		t.Errorf("expected armed timer after first close, armed=%v attempts=%d", armed, attempts)
	}
}

func TestLoggedOutClose(t *testing.T) {
	f := newFixture(t)
	sock := pairAndOpen(t, f)

	sock.EmitClose(upstream.CodeLoggedOut)
	waitFor(t, func() bool {
		sess, _ := f.st.GetSession(context.Background(), f.key)
		return sess != nil && sess.Status == store.StatusLoggedOut && !sess.HasCreds
	})

	// The projection is discarded and the lease released.
	f.sup.mu.Lock()
	_, managed := f.sup.managed[f.key]
	f.sup.mu.Unlock()
	if managed {
		t.Error("managed session must be discarded on logged-out close")
	}
	waitFor(t, func() bool {
		_, held, err := f.locks.Holder(context.Background(), f.key)
		return err == nil && !held
	})

	// A follow-up pairing request short-circuits without a socket.
	res, err := f.sup.GetQR(context.Background(), f.key, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "LOGGED_OUT" || res.QR != "" {
		t.Errorf("expected LOGGED_OUT short-circuit, got %+v", res)
	}
	if len(f.fac.Sockets()) != 1 {
		t.Error("LOGGED_OUT session must not open a new socket")
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	sock := pairAndOpen(t, f)
	ctx := context.Background()

	if err := f.sup.Logout(ctx, f.key); err != nil {
		t.Fatal(err)
	}

	if !sock.LoggedOut() || !sock.Closed() {
		t.Error("logout must unpair upstream and close the socket")
	}
	sess, err := f.st.GetSession(ctx, f.key)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != store.StatusLoggedOut || sess.HasCreds {
		t.Errorf("expected logged-out row without creds, got %+v", sess)
	}
	if _, held, _ := f.locks.Holder(ctx, f.key); held {
		t.Error("lease must be released on logout")
	}

	// Idempotent: a second logout still succeeds.
	if err := f.sup.Logout(ctx, f.key); err != nil {
		t.Fatal(err)
	}
}

func TestLogoutWithoutSession(t *testing.T) {
	f := newFixture(t)
	err := f.sup.Logout(context.Background(), f.key)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSendTextHappyPath(t *testing.T) {
	f := newFixture(t)
	sock := pairAndOpen(t, f)

	id, err := f.sup.SendText(context.Background(), f.key, "0812-345-6789", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("expected a message id")
	}

	sent := sock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sent))
	}
	if sent[0].JID != "628123456789@s.whatsapp.net" {
		t.Errorf("MSISDN not normalised: %q", sent[0].JID)
	}
	if sent[0].Text != "hi" {
		t.Errorf("wrong text: %q", sent[0].Text)
	}
}

func TestSendTextValidation(t *testing.T) {
	f := newFixture(t)
	pairAndOpen(t, f)
	ctx := context.Background()

	_, err := f.sup.SendText(ctx, f.key, "abc", "hi")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Msg != "Invalid 'to' (use digits, 8-15, with country code)" {
		t.Errorf("wrong to-validation error: %v", err)
	}

	_, err = f.sup.SendText(ctx, f.key, "628123456789", "")
	if !errors.As(err, &verr) || verr.Msg != "Invalid 'text' (1-1000 chars)" {
		t.Errorf("wrong text-validation error: %v", err)
	}

	_, err = f.sup.SendText(ctx, f.key, "628123456789", strings.Repeat("x", 1001))
	if !errors.As(err, &verr) {
		t.Errorf("overlong text must be rejected: %v", err)
	}
}

func TestSendTextLoggedOut(t *testing.T) {
	f := newFixture(t)
	sock := pairAndOpen(t, f)
	sock.EmitClose(upstream.CodeLoggedOut)
	waitFor(t, func() bool {
		sess, _ := f.st.GetSession(context.Background(), f.key)
		return sess != nil && sess.Status == store.StatusLoggedOut
	})

	_, err := f.sup.SendText(context.Background(), f.key, "628123456789", "hi")
	if !errors.Is(err, ErrSessionLoggedOut) {
		t.Fatalf("expected ErrSessionLoggedOut, got %v", err)
	}
}

func TestSendTextLockedElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.st.UpsertSession(ctx, f.key, ""); err != nil {
		t.Fatal(err)
	}
	foreign := lock.New(f.st.DB, "other-host-42", 5*time.Minute)
	if ok, err := foreign.Acquire(ctx, f.key); err != nil || !ok {
		t.Fatalf("foreign acquire failed: ok=%v err=%v", ok, err)
	}

	_, err := f.sup.SendText(ctx, f.key, "628123456789", "hi")
	var lerr *LockedError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LockedError, got %v", err)
	}
	if lerr.Owner != "other-host-42" {
		t.Errorf("owner hint missing: %+v", lerr)
	}
	if !strings.Contains(err.Error(), "handled by another instance") {
		t.Errorf("wrong message: %q", err.Error())
	}
	if len(f.fac.Sockets()) != 0 {
		t.Error("no socket may be created while the lease is foreign")
	}
}

func TestSendTextNotConnected(t *testing.T) {
	f := newFixture(t)
	scriptQR(f, "2@qr")
	if _, err := f.sup.GetQR(context.Background(), f.key, ""); err != nil {
		t.Fatal(err)
	}

	// Socket exists but never reaches open.
	_, err := f.sup.SendText(context.Background(), f.key, "628123456789", "hi")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendTextTouchesLease(t *testing.T) {
	f := newFixture(t)
	pairAndOpen(t, f)
	ctx := context.Background()

	var before int64
	if err := f.st.DB.QueryRowContext(ctx,
		"SELECT acquired_at_ms FROM WhatsappSessionLock WHERE api_key = ?", f.key).Scan(&before); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := f.sup.SendText(ctx, f.key, "628123456789", "hi"); err != nil {
		t.Fatal(err)
	}
	var after int64
	if err := f.st.DB.QueryRowContext(ctx,
		"SELECT acquired_at_ms FROM WhatsappSessionLock WHERE api_key = ?", f.key).Scan(&after); err != nil {
		t.Fatal(err)
	}
	if after <= before {
		t.Error("send must refresh the lease timestamp")
	}
}

func TestConstructionFailure(t *testing.T) {
	f := newFixture(t)
	f.fac.ConstructErr = errors.New("handshake exploded")

	_, err := f.sup.GetQR(context.Background(), f.key, "")
	if err == nil || !strings.Contains(err.Error(), "handshake exploded") {
		t.Fatalf("construction error not surfaced: %v", err)
	}

	sess, err := f.st.GetSession(context.Background(), f.key)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != store.StatusError {
		t.Errorf("expected persisted ERROR, got %s", sess.Status)
	}
	if _, held, _ := f.locks.Holder(context.Background(), f.key); held {
		t.Error("lease must be released after construction failure")
	}

	// ERROR is recoverable: the next pairing request re-enters CONNECTING.
	scriptQR(f, "2@retry")
	res, err := f.sup.GetQR(context.Background(), f.key, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "QR" || res.QR != "2@retry" {
		t.Errorf("recovery pairing failed: %+v", res)
	}
}

func TestCredsUpdateRepersisted(t *testing.T) {
	f := newFixture(t)
	sock := pairAndOpen(t, f)
	ctx := context.Background()

	// The upstream library mutates the shared blob, then signals.
	auth := sock.Auth()
	auth.Creds.AccountSyncCounter = 77
	sock.EmitCredsUpdate()

	waitFor(t, func() bool {
		f.sup.mu.Lock()
		ms := f.sup.managed[f.key]
		f.sup.mu.Unlock()
		creds, err := f.creds.LoadCreds(ctx, ms.sessionID)
		return err == nil && creds != nil && creds.AccountSyncCounter == 77
	})
}

func TestWarmSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Session 1: disconnected with stored creds, should warm.
	sess1, err := f.st.UpsertSession(ctx, f.key, "warm me")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.creds.SaveCreds(ctx, sess1.ID, f.fac.InitAuthCreds()); err != nil {
		t.Fatal(err)
	}

	// Session 2: disconnected without creds, must be skipped.
	k2, err := f.reg.Generate(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.st.UpsertSession(ctx, k2.Key, ""); err != nil {
		t.Fatal(err)
	}

	f.fac.OnCreate = func(s *stub.Socket) {
		go s.EmitOpen(upstream.Contact{ID: "628@s.whatsapp.net"})
	}

	report, err := f.sup.WarmSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Total != 2 || report.Attempted != 1 || report.Connected != 1 || report.Failed != 0 {
		t.Errorf("unexpected warm report: %+v", report)
	}
	if len(f.fac.Sockets()) != 1 {
		t.Error("warm-up must never open sockets for credential-less sessions")
	}
}

func TestWarmSessionsTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.st.UpsertSession(ctx, f.key, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.creds.SaveCreds(ctx, sess.ID, f.fac.InitAuthCreds()); err != nil {
		t.Fatal(err)
	}

	// The socket never reaches open.
	report, err := f.sup.WarmSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Attempted != 1 || report.Failed != 1 {
		t.Errorf("expected one failed warm attempt, got %+v", report)
	}
}

func TestReconnectDelayBounds(t *testing.T) {
	prevBase := time.Duration(0)
	for n := 1; n <= 10; n++ {
		for i := 0; i < 20; i++ {
			d := reconnectDelay(n)
			if d < time.Second || d > 30500*time.Millisecond {
				t.Fatalf("attempt %d: delay %v out of bounds", n, d)
			}
		}
		// The deterministic part is monotonic non-decreasing up to the cap.
		det := deterministicDelay(n)
		if det < prevBase {
			t.Fatalf("attempt %d: base delay decreased: %v < %v", n, det, prevBase)
		}
		prevBase = det
	}
}

// deterministicDelay mirrors reconnectDelay without jitter.
func deterministicDelay(attempt int) time.Duration {
	shift := attempt - 1
	if shift > reconnectMaxShift {
		shift = reconnectMaxShift
	}
	d := reconnectBaseDelay << shift
	if d > reconnectMaxDelay {
		d = reconnectMaxDelay
	}
	return d
}

func TestNormalizeMSISDN(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"0812-345-6789", "628123456789", true},
		{"+62 812 345 6789", "628123456789", true},
		{"(0812) 3456789", "628123456789", true},
		{"628123456789", "628123456789", true},
		{"abc", "", false},
		{"1234567", "", false},                 // too short
		{"1234567890123456", "", false},        // too long
		{"62812a456789", "", false},            // stray letter
	}
	for _, tc := range cases {
		got, err := normalizeMSISDN(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("normalize(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("normalize(%q) should fail, got %q", tc.in, got)
		}
	}
}
