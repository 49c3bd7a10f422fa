package phone

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vera-market/vera/internal/apperror"
	"github.com/vera-market/vera/internal/logging"
	"github.com/vera-market/vera/internal/session"
	"github.com/vera-market/vera/internal/sms"
)

type fakeSub struct {
	mu           sync.Mutex
	unsubscribed bool
}

func (s *fakeSub) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = true
}

func (s *fakeSub) released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

// fakeProvider hands control of event delivery to the test. Listeners are
// invoked even after Unsubscribe, the way a late provider callback would be.
type fakeProvider struct {
	mu        sync.Mutex
	listeners []sms.Listener
	subs      []*fakeSub
	phones    []string
	startErr  error
	codes     map[string]string
	credErr   error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{codes: make(map[string]string)}
}

func (p *fakeProvider) VerifyPhoneNumber(_ context.Context, e164 string, l sms.Listener) (sms.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return nil, p.startErr
	}
	sub := &fakeSub{}
	p.listeners = append(p.listeners, l)
	p.subs = append(p.subs, sub)
	p.phones = append(p.phones, e164)
	return sub, nil
}

func (p *fakeProvider) Credential(_ context.Context, verificationID, code string) (sms.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.credErr != nil {
		return sms.Credential{}, p.credErr
	}
	if p.codes[verificationID] != code {
		return sms.Credential{}, apperror.ErrInvalidCode
	}
	return sms.Credential{VerificationID: verificationID, Phone: "+18015551234"}, nil
}

func (p *fakeProvider) emit(i int, ev sms.Event) {
	p.mu.Lock()
	l := p.listeners[i]
	p.mu.Unlock()
	l(ev)
}

type fakeLinker struct {
	err    error
	linked map[string]string
}

func (l *fakeLinker) LinkPhone(_ context.Context, uid, phone string) error {
	if l.err != nil {
		return l.err
	}
	if l.linked == nil {
		l.linked = make(map[string]string)
	}
	l.linked[uid] = phone
	return nil
}

func newTestFlow(p *fakeProvider, l *fakeLinker) *Flow {
	return NewFlow(session.Session{UID: "u1"}, p, l, logging.Discard())
}

func TestStartRejectsInvalidNumberWithoutProviderCall(t *testing.T) {
	p := newFakeProvider()
	f := newTestFlow(p, &fakeLinker{})

	_, err := f.Start(context.Background(), "555-1234")
	require.ErrorIs(t, err, apperror.ErrInvalidNumber)
	require.Empty(t, p.phones)
}

func TestStartRequiresSession(t *testing.T) {
	f := NewFlow(session.Session{}, newFakeProvider(), &fakeLinker{}, logging.Discard())
	_, err := f.Start(context.Background(), "8015551234")
	require.ErrorIs(t, err, apperror.ErrUnauthenticated)
}

func TestStartSendsE164AndResolvesOnSent(t *testing.T) {
	p := newFakeProvider()
	f := newTestFlow(p, &fakeLinker{})

	ch, err := f.Start(context.Background(), "(801) 555-1234 ext 9")
	require.NoError(t, err)
	require.Equal(t, []string{"+18015551234"}, p.phones)

	p.emit(0, sms.Event{Kind: sms.EventSent, VerificationID: "vid-1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, err := ch.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "vid-1", id)
	require.Equal(t, "vid-1", f.VerificationID())
	require.True(t, p.subs[0].released(), "listener released after sent")
}

func TestTimeoutIsNotFatal(t *testing.T) {
	p := newFakeProvider()
	f := newTestFlow(p, &fakeLinker{})

	ch, err := f.Start(context.Background(), "8015551234")
	require.NoError(t, err)
	p.emit(0, sms.Event{Kind: sms.EventTimeout})
	require.True(t, f.Pending())
	select {
	case <-ch.Done():
		t.Fatal("timeout must not resolve the challenge")
	default:
	}

	p.emit(0, sms.Event{Kind: sms.EventSent, VerificationID: "vid-1"})
	require.Equal(t, "vid-1", f.VerificationID())
}

func TestSecondStartSupersedesFirst(t *testing.T) {
	p := newFakeProvider()
	f := newTestFlow(p, &fakeLinker{})
	ctx := context.Background()

	first, err := f.Start(ctx, "8015551234")
	require.NoError(t, err)
	second, err := f.Start(ctx, "8015559876")
	require.NoError(t, err)

	require.True(t, p.subs[0].released(), "first listener released before second armed")
	_, err = first.Wait(ctx)
	require.ErrorIs(t, err, apperror.ErrSuperseded)

	// Late sent from the first challenge arrives after the second started.
	p.emit(0, sms.Event{Kind: sms.EventSent, VerificationID: "stale"})
	require.Equal(t, "", f.VerificationID())

	p.emit(1, sms.Event{Kind: sms.EventSent, VerificationID: "fresh"})
	require.Equal(t, "fresh", f.VerificationID())

	p.emit(0, sms.Event{Kind: sms.EventSent, VerificationID: "stale-again"})
	require.Equal(t, "fresh", f.VerificationID())

	id, err := second.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "fresh", id)
}

func TestErrorEventResolvesWithProviderError(t *testing.T) {
	p := newFakeProvider()
	f := newTestFlow(p, &fakeLinker{})

	ch, err := f.Start(context.Background(), "8015551234")
	require.NoError(t, err)
	p.emit(0, sms.Event{Kind: sms.EventError, Err: errors.New("quota exceeded")})

	_, err = ch.Wait(context.Background())
	require.ErrorIs(t, err, apperror.ErrProvider)
	require.False(t, f.Pending())
	require.True(t, p.subs[0].released())
}

func TestStartProviderFailure(t *testing.T) {
	p := newFakeProvider()
	p.startErr = errors.New("network unreachable")
	f := newTestFlow(p, &fakeLinker{})

	_, err := f.Start(context.Background(), "8015551234")
	require.ErrorIs(t, err, apperror.ErrProvider)
	require.False(t, f.Pending())
}

func TestConfirmLinksCredential(t *testing.T) {
	p := newFakeProvider()
	p.codes["vid-1"] = "123456"
	linker := &fakeLinker{}
	f := newTestFlow(p, linker)
	ctx := context.Background()

	_, err := f.Confirm(ctx, "123456")
	require.ErrorIs(t, err, apperror.ErrNoChallenge)

	_, err = f.Start(ctx, "8015551234")
	require.NoError(t, err)

	_, err = f.Confirm(ctx, "123456")
	require.ErrorIs(t, err, apperror.ErrNoChallenge, "confirm before sent")

	p.emit(0, sms.Event{Kind: sms.EventSent, VerificationID: "vid-1"})

	_, err = f.Confirm(ctx, "12")
	require.ErrorIs(t, err, apperror.ErrInvalidCode)

	_, err = f.Confirm(ctx, "654321")
	require.ErrorIs(t, err, apperror.ErrInvalidCode)
	require.True(t, f.Pending(), "wrong code keeps the challenge for retry")

	res, err := f.Confirm(ctx, "123-456-789")
	require.NoError(t, err)
	require.Equal(t, "+18015551234", res.Phone)
	require.Equal(t, "+18015551234", linker.linked["u1"])
	require.False(t, f.Pending(), "challenge destroyed on confirm")
}

func TestConfirmSurfacesLinkErrors(t *testing.T) {
	p := newFakeProvider()
	p.codes["vid-1"] = "123456"
	f := newTestFlow(p, &fakeLinker{err: apperror.ErrAlreadyLinked})
	ctx := context.Background()

	_, err := f.Start(ctx, "8015551234")
	require.NoError(t, err)
	p.emit(0, sms.Event{Kind: sms.EventSent, VerificationID: "vid-1"})

	_, err = f.Confirm(ctx, "123456")
	require.ErrorIs(t, err, apperror.ErrAlreadyLinked)
}

func TestCloseReleasesAndRejects(t *testing.T) {
	p := newFakeProvider()
	f := newTestFlow(p, &fakeLinker{})
	ctx := context.Background()

	ch, err := f.Start(ctx, "8015551234")
	require.NoError(t, err)
	f.Close()
	require.True(t, p.subs[0].released())
	_, err = ch.Wait(ctx)
	require.ErrorIs(t, err, apperror.ErrSuperseded)

	p.emit(0, sms.Event{Kind: sms.EventSent, VerificationID: "late"})
	require.Equal(t, "", f.VerificationID())

	_, err = f.Start(ctx, "8015551234")
	require.ErrorIs(t, err, ErrClosed)
}

func TestFlowsRegistry(t *testing.T) {
	flows := NewFlows(newFakeProvider(), &fakeLinker{}, logging.Discard())
	a := flows.For(session.Session{UID: "u1"})
	require.Same(t, a, flows.For(session.Session{UID: "u1"}))
	require.NotSame(t, a, flows.For(session.Session{UID: "u2"}))

	flows.Close("u1")
	require.NotSame(t, a, flows.For(session.Session{UID: "u1"}))
	flows.CloseAll()
}

func TestFlowsGetDoesNotCreate(t *testing.T) {
	flows := NewFlows(newFakeProvider(), &fakeLinker{}, logging.Discard())
	for i := 0; i < 100; i++ {
		_, ok := flows.Get("u1")
		require.False(t, ok)
	}
	require.Zero(t, flows.Len())

	f := flows.For(session.Session{UID: "u1"})
	got, ok := flows.Get("u1")
	require.True(t, ok)
	require.Same(t, f, got)
}

func TestFlowsReleaseAfterConfirm(t *testing.T) {
	p := newFakeProvider()
	flows := NewFlows(p, &fakeLinker{}, logging.Discard())
	ctx := context.Background()
	f := flows.For(session.Session{UID: "u1"})

	_, err := f.Start(ctx, "8015551234")
	require.NoError(t, err)
	require.False(t, flows.Release("u1"), "outstanding challenge keeps the flow")
	require.Equal(t, 1, flows.Len())

	p.mu.Lock()
	p.codes["vid-1"] = "123456"
	p.mu.Unlock()
	p.emit(0, sms.Event{Kind: sms.EventSent, VerificationID: "vid-1"})
	_, err = f.Confirm(ctx, "123456")
	require.NoError(t, err)

	require.True(t, flows.Release("u1"))
	require.Zero(t, flows.Len())
	require.False(t, flows.Release("u1"))

	_, err = f.Start(ctx, "8015551234")
	require.ErrorIs(t, err, ErrClosed)
	require.NotSame(t, f, flows.For(session.Session{UID: "u1"}))
}

func TestFlowsSweepEvictsIdle(t *testing.T) {
	p := newFakeProvider()
	flows := NewFlows(p, &fakeLinker{}, logging.Discard()).WithIdleTTL(30 * time.Minute)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := start
	flows.now = func() time.Time { return clock }

	stale := flows.For(session.Session{UID: "u1"})
	_, err := stale.Start(context.Background(), "8015551234")
	require.NoError(t, err)

	clock = start.Add(20 * time.Minute)
	flows.For(session.Session{UID: "u2"})

	require.Equal(t, 1, flows.Sweep(start.Add(40*time.Minute)))
	_, ok := flows.Get("u1")
	require.False(t, ok)
	_, ok = flows.Get("u2")
	require.True(t, ok)
	require.False(t, stale.Pending(), "evicted flow drops its challenge")
	require.True(t, p.subs[0].released())

	require.Zero(t, NewFlows(p, &fakeLinker{}, logging.Discard()).Sweep(start.Add(time.Hour)))
}
