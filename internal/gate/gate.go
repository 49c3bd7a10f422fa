package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vera-market/vera/internal/profile"
	"github.com/vera-market/vera/internal/session"
	"github.com/vera-market/vera/internal/verification"
)

// Screens the gate can redirect to.
const (
	ScreenSignIn = "SignIn"
	ScreenPhone  = "PhoneVerification"
	ScreenSelfie = "SelfieVerification"
)

// DefaultTarget is the protected action used when the caller names none.
const DefaultTarget = "PostItem"

// Destination is a redirect. Continuation carries the protected target
// through the verification screens.
type Destination struct {
	Screen       string `json:"screen"`
	Continuation string `json:"continuation,omitempty"`
}

// Navigator performs a non-reversible transition (replace, not push).
type Navigator interface {
	Replace(d Destination)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(Destination)

// Replace calls f(d).
func (f NavigatorFunc) Replace(d Destination) { f(d) }

// Decide maps a stage onto the redirect for target.
func Decide(stage verification.Stage, target string) Destination {
	if target == "" {
		target = DefaultTarget
	}
	switch verification.NextStep(stage) {
	case verification.StepPhone:
		return Destination{Screen: ScreenPhone, Continuation: target}
	case verification.StepSelfie:
		return Destination{Screen: ScreenSelfie, Continuation: target}
	default:
		return Destination{Screen: target}
	}
}

// Controller is the single entry point for protected actions.
type Controller struct {
	profiles profile.Subscriber
	logger   *slog.Logger
}

// NewController builds a gate over a subscribable profile store.
func NewController(profiles profile.Subscriber, logger *slog.Logger) *Controller {
	return &Controller{profiles: profiles, logger: logger}
}

// Entry is one mounted evaluation of the gate. It issues at most one
// redirect; the profile subscription is released as soon as it does, or on
// Cancel.
type Entry struct {
	uid    string
	target string
	nav    Navigator
	logger *slog.Logger

	mu       sync.Mutex
	sub      profile.Subscription
	fired    bool
	canceled bool
	decision Destination
	done     chan struct{}
}

// Enter evaluates the gate for sess and target. Without an authenticated
// identity the redirect to sign-in happens before Enter returns.
func (c *Controller) Enter(ctx context.Context, sess session.Session, target string, nav Navigator) (*Entry, error) {
	if target == "" {
		target = DefaultTarget
	}
	e := &Entry{uid: sess.UID, target: target, nav: nav, logger: c.logger, done: make(chan struct{})}
	if !sess.Authenticated() {
		e.fire(Destination{Screen: ScreenSignIn})
		return e, nil
	}

	sub, err := c.profiles.Subscribe(ctx, sess.UID, profile.Listener{
		OnSnapshot: e.onSnapshot,
		OnError:    e.onError,
	})
	if err != nil {
		e.Cancel()
		return nil, fmt.Errorf("subscribe profile: %w", err)
	}
	e.attach(sub)
	return e, nil
}

// attach stores the subscription, or releases it right away when the
// redirect already fired during Subscribe.
func (e *Entry) attach(sub profile.Subscription) {
	e.mu.Lock()
	if e.fired || e.canceled {
		e.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	e.sub = sub
	e.mu.Unlock()
}

func (e *Entry) onSnapshot(snap profile.Snapshot) {
	e.fire(Decide(verification.DeriveStage(snap.Profile), e.target))
}

// onError sends the user to the first step, as for an unreadable profile.
func (e *Entry) onError(err error) {
	e.logger.Warn("profile subscription failed", slog.String("uid", e.uid), slog.Any("error", err))
	e.fire(Decide(verification.StageUnverified, e.target))
}

func (e *Entry) fire(d Destination) {
	e.mu.Lock()
	if e.fired || e.canceled {
		e.mu.Unlock()
		return
	}
	e.fired = true
	e.decision = d
	sub := e.sub
	e.sub = nil
	close(e.done)
	e.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	e.logger.Debug("gate redirect", slog.String("uid", e.uid), slog.String("screen", d.Screen), slog.String("continuation", d.Continuation))
	e.nav.Replace(d)
}

// Done is closed once the entry redirected or was canceled.
func (e *Entry) Done() <-chan struct{} { return e.done }

// Decision returns the redirect, if one was issued.
func (e *Entry) Decision() (Destination, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decision, e.fired
}

// Cancel tears the entry down. A redirect not yet decided when Cancel runs
// never happens; Cancel after the redirect is a no-op.
func (e *Entry) Cancel() {
	e.mu.Lock()
	if e.fired || e.canceled {
		e.mu.Unlock()
		return
	}
	e.canceled = true
	sub := e.sub
	e.sub = nil
	close(e.done)
	e.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// Await enters the gate and blocks until it redirects, for callers without a
// long-lived screen such as HTTP handlers.
func (c *Controller) Await(ctx context.Context, sess session.Session, target string) (Destination, error) {
	e, err := c.Enter(ctx, sess, target, NavigatorFunc(func(Destination) {}))
	if err != nil {
		return Destination{}, err
	}
	select {
	case <-e.Done():
	case <-ctx.Done():
		e.Cancel()
	}
	if d, ok := e.Decision(); ok {
		return d, nil
	}
	return Destination{}, ctx.Err()
}
