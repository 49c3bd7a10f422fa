package phone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vera-market/vera/internal/apperror"
	"github.com/vera-market/vera/internal/session"
	"github.com/vera-market/vera/internal/sms"
)

// ErrClosed is returned when a Flow is used after Close.
var ErrClosed = errors.New("phone flow closed")

// Linker attaches a confirmed phone credential to an existing identity.
type Linker interface {
	LinkPhone(ctx context.Context, uid, phone string) error
}

// LinkResult is the outcome of a successful confirm. The profile has not
// been written yet; the caller records it.
type LinkResult struct {
	UID      string
	Phone    string
	LinkedAt time.Time
}

// Challenge is one phone verification attempt.
type Challenge struct {
	seq   uint64
	phone string

	once           sync.Once
	done           chan struct{}
	verificationID string
	err            error
}

func newChallenge(seq uint64, phone string) *Challenge {
	return &Challenge{seq: seq, phone: phone, done: make(chan struct{})}
}

func (c *Challenge) resolve(verificationID string, err error) {
	c.once.Do(func() {
		c.verificationID = verificationID
		c.err = err
		close(c.done)
	})
}

// Phone returns the E.164 number the code was sent to.
func (c *Challenge) Phone() string { return c.phone }

// Done is closed once the challenge is sent, failed or superseded.
func (c *Challenge) Done() <-chan struct{} { return c.done }

// Wait blocks until the code is sent and returns the verification id.
func (c *Challenge) Wait(ctx context.Context) (string, error) {
	select {
	case <-c.done:
		return c.verificationID, c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Challenge) sent() (string, bool) {
	select {
	case <-c.done:
		return c.verificationID, c.err == nil && c.verificationID != ""
	default:
		return "", false
	}
}

// Flow owns at most one outstanding challenge for one identity. Starting a
// new challenge releases the previous one before the new listener is armed,
// and events from a released challenge are dropped.
type Flow struct {
	sess     session.Session
	provider sms.Provider
	linker   Linker
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	seq     uint64
	current *Challenge
	sub     sms.Subscription
	closed  bool
}

// NewFlow builds a Flow acting for sess.
func NewFlow(sess session.Session, provider sms.Provider, linker Linker, logger *slog.Logger) *Flow {
	return &Flow{
		sess:     sess,
		provider: provider,
		linker:   linker,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start validates raw and issues a new challenge, superseding any
// outstanding one.
func (f *Flow) Start(ctx context.Context, raw string) (*Challenge, error) {
	if !f.sess.Authenticated() {
		return nil, apperror.ErrUnauthenticated
	}
	national, err := ValidateNumber(raw)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	prev := f.releaseLocked()
	f.seq++
	ch := newChallenge(f.seq, E164(national))
	f.current = ch
	f.mu.Unlock()
	if prev != nil {
		prev.Unsubscribe()
	}

	sub, err := f.provider.VerifyPhoneNumber(ctx, ch.phone, func(ev sms.Event) { f.handle(ch, ev) })
	if err != nil {
		if !errors.Is(err, apperror.ErrProvider) {
			err = fmt.Errorf("%w: %v", apperror.ErrProvider, err)
		}
		f.mu.Lock()
		if f.current == ch {
			f.current = nil
		}
		f.mu.Unlock()
		ch.resolve("", err)
		return nil, err
	}

	f.mu.Lock()
	stale := f.current != ch || isDone(ch)
	if !stale {
		f.sub = sub
	}
	f.mu.Unlock()
	if stale {
		sub.Unsubscribe()
	}

	f.logger.Info("phone challenge started", slog.String("uid", f.sess.UID), slog.Uint64("challenge", ch.seq))
	return ch, nil
}

func isDone(ch *Challenge) bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}

// releaseLocked detaches the current challenge and returns its subscription
// for the caller to release outside the lock.
func (f *Flow) releaseLocked() sms.Subscription {
	if f.current != nil {
		f.current.resolve("", apperror.ErrSuperseded)
		f.current = nil
	}
	sub := f.sub
	f.sub = nil
	return sub
}

func (f *Flow) handle(ch *Challenge, ev sms.Event) {
	f.mu.Lock()
	if f.current != ch {
		f.mu.Unlock()
		f.logger.Debug("stale phone challenge event dropped",
			slog.String("uid", f.sess.UID), slog.Uint64("challenge", ch.seq), slog.String("event", ev.Kind.String()))
		return
	}

	var release sms.Subscription
	switch ev.Kind {
	case sms.EventSent:
		ch.resolve(ev.VerificationID, nil)
		release, f.sub = f.sub, nil
	case sms.EventError:
		err := ev.Err
		if err == nil || !errors.Is(err, apperror.ErrProvider) {
			err = fmt.Errorf("%w: %v", apperror.ErrProvider, err)
		}
		ch.resolve("", err)
		f.current = nil
		release, f.sub = f.sub, nil
	case sms.EventTimeout:
		f.mu.Unlock()
		f.logger.Debug("phone auto-retrieval timed out", slog.String("uid", f.sess.UID), slog.Uint64("challenge", ch.seq))
		return
	}
	f.mu.Unlock()

	if release != nil {
		release.Unsubscribe()
	}
}

// VerificationID returns the id of the current challenge once it is sent.
func (f *Flow) VerificationID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return ""
	}
	id, _ := f.current.sent()
	return id
}

// Pending reports whether a challenge is outstanding.
func (f *Flow) Pending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current != nil
}

// Confirm exchanges code for a credential and links it to the session's
// identity. The challenge is destroyed on success.
func (f *Flow) Confirm(ctx context.Context, raw string) (LinkResult, error) {
	if !f.sess.Authenticated() {
		return LinkResult{}, apperror.ErrUnauthenticated
	}

	f.mu.Lock()
	ch := f.current
	f.mu.Unlock()
	if ch == nil {
		return LinkResult{}, apperror.ErrNoChallenge
	}
	verificationID, ok := ch.sent()
	if !ok {
		return LinkResult{}, apperror.ErrNoChallenge
	}

	code := NormalizeCode(raw)
	if len(code) < minCodeDigits {
		return LinkResult{}, apperror.ErrInvalidCode
	}

	cred, err := f.provider.Credential(ctx, verificationID, code)
	if err != nil {
		return LinkResult{}, err
	}
	if err := f.linker.LinkPhone(ctx, f.sess.UID, cred.Phone); err != nil {
		return LinkResult{}, err
	}

	f.mu.Lock()
	if f.current == ch {
		f.current = nil
	}
	f.mu.Unlock()

	f.logger.Info("phone challenge confirmed", slog.String("uid", f.sess.UID), slog.Uint64("challenge", ch.seq))
	return LinkResult{UID: f.sess.UID, Phone: cred.Phone, LinkedAt: f.now()}, nil
}

// Cancel drops the outstanding challenge, if any.
func (f *Flow) Cancel() {
	f.mu.Lock()
	sub := f.releaseLocked()
	f.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Close cancels the outstanding challenge and rejects further use.
func (f *Flow) Close() {
	f.mu.Lock()
	f.closed = true
	sub := f.releaseLocked()
	f.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// closeIfIdle closes the Flow unless a challenge is outstanding.
func (f *Flow) closeIfIdle() bool {
	f.mu.Lock()
	if f.current != nil {
		f.mu.Unlock()
		return false
	}
	f.closed = true
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	return true
}
