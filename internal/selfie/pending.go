package selfie

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vera-market/vera/internal/apperror"
)

type heldCapture struct {
	capture *Capture
	heldAt  time.Time
}

// Pending holds at most one capture per identity. A new capture replaces and
// reclaims the previous one; captures held longer than the TTL are reclaimed
// by Sweep.
type Pending struct {
	adapter *Adapter
	grants  *Grants
	logger  *slog.Logger
	now     func() time.Time
	ttl     time.Duration

	mu       sync.Mutex
	captures map[string]heldCapture
}

// NewPending builds the per-identity capture registry.
func NewPending(adapter *Adapter, grants *Grants, logger *slog.Logger) *Pending {
	return &Pending{
		adapter:  adapter,
		grants:   grants,
		logger:   logger,
		now:      time.Now,
		captures: make(map[string]heldCapture),
	}
}

// WithTTL makes Sweep reclaim captures held for longer than ttl.
func (p *Pending) WithTTL(ttl time.Duration) *Pending {
	p.ttl = ttl
	return p
}

// Grants exposes the camera grant set.
func (p *Pending) Grants() *Grants { return p.grants }

// Capture takes a photo for uid from cam and makes it the pending capture.
func (p *Pending) Capture(ctx context.Context, uid string, cam Camera) (*Capture, error) {
	if uid == "" {
		return nil, apperror.ErrUnauthenticated
	}
	c, err := p.adapter.Capture(ctx, cam)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	prev := p.captures[uid]
	p.captures[uid] = heldCapture{capture: c, heldAt: p.now()}
	p.mu.Unlock()
	p.discard(uid, prev.capture)
	return c, nil
}

// Get returns uid's pending capture.
func (p *Pending) Get(uid string) (*Capture, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	held, ok := p.captures[uid]
	return held.capture, ok
}

// Len reports how many captures are held.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.captures)
}

// Retake discards uid's pending capture.
func (p *Pending) Retake(uid string) {
	p.mu.Lock()
	held := p.captures[uid]
	delete(p.captures, uid)
	p.mu.Unlock()
	p.discard(uid, held.capture)
}

// Forget drops c from the registry if it is still uid's pending capture.
func (p *Pending) Forget(uid string, c *Capture) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.captures[uid].capture == c {
		delete(p.captures, uid)
	}
}

// DiscardAll reclaims every pending capture, for shutdown.
func (p *Pending) DiscardAll() {
	p.mu.Lock()
	captures := p.captures
	p.captures = make(map[string]heldCapture)
	p.mu.Unlock()
	for uid, held := range captures {
		p.discard(uid, held.capture)
	}
}

// Sweep reclaims captures held since before now minus the TTL and returns
// how many it dropped.
func (p *Pending) Sweep(now time.Time) int {
	if p.ttl <= 0 {
		return 0
	}
	cutoff := now.Add(-p.ttl)
	expired := make(map[string]*Capture)
	p.mu.Lock()
	for uid, held := range p.captures {
		if held.heldAt.Before(cutoff) {
			expired[uid] = held.capture
			delete(p.captures, uid)
		}
	}
	p.mu.Unlock()
	for uid, c := range expired {
		p.discard(uid, c)
	}
	if len(expired) > 0 {
		p.logger.Info("expired captures reclaimed", slog.Int("count", len(expired)))
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (p *Pending) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.Sweep(now)
		}
	}
}

func (p *Pending) discard(uid string, c *Capture) {
	if c == nil {
		return
	}
	if err := p.adapter.Discard(c); err != nil {
		p.logger.Warn("discard capture failed", slog.String("uid", uid), slog.Any("error", err))
	}
}
