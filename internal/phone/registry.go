package phone

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vera-market/vera/internal/session"
	"github.com/vera-market/vera/internal/sms"
)

type flowEntry struct {
	flow *Flow
	seen time.Time
}

// Flows keeps one Flow per identity for clients that reach the service over
// stateless requests. Entries leave the registry on Release, Close, or after
// sitting untouched for the idle TTL.
type Flows struct {
	provider sms.Provider
	linker   Linker
	logger   *slog.Logger
	now      func() time.Time
	idle     time.Duration

	mu    sync.Mutex
	flows map[string]*flowEntry
}

// NewFlows builds an empty registry.
func NewFlows(provider sms.Provider, linker Linker, logger *slog.Logger) *Flows {
	return &Flows{
		provider: provider,
		linker:   linker,
		logger:   logger,
		now:      time.Now,
		flows:    make(map[string]*flowEntry),
	}
}

// WithIdleTTL makes Sweep close flows untouched for longer than ttl.
func (r *Flows) WithIdleTTL(ttl time.Duration) *Flows {
	r.idle = ttl
	return r
}

// For returns the Flow for sess, creating it on first use.
func (r *Flows) For(sess session.Session) *Flow {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.flows[sess.UID]
	if !ok {
		e = &flowEntry{flow: NewFlow(sess, r.provider, r.linker, r.logger)}
		r.flows[sess.UID] = e
	}
	e.seen = r.now()
	return e.flow
}

// Get returns uid's Flow without creating one.
func (r *Flows) Get(uid string) (*Flow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.flows[uid]
	if !ok {
		return nil, false
	}
	return e.flow, true
}

// Len reports how many flows are registered.
func (r *Flows) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}

// Release forgets uid's Flow when it has no outstanding challenge. A Flow
// that was re-armed by a concurrent Start is kept.
func (r *Flows) Release(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.flows[uid]
	if !ok || !e.flow.closeIfIdle() {
		return false
	}
	delete(r.flows, uid)
	return true
}

// Close tears down and forgets the Flow for uid.
func (r *Flows) Close(uid string) {
	r.mu.Lock()
	e, ok := r.flows[uid]
	delete(r.flows, uid)
	r.mu.Unlock()
	if ok {
		e.flow.Close()
	}
}

// Sweep closes flows idle since before now minus the idle TTL and returns
// how many it evicted.
func (r *Flows) Sweep(now time.Time) int {
	if r.idle <= 0 {
		return 0
	}
	cutoff := now.Add(-r.idle)
	var stale []*Flow
	r.mu.Lock()
	for uid, e := range r.flows {
		if e.seen.Before(cutoff) {
			stale = append(stale, e.flow)
			delete(r.flows, uid)
		}
	}
	r.mu.Unlock()
	for _, f := range stale {
		f.Close()
	}
	if len(stale) > 0 {
		r.logger.Info("phone flows evicted", slog.Int("count", len(stale)))
	}
	return len(stale)
}

// Run sweeps every interval until ctx is done.
func (r *Flows) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// CloseAll tears down every Flow, for shutdown.
func (r *Flows) CloseAll() {
	r.mu.Lock()
	flows := r.flows
	r.flows = make(map[string]*flowEntry)
	r.mu.Unlock()
	for _, e := range flows {
		e.flow.Close()
	}
}
