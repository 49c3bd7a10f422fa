package profile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type memorySub struct {
	store  *MemoryStore
	uid    string
	id     uint64
	l      Listener
	active atomic.Bool
}

func (s *memorySub) Unsubscribe() {
	if !s.active.Swap(false) {
		return
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	delete(s.store.subs[s.uid], s.id)
	if len(s.store.subs[s.uid]) == 0 {
		delete(s.store.subs, s.uid)
	}
}

// MemoryStore is an in-process Store. Snapshots are delivered synchronously
// and in write order, so listeners must not write to the store from inside a
// callback.
type MemoryStore struct {
	deliver sync.Mutex
	mu      sync.Mutex
	docs    map[string]Profile
	subs    map[string]map[uint64]*memorySub
	nextID  uint64
	now     func() time.Time
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]Profile),
		subs: make(map[string]map[uint64]*memorySub),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the current snapshot for uid.
func (m *MemoryStore) Get(_ context.Context, uid string) (Snapshot, error) {
	if uid == "" {
		return Snapshot{}, ErrMissingUID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(uid), nil
}

// Merge applies patch and notifies subscribers of uid.
func (m *MemoryStore) Merge(ctx context.Context, uid string, patch Patch) error {
	if uid == "" {
		return ErrMissingUID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.deliver.Lock()
	defer m.deliver.Unlock()

	m.mu.Lock()
	doc := m.docs[uid]
	doc.UID = uid
	m.docs[uid] = patch.Apply(doc, m.now())
	snap := m.snapshotLocked(uid)
	listeners := m.listenersLocked(uid)
	m.mu.Unlock()

	for _, sub := range listeners {
		if sub.active.Load() {
			sub.l.OnSnapshot(snap)
		}
	}
	return nil
}

// Subscribe registers l and delivers the current snapshot before returning.
func (m *MemoryStore) Subscribe(_ context.Context, uid string, l Listener) (Subscription, error) {
	if uid == "" {
		return nil, ErrMissingUID
	}
	m.deliver.Lock()
	defer m.deliver.Unlock()

	m.mu.Lock()
	m.nextID++
	sub := &memorySub{store: m, uid: uid, id: m.nextID, l: l}
	sub.active.Store(true)
	if m.subs[uid] == nil {
		m.subs[uid] = make(map[uint64]*memorySub)
	}
	m.subs[uid][sub.id] = sub
	snap := m.snapshotLocked(uid)
	m.mu.Unlock()

	l.OnSnapshot(snap)
	return sub, nil
}

// Subscribers reports how many live subscriptions uid has.
func (m *MemoryStore) Subscribers(uid string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[uid])
}

func (m *MemoryStore) snapshotLocked(uid string) Snapshot {
	doc, ok := m.docs[uid]
	if !ok {
		return Snapshot{Profile: Profile{UID: uid}}
	}
	return Snapshot{Profile: doc, Exists: true}
}

func (m *MemoryStore) listenersLocked(uid string) []*memorySub {
	out := make([]*memorySub, 0, len(m.subs[uid]))
	for _, sub := range m.subs[uid] {
		out = append(out, sub)
	}
	return out
}
