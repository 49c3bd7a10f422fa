package profile

import (
	"context"
	"errors"
)

// ErrMissingUID is returned for reads and writes without an identity key.
var ErrMissingUID = errors.New("profile uid is required")

// Reader performs one-shot reads.
type Reader interface {
	Get(ctx context.Context, uid string) (Snapshot, error)
}

// Writer performs merge-writes keyed by uid.
type Writer interface {
	Merge(ctx context.Context, uid string, patch Patch) error
}

// Listener receives subscription callbacks. OnError may be nil.
type Listener struct {
	OnSnapshot func(Snapshot)
	OnError    func(error)
}

// Subscription is the handle returned by Subscribe. After Unsubscribe
// returns no new callback is started; it is safe to call more than once and
// from inside a callback.
type Subscription interface {
	Unsubscribe()
}

// Subscriber delivers a snapshot of the document on subscribe and on every
// subsequent change.
type Subscriber interface {
	Subscribe(ctx context.Context, uid string, l Listener) (Subscription, error)
}

// Documents is a store without change notification.
type Documents interface {
	Reader
	Writer
}

// Store is the full profile store contract.
type Store interface {
	Reader
	Writer
	Subscriber
}
