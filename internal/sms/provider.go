// Package sms is the out-of-band phone verification provider: it issues a
// one-time code for a number, reports the outcome of the send as an
// asynchronous event, and exchanges a verification id plus code for a
// phone credential.
package sms

import (
	"context"
	"fmt"
)

// EventKind enumerates challenge events.
type EventKind int

const (
	// EventSent carries the verification id once the code has been handed
	// to the carrier.
	EventSent EventKind = iota + 1
	// EventTimeout signals that automatic code retrieval gave up. It is
	// informational: the code stays valid.
	EventTimeout
	// EventError reports a failed send.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventSent:
		return "sent"
	case EventTimeout:
		return "timeout"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a single challenge state change.
type Event struct {
	Kind           EventKind
	VerificationID string
	Err            error
}

// Listener receives challenge events. It may be called from any goroutine.
type Listener func(Event)

// Subscription releases a challenge listener. Unsubscribe is idempotent and
// never blocks.
type Subscription interface {
	Unsubscribe()
}

// Credential is the proof that the holder of a verification id entered the
// right code for Phone.
type Credential struct {
	VerificationID string
	Phone          string
}

// Provider is the contract the phone adapter requires.
type Provider interface {
	VerifyPhoneNumber(ctx context.Context, e164 string, l Listener) (Subscription, error)
	Credential(ctx context.Context, verificationID, code string) (Credential, error)
}
