// Package broadcast coordinates session events between independent client
// contexts sharing one credential store. A context publishes when it starts a
// refresh, finishes one, or logs out; other contexts react by re-reading the
// store. Delivery is best-effort and at-most-once: the broadcast is a
// low-latency hint, never a consistency protocol.
package broadcast

import (
	"context"
	"time"
)

// Kind identifies one of the three session event kinds. The union is closed:
// a subscriber switching on Kind handles every case.
type Kind string

const (
	KindRefreshStarted Kind = "refresh_started"
	KindTokensUpdated  Kind = "tokens_updated"
	KindLogout         Kind = "logout"
)

// TokenPayload carries the session subset attached to a TokensUpdated event.
type TokenPayload struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// Message is one broadcast event. Origin identifies the publishing context so
// transports can drop echoes of a context's own messages.
type Message struct {
	Kind   Kind      `json:"kind"`
	At     time.Time `json:"at"`
	Origin string    `json:"origin"`

	// Tokens is set when Kind is KindTokensUpdated.
	Tokens *TokenPayload `json:"tokens,omitempty"`

	// Reason is optionally set when Kind is KindLogout.
	Reason string `json:"reason,omitempty"`
}

// Handler receives broadcast messages. Handlers run on the publisher's or the
// transport's goroutine and must not block.
type Handler func(Message)

// Broadcaster publishes and subscribes to session events. Subscribers in the
// same process always receive self-published messages; messages are never
// replayed to late subscribers.
type Broadcaster interface {
	// Publish stamps the message with this context's origin and timestamp
	// and delivers it to all subscribers, local and remote.
	Publish(msg Message)

	// Subscribe registers a handler and returns its unsubscribe function.
	Subscribe(h Handler) (unsubscribe func())

	// Origin returns this context's origin ID, letting subscribers tell
	// their own messages apart from other contexts'.
	Origin() string

	// Close tears down any transport resources.
	Close() error
}

// New selects a transport by capability: a NATS-backed broadcaster when a
// server URL is configured and reachable, otherwise the in-process fallback.
func New(url string) Broadcaster {
	if url == "" {
		return NewLocal()
	}
	n, err := NewNATS(url)
	if err != nil {
		return NewLocal()
	}
	return n
}

// WaitFor blocks until the first message of the given kind arrives, the
// timeout elapses, or ctx is cancelled. It returns nil when no message
// arrived in time. A secondary context uses this to wait briefly for a
// primary context's refresh result instead of racing it.
func WaitFor(ctx context.Context, b Broadcaster, kind Kind, timeout time.Duration) *Message {
	matched := make(chan Message, 1)
	unsubscribe := b.Subscribe(func(msg Message) {
		if msg.Kind != kind {
			return
		}
		select {
		case matched <- msg:
		default:
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-matched:
		return &msg
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}
