package broadcast

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the shared channel name. One logical channel per
// deployment; every context of the same installation uses the same subject.
const DefaultSubject = "pantmig.session.events"

// NATS is a cross-context Broadcaster layered over a Local one. Local fanout
// delivers self-published messages immediately; the NATS subject carries them
// to other contexts, and echoes of our own messages are dropped by origin ID.
type NATS struct {
	local   *Local
	subject string
	conn    *nats.Conn
	sub     *nats.Subscription
}

var _ Broadcaster = (*NATS)(nil)

// NewNATS connects to the NATS endpoint and subscribes on DefaultSubject.
func NewNATS(url string, opts ...nats.Option) (*NATS, error) {
	return NewNATSSubject(url, DefaultSubject, opts...)
}

// NewNATSSubject is NewNATS with an explicit subject.
func NewNATSSubject(url, subject string, opts ...nats.Option) (*NATS, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	n := &NATS{
		local:   NewLocal(),
		subject: subject,
		conn:    conn,
	}

	sub, err := conn.Subscribe(subject, n.onRemote)
	if err != nil {
		conn.Close()
		return nil, err
	}
	n.sub = sub

	return n, nil
}

func (n *NATS) Publish(msg Message) {
	n.local.stamp(&msg)
	n.local.dispatch(msg)

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	// Best-effort: a failed publish only costs the other contexts their
	// low-latency hint; they re-read the credential store on their own.
	_ = n.conn.Publish(n.subject, data)
}

// onRemote handles messages arriving over the subject.
func (n *NATS) onRemote(raw *nats.Msg) {
	var msg Message
	if err := json.Unmarshal(raw.Data, &msg); err != nil {
		return
	}
	if msg.Origin == n.local.Origin() {
		return // already delivered by local fanout
	}
	n.local.dispatch(msg)
}

func (n *NATS) Subscribe(h Handler) func() {
	return n.local.Subscribe(h)
}

func (n *NATS) Origin() string { return n.local.Origin() }

func (n *NATS) Close() error {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
	return nil
}
