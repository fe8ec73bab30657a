package transport

import (
	"encoding/json"
	"fmt"
	"sync"

	"fleet-dispatch/internal/models"
)

// Envelope is one message on the auction protocol. The body is a UTF-8
// JSON document whose schema is determined by the intent; agents parse
// it at the receive boundary into the matching models type.
type Envelope struct {
	From     string
	To       string
	Ontology string
	Intent   models.Intent
	Body     []byte
}

// NewEnvelope marshals payload into an envelope tagged with the
// dispatch_auction ontology.
func NewEnvelope(from, to string, intent models.Intent, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("transport: encode %s body: %w", intent, err)
	}
	return Envelope{
		From:     from,
		To:       to,
		Ontology: models.Ontology,
		Intent:   intent,
		Body:     body,
	}, nil
}

// Transport delivers envelopes between agents. Messages from one
// sender to one receiver arrive in the order they were sent; no
// ordering holds across senders. There is no retry and no durability.
type Transport interface {
	Send(env Envelope) error
	Register(id string) <-chan Envelope
}

// ErrUnknownRecipient is returned when sending to an unregistered agent.
type ErrUnknownRecipient struct {
	To string
}

func (e *ErrUnknownRecipient) Error() string {
	return fmt.Sprintf("transport: unknown recipient %s", e.To)
}

// Bus is the in-memory Transport used by the simulation: one buffered
// inbox channel per agent. A full inbox blocks the sender rather than
// dropping, which keeps per-link ordering intact.
type Bus struct {
	mu      sync.RWMutex
	inboxes map[string]chan Envelope
	buffer  int
}

const defaultInboxBuffer = 256

// NewBus creates an empty in-memory bus.
func NewBus() *Bus {
	return &Bus{
		inboxes: make(map[string]chan Envelope),
		buffer:  defaultInboxBuffer,
	}
}

// Register creates (or returns) the inbox for the given agent ID.
func (b *Bus) Register(id string) <-chan Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.inboxes[id]
	if !ok {
		ch = make(chan Envelope, b.buffer)
		b.inboxes[id] = ch
	}
	return ch
}

// Send enqueues the envelope on the recipient's inbox.
func (b *Bus) Send(env Envelope) error {
	b.mu.RLock()
	ch, ok := b.inboxes[env.To]
	b.mu.RUnlock()
	if !ok {
		return &ErrUnknownRecipient{To: env.To}
	}
	ch <- env
	return nil
}
