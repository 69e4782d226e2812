package bus

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Envelope is the JSON message frame carried on every subject.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	SenderID  string          `json:"sender_id,omitempty"`
	TraceID   string          `json:"trace_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Publisher is the narrow producer interface components depend on.
type Publisher interface {
	Publish(subject string, env *Envelope) error
}

// Bus is the full transport interface.
type Bus interface {
	Publisher
	Subscribe(subject, queue string, handler func(*Envelope) error) error
}

// NatsBus is a thin wrapper over a NATS connection that speaks JSON envelopes.
type NatsBus struct {
	nc *nats.Conn
}

var (
	errNilBus      = errors.New("nats bus not initialized")
	errNilEnvelope = errors.New("nil envelope")
	errEmptyTopic  = errors.New("empty subject")
)

// NewNatsBus dials NATS at the provided URL, identifying as name.
func NewNatsBus(url, name string) (*NatsBus, error) {
	if name == "" {
		name = "driftmail"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[BUS] disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] reconnected to NATS at %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc}, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// Publish sends a JSON-encoded envelope on the given subject.
func (b *NatsBus) Publish(subject string, env *Envelope) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if env == nil {
		return errNilEnvelope
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a subscription that decodes envelopes and invokes the handler.
func (b *NatsBus) Subscribe(subject, queue string, handler func(*Envelope) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	cb := envelopeCallback(handler)
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

// envelopeCallback adapts an envelope handler to a raw NATS callback.
// Undecodable frames are logged and dropped so one bad producer cannot
// wedge a subscription.
func envelopeCallback(handler func(*Envelope) error) func(*nats.Msg) {
	return func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("nats bus: failed to unmarshal envelope: %v", err)
			return
		}
		if err := handler(&env); err != nil {
			log.Printf("nats bus: handler error: %v", err)
		}
	}
}

// IsConnected reports whether the underlying connection is live.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Status returns the connection status string.
func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

// ConnectedURL returns the URL of the connected server.
func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}
