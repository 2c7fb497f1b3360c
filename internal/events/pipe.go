// Package events implements the Event Pipe (C11): a best-effort async sink
// for session events, piping them onto Kafka for out-of-process enrichment.
// Grounded on the send-message tool's Writer/kafka.Message idiom, trimmed to
// a single fire-and-forget publish path instead of a callable tool.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"atlas/internal/logging"
)

// Writer is the narrow kafka-go surface the Pipe needs, so tests can supply
// a fake instead of a live broker connection.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// SessionEvent is the payload carried by the RPC surface's session_event
// method; Data is opaque to Atlas and passed through verbatim.
type SessionEvent struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Pipe publishes SessionEvents to a configured Kafka topic. A Pipe built
// with no brokers is nil-safe: Publish becomes a no-op rather than an error,
// so disabling the Event Pipe never breaks the session_event RPC method.
type Pipe struct {
	writer Writer
	topic  string
	log    logging.Logger
}

// New builds a Pipe. If brokers is empty, the returned Pipe has no writer
// and Publish is a no-op.
func New(brokers []string, topic string, log logging.Logger) *Pipe {
	if log == nil {
		log = logging.Nop()
	}
	p := &Pipe{topic: topic, log: log}
	if len(brokers) > 0 && topic != "" {
		p.writer = &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			AllowAutoTopicCreation: true,
			Async:                  true,
		}
	}
	return p
}

// NewWithWriter builds a Pipe over an already-constructed Writer, for tests
// and for callers that manage the kafka.Writer's lifecycle themselves.
func NewWithWriter(w Writer, topic string, log logging.Logger) *Pipe {
	if log == nil {
		log = logging.Nop()
	}
	return &Pipe{writer: w, topic: topic, log: log}
}

// Publish enqueues ev for delivery. Failures are logged and swallowed: the
// Event Pipe is explicitly best-effort per SPEC_FULL.md, never a reason to
// fail the RPC call that triggered it.
func (p *Pipe) Publish(ctx context.Context, ev SessionEvent) {
	if p == nil || p.writer == nil {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("session event marshal failed", map[string]any{"type": ev.Type, "err": err.Error()})
		return
	}
	msg := kafka.Message{Topic: p.topic, Key: []byte(ev.Type), Value: body}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Warn("session event publish failed", map[string]any{"type": ev.Type, "err": err.Error()})
	}
}

// Close releases the underlying writer, if any.
func (p *Pipe) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	if c, ok := p.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
