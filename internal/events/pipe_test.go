package events

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

var errWriteFailed = errors.New("write failed")

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestPublish_SendsMessageWithTypeAsKey(t *testing.T) {
	fw := &fakeWriter{}
	p := NewWithWriter(fw, "atlas.session-events", nil)

	p.Publish(context.Background(), SessionEvent{Type: "prompt_submitted", Data: map[string]any{"len": 12}})

	require.Len(t, fw.msgs, 1)
	require.Equal(t, "atlas.session-events", fw.msgs[0].Topic)
	require.Equal(t, "prompt_submitted", string(fw.msgs[0].Key))
}

func TestPublish_NilWriterIsNoOp(t *testing.T) {
	p := New(nil, "", nil)
	p.Publish(context.Background(), SessionEvent{Type: "x"})
}

func TestPublish_WriteErrorDoesNotPanic(t *testing.T) {
	fw := &fakeWriter{err: errWriteFailed}
	p := NewWithWriter(fw, "atlas.session-events", nil)
	p.Publish(context.Background(), SessionEvent{Type: "x"})
}
