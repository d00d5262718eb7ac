package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsidianstack/alertcore/server/internal/events"
)

type publishedMessage struct {
	Subject string
	Data    []byte
}

type mockConn struct {
	mu          sync.Mutex
	published   []publishedMessage
	closed      bool
	failPublish bool
	flushed     int
}

func (m *mockConn) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nats.ErrConnectionClosed
	}
	if m.failPublish {
		return errors.New("mock publish error")
	}
	m.published = append(m.published, publishedMessage{Subject: subject, Data: data})
	return nil
}

func (m *mockConn) Flush() error {
	m.mu.Lock()
	m.flushed++
	m.mu.Unlock()
	return nil
}

func (m *mockConn) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *mockConn) messages() []publishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishedMessage(nil), m.published...)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "alertcore.escalation.triggered", Subject("alertcore", events.EscalationTriggered))
	assert.Equal(t, "ops.action.execute", Subject("ops", events.ActionExecute))
	assert.Equal(t, "rule.matched", Subject("", events.RuleMatched))
}

func TestSink_PublishesBusEvents(t *testing.T) {
	conn := &mockConn{}
	sink := New(conn, "alertcore", 16)
	bus := events.NewBus()
	sink.Subscribe(bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(done)
	}()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bus.Publish(events.Event{Type: events.AlertRaised, At: at, Payload: map[string]string{"id": "a-1"}})
	bus.Publish(events.Event{Type: events.IncidentCreated, At: at})

	require.Eventually(t, func() bool { return len(conn.messages()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	msgs := conn.messages()
	assert.Equal(t, "alertcore.alert.raised", msgs[0].Subject)
	assert.Equal(t, "alertcore.incident.created", msgs[1].Subject)

	var decoded struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	assert.Equal(t, "alert:raised", decoded.Type)
	assert.Equal(t, "a-1", decoded.Payload["id"])

	assert.True(t, conn.closed)
	assert.Equal(t, 1, conn.flushed)
}

func TestSink_DropsWhenFull(t *testing.T) {
	conn := &mockConn{}
	sink := New(conn, "alertcore", 2)

	for i := 0; i < 5; i++ {
		sink.Handle(events.Event{Type: events.RuleMatched})
	}
	assert.Equal(t, uint64(3), sink.Dropped())

	// Queued events are flushed when Run stops.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Run(ctx)
	assert.Len(t, conn.messages(), 2)
}

func TestSink_PublishFailureIsNotFatal(t *testing.T) {
	conn := &mockConn{failPublish: true}
	sink := New(conn, "alertcore", 4)
	sink.Handle(events.Event{Type: events.RuleMatched})
	sink.Handle(events.Event{Type: events.RuleMatched})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NotPanics(t, func() { sink.Run(ctx) })
	assert.Empty(t, conn.messages())
}
