package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/obsidianstack/alertcore/server/internal/config"
	"github.com/obsidianstack/alertcore/server/internal/events"
)

// DefaultBufferSize is the number of events queued before new ones are dropped.
const DefaultBufferSize = 1024

// Conn is the part of *nats.Conn the sink uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// Connect dials the NATS server named in cfg with reconnects enabled.
func Connect(cfg config.NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("alertcore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(10 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("publish: disconnected from nats", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("publish: reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			slog.Error("publish: nats error", "err", err)
		}),
	}
	if tok := cfg.Token(); tok != "" {
		opts = append(opts, nats.Token(tok))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("publish: connect %q: %w", cfg.URL, err)
	}
	return nc, nil
}

// Subject maps an event type to its NATS subject: "<prefix>.<type>" with
// ':' replaced by '.', e.g. "alertcore.escalation.triggered".
func Subject(prefix string, t events.Type) string {
	s := strings.ReplaceAll(string(t), ":", ".")
	if prefix == "" {
		return s
	}
	return prefix + "." + s
}

// Sink forwards bus events to NATS as JSON.
//
// Handle never blocks: events are queued on a bounded channel and dropped
// when it is full. Run drains the queue on its own goroutine.
type Sink struct {
	conn    Conn
	prefix  string
	queue   chan events.Event
	dropped atomic.Uint64
}

// New creates a Sink publishing on conn under prefix.
func New(conn Conn, prefix string, bufferSize int) *Sink {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Sink{
		conn:   conn,
		prefix: prefix,
		queue:  make(chan events.Event, bufferSize),
	}
}

// Subscribe attaches the sink to bus and returns the unsubscribe func.
func (s *Sink) Subscribe(bus *events.Bus) func() {
	return bus.Subscribe(s.Handle)
}

// Handle queues e for publishing. It is an events.Handler.
func (s *Sink) Handle(e events.Event) {
	select {
	case s.queue <- e:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("publish: queue full, dropping events", "type", e.Type, "dropped", n)
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Run publishes queued events until ctx is cancelled, then flushes what is
// left in the queue and closes the connection.
func (s *Sink) Run(ctx context.Context) {
	defer s.conn.Close()
	for {
		select {
		case <-ctx.Done():
			s.drain()
			if err := s.conn.Flush(); err != nil {
				slog.Warn("publish: flush on shutdown failed", "err", err)
			}
			return
		case e := <-s.queue:
			s.publish(e)
		}
	}
}

func (s *Sink) drain() {
	for {
		select {
		case e := <-s.queue:
			s.publish(e)
		default:
			return
		}
	}
}

func (s *Sink) publish(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("publish: encode event", "type", e.Type, "err", err)
		return
	}
	subject := Subject(s.prefix, e.Type)
	if err := s.conn.Publish(subject, data); err != nil {
		slog.Warn("publish: nats publish failed", "subject", subject, "err", err)
		return
	}
	slog.Debug("publish: event published", "subject", subject, "bytes", len(data))
}
