// Package events carries the engine's side-channel notifications:
// classification results, routing decisions, and session outcomes are
// published here for observers without ever blocking the decision path.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType defines the type of engine event.
type EventType string

const (
	EventSessionAccepted   EventType = "session_accepted"
	EventSessionRejected   EventType = "session_rejected"
	EventSessionClassified EventType = "session_classified"
	EventSessionRouted     EventType = "session_routed"
	EventSessionClosed     EventType = "session_closed"
	EventEscalationTimeout EventType = "escalation_timeout"
	EventModelReloaded     EventType = "model_reloaded"
)

// EngineEvent is one notification published on the bus.
type EngineEvent struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	PeerAddr  string                 `json:"peer_addr,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Handler is the interface event subscribers implement.
type Handler interface {
	Handle(ctx context.Context, event EngineEvent) error
	EventTypes() []EventType
}

// Bus distributes events to subscribers through a buffered channel.
// Publish never blocks: when the buffer is full the event is dropped
// and counted, because observers must never stall the decision loop.
type Bus struct {
	handlers map[EventType][]Handler
	buffer   chan EngineEvent
	logger   zerolog.Logger
	mu       sync.RWMutex

	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	published int64
	processed int64
	dropped   int64
}

// BusMetrics is a snapshot of bus counters.
type BusMetrics struct {
	Published int64 `json:"published"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
}

// NewBus creates an event bus with the given buffer size.
func NewBus(logger zerolog.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Bus{
		handlers: make(map[EventType][]Handler),
		buffer:   make(chan EngineEvent, bufferSize),
		logger:   logger.With().Str("component", "event_bus").Logger(),
		stop:     make(chan struct{}),
	}
}

// Subscribe registers a handler for the event types it declares.
func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, et := range handler.EventTypes() {
		b.handlers[et] = append(b.handlers[et], handler)
		b.logger.Debug().Str("event_type", string(et)).Msg("Handler subscribed")
	}
}

// Publish enqueues an event. It never blocks; on a full buffer the
// event is dropped.
func (b *Bus) Publish(event EngineEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.buffer <- event:
		b.mu.Lock()
		b.published++
		b.mu.Unlock()
		return nil
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.Warn().Str("type", string(event.Type)).Msg("Event bus buffer full, dropping event")
		return ErrBufferFull
	}
}

// Start begins draining the buffer. It returns immediately.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.logger.Info().Msg("Event bus starting...")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case event := <-b.buffer:
				b.dispatch(ctx, event)
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			}
		}
	}()
}

// Stop shuts the bus down after the drain goroutine exits.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.stop)
	b.wg.Wait()
	b.logger.Info().Msg("Event bus stopped")
}

func (b *Bus) dispatch(ctx context.Context, event EngineEvent) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(ctx, event); err != nil {
			b.logger.Error().Err(err).Str("type", string(event.Type)).
				Str("session_id", event.SessionID).Msg("Handler error processing event")
		}
	}

	b.mu.Lock()
	b.processed++
	b.mu.Unlock()
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() BusMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BusMetrics{Published: b.published, Processed: b.processed, Dropped: b.dropped}
}

// ErrBufferFull is returned by Publish when the buffer is full.
var ErrBufferFull = fmt.Errorf("event bus buffer is full")
