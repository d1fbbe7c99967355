package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config configures the bus.
type Config struct {
	// Workers is the number of delivery goroutines. Each owns one queue.
	Workers int `json:"workers" yaml:"workers" validate:"gte=1"`

	// QueueSize is the initial capacity of each worker queue. Queues grow
	// past it so a handler can always publish to its own worker.
	QueueSize int `json:"queue_size" yaml:"queue_size" validate:"gte=1"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 256,
	}
}

// Recorder observes published events.
type Recorder interface {
	RecordEventPublished(eventType string)
}

type subscription struct {
	handler Handler
	filter  Filter
}

// Bus delivers events to subscribers on a fixed pool of workers. An event is
// routed to worker xxhash(RunID) % Workers, so handlers of one run never run
// concurrently and see that run's events in order.
type Bus struct {
	logger   zerolog.Logger
	recorder Recorder

	queues []*mailbox
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu     sync.RWMutex
	byType map[string][]Handler
	all    []subscription
}

// NewBus starts the workers. recorder may be nil.
func NewBus(cfg Config, logger zerolog.Logger, recorder Recorder) *Bus {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:   logger.With().Str("component", "event_bus").Logger(),
		recorder: recorder,
		queues:   make([]*mailbox, cfg.Workers),
		ctx:      ctx,
		cancel:   cancel,
		byType:   make(map[string][]Handler),
	}

	for i := range b.queues {
		b.queues[i] = newMailbox(cfg.QueueSize)
		b.wg.Add(1)
		go b.work(b.queues[i])
	}
	return b
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[eventType] = append(b.byType[eventType], handler)
}

// SubscribeAll registers a handler for every event that passes filter.
// A nil filter passes everything.
func (b *Bus) SubscribeAll(handler Handler, filter Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, subscription{handler: handler, filter: filter})
}

// Publish enqueues ev and returns without waiting for delivery.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return fmt.Errorf("event bus is shut down")
	}
	if ev.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.queues[b.shard(ev.RunID)].push(ev)

	if b.recorder != nil {
		b.recorder.RecordEventPublished(ev.Type)
	}
	return nil
}

func (b *Bus) shard(runID string) int {
	return int(xxhash.Sum64String(runID) % uint64(len(b.queues)))
}

func (b *Bus) work(queue *mailbox) {
	defer b.wg.Done()

	for {
		select {
		case <-queue.notify:
			for _, ev := range queue.take() {
				b.deliver(ev)
			}
		case <-b.ctx.Done():
			// drain what was accepted before shutdown
			for _, ev := range queue.take() {
				b.deliver(ev)
			}
			return
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.byType[ev.Type]...)
	for _, s := range b.all {
		if s.filter == nil || s.filter(ev) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(h, ev)
	}
}

func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event_id", ev.ID).
				Str("event_type", ev.Type).
				Str("run_id", ev.RunID).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	h(ev)
}

// Shutdown stops accepting events, delivers the queued ones and waits for
// the workers.
func (b *Bus) Shutdown(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown timeout")
	}
}

type mailbox struct {
	mu     sync.Mutex
	items  []Event
	size   int
	notify chan struct{}
}

func newMailbox(size int) *mailbox {
	return &mailbox{
		items:  make([]Event, 0, size),
		size:   size,
		notify: make(chan struct{}, 1),
	}
}

func (m *mailbox) push(ev Event) {
	m.mu.Lock()
	m.items = append(m.items, ev)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.items
	m.items = make([]Event, 0, m.size)
	return items
}
