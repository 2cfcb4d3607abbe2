// Package usecase implements the event bus: publication to a broker and to in-process
// handlers, and idempotent handling of received events.
package usecase

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/allisson/txpipeline/internal/errors"
	"github.com/allisson/txpipeline/internal/event/domain"
	"github.com/allisson/txpipeline/internal/resilience"
)

// ErrReplayUnsupported is returned by ReplayEvents when no durable event log is configured.
var ErrReplayUnsupported = apperrors.Wrap(apperrors.ErrUnavailable, "event replay not supported")

const (
	defaultDedupLimit  = 10000
	defaultDedupRetain = 5000
)

// Publisher emits events to an external transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, evt *domain.Event) error
}

// Replayer reads historical events from a durable log.
type Replayer interface {
	Replay(ctx context.Context, from, to time.Time, eventTypes []string) ([]*domain.Event, error)
}

// Handler reacts to an event.
type Handler func(ctx context.Context, evt *domain.Event) error

// Config holds event bus configuration.
type Config struct {
	// AggregateType is stamped on every published event.
	AggregateType string
	// Idempotency skips received events whose id was already handled.
	Idempotency bool
	// PreserveOrder runs handlers of one event sequentially in registration order.
	PreserveOrder bool
	// MaxRetries is the number of attempts per handler invocation.
	MaxRetries int
	// RetryDelay is the fixed delay between handler attempts.
	RetryDelay time.Duration
	// HandlerTimeout bounds each handler attempt. Zero disables it.
	HandlerTimeout time.Duration
	// DedupLimit is the processed-id count above which the set is pruned.
	DedupLimit int
	// DedupRetain is the number of most recent ids kept after pruning.
	DedupRetain int
}

// Statistics describes the bus state.
type Statistics struct {
	ProcessedEvents int            `json:"processed_events"`
	Handlers        map[string]int `json:"handlers"`
}

// UseCase defines the event bus operations.
type UseCase interface {
	Publish(ctx context.Context, eventType, aggregateID string, payload any, metadata map[string]any) (*domain.Event, error)
	On(eventType string, handler Handler)
	Handle(ctx context.Context, evt *domain.Event) error
	Statistics() Statistics
	ReplayEvents(ctx context.Context, from, to time.Time, eventTypes []string) (int, error)
}

// Bus implements UseCase. Safe for concurrent use.
type Bus struct {
	cfg             Config
	publisher       Publisher
	replayPublisher Publisher
	replayer        Replayer
	logger          *slog.Logger
	now             func() time.Time

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	processedMu sync.Mutex
	processed   map[uuid.UUID]uint64
	inFlight    map[uuid.UUID]struct{}
	seq         uint64
}

// NewBus creates a Bus. publisher and replayer may be nil.
func NewBus(cfg Config, publisher Publisher, replayer Replayer, logger *slog.Logger) *Bus {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.DedupLimit <= 0 {
		cfg.DedupLimit = defaultDedupLimit
	}
	if cfg.DedupRetain <= 0 || cfg.DedupRetain > cfg.DedupLimit {
		cfg.DedupRetain = defaultDedupRetain
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		cfg:             cfg,
		publisher:       publisher,
		replayPublisher: publisher,
		replayer:        replayer,
		logger:          logger,
		now:             time.Now,
		handlers:        make(map[string][]Handler),
		processed:       make(map[uuid.UUID]uint64),
		inFlight:        make(map[uuid.UUID]struct{}),
	}
}

// SetReplayPublisher sets where ReplayEvents re-emits events. It defaults to the publisher;
// it differs when the publisher writes to the durable log that replays are read from.
func (b *Bus) SetReplayPublisher(p Publisher) {
	b.replayPublisher = p
}

// On registers a handler for eventType. Handlers of one type run in registration order.
func (b *Bus) On(eventType string, handler Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

func (b *Bus) handlersFor(eventType string) []Handler {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	hs := b.handlers[eventType]
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

// Publish builds an event, emits it to the transport and runs the local handlers. Transport
// errors are returned; local handler errors are only logged.
func (b *Bus) Publish(
	ctx context.Context,
	eventType, aggregateID string,
	payload any,
	metadata map[string]any,
) (*domain.Event, error) {
	evt, err := domain.New(eventType, aggregateID, b.cfg.AggregateType, payload, metadata, b.now())
	if err != nil {
		return nil, err
	}

	if b.publisher != nil {
		if err := b.publisher.Publish(ctx, evt.Topic(), evt); err != nil {
			b.logger.Error("failed to publish event",
				slog.String("event_id", evt.EventID.String()),
				slog.String("event_type", evt.EventType),
				slog.Any("error", err),
			)
			return nil, err
		}
	}

	handlers := b.handlersFor(eventType)
	failed := false
	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			failed = true
			b.logger.Error("local event handler failed",
				slog.String("event_id", evt.EventID.String()),
				slog.String("event_type", evt.EventType),
				slog.Any("error", err),
			)
		}
	}
	// Local handlers already saw the event; the consumer loop of this process must not
	// run them again when the broker delivers it back.
	if len(handlers) > 0 && !failed && b.cfg.Idempotency {
		b.markProcessed(evt.EventID)
	}

	b.logger.Debug("event published",
		slog.String("event_id", evt.EventID.String()),
		slog.String("event_type", evt.EventType),
		slog.String("aggregate_id", aggregateID),
	)
	return evt, nil
}

// Handle runs the handlers registered for a received event. Each handler attempt is bounded
// by HandlerTimeout and retried MaxRetries times with a fixed delay; the first exhausted
// handler error is returned.
func (b *Bus) Handle(ctx context.Context, evt *domain.Event) error {
	if b.cfg.Idempotency {
		if !b.begin(evt.EventID) {
			b.logger.Debug("skipping already processed event",
				slog.String("event_id", evt.EventID.String()),
				slog.String("event_type", evt.EventType),
			)
			return nil
		}
	}

	err := b.dispatch(ctx, evt)

	if b.cfg.Idempotency {
		b.end(evt.EventID, err == nil)
	}
	if err != nil {
		b.logger.Error("failed to handle event",
			slog.String("event_id", evt.EventID.String()),
			slog.String("event_type", evt.EventType),
			slog.Any("error", err),
		)
	}
	return err
}

func (b *Bus) dispatch(ctx context.Context, evt *domain.Event) error {
	handlers := b.handlersFor(evt.EventType)
	if len(handlers) == 0 {
		return nil
	}

	if b.cfg.PreserveOrder {
		for _, h := range handlers {
			if err := b.invoke(ctx, h, evt); err != nil {
				return err
			}
		}
		return nil
	}

	// A plain group: one failing handler must not cancel its siblings.
	var g errgroup.Group
	for _, h := range handlers {
		g.Go(func() error {
			return b.invoke(ctx, h, evt)
		})
	}
	return g.Wait()
}

func (b *Bus) invoke(ctx context.Context, h Handler, evt *domain.Event) error {
	policy := resilience.RetryPolicy{
		MaxAttempts: b.cfg.MaxRetries,
		Delay:       b.cfg.RetryDelay,
		Backoff:     resilience.BackoffFixed,
		OnRetry: func(attempt int, err error) {
			b.logger.Warn("retrying event handler",
				slog.String("event_id", evt.EventID.String()),
				slog.String("event_type", evt.EventType),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		},
	}
	return policy.Do(ctx, func(ctx context.Context) error {
		return resilience.WithTimeout(ctx, b.cfg.HandlerTimeout, func(ctx context.Context) error {
			return h(ctx, evt)
		})
	})
}

// begin reserves id for handling. It returns false when the id was processed or is being
// processed by another worker.
func (b *Bus) begin(id uuid.UUID) bool {
	b.processedMu.Lock()
	defer b.processedMu.Unlock()

	if _, ok := b.processed[id]; ok {
		return false
	}
	if _, ok := b.inFlight[id]; ok {
		return false
	}
	b.inFlight[id] = struct{}{}
	return true
}

func (b *Bus) end(id uuid.UUID, ok bool) {
	b.processedMu.Lock()
	delete(b.inFlight, id)
	b.processedMu.Unlock()

	if ok {
		b.markProcessed(id)
	}
}

func (b *Bus) markProcessed(id uuid.UUID) {
	b.processedMu.Lock()
	defer b.processedMu.Unlock()

	b.seq++
	b.processed[id] = b.seq
	if len(b.processed) > b.cfg.DedupLimit {
		b.prune()
	}
}

// prune keeps the DedupRetain most recently processed ids. Caller holds processedMu.
func (b *Bus) prune() {
	type entry struct {
		id  uuid.UUID
		seq uint64
	}
	entries := make([]entry, 0, len(b.processed))
	for id, seq := range b.processed {
		entries = append(entries, entry{id: id, seq: seq})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })

	kept := make(map[uuid.UUID]uint64, b.cfg.DedupRetain)
	for _, e := range entries[:b.cfg.DedupRetain] {
		kept[e.id] = e.seq
	}
	b.processed = kept

	b.logger.Debug("pruned processed event ids", slog.Int("retained", len(kept)))
}

// Statistics returns the processed-id count and the registered handler count per type.
func (b *Bus) Statistics() Statistics {
	b.processedMu.Lock()
	processed := len(b.processed)
	b.processedMu.Unlock()

	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	handlers := make(map[string]int, len(b.handlers))
	for t, hs := range b.handlers {
		handlers[t] = len(hs)
	}
	return Statistics{ProcessedEvents: processed, Handlers: handlers}
}

// ReplayEvents re-delivers historical events from the durable log in [from, to], optionally
// restricted to eventTypes. Events are re-emitted to the replay publisher when one is set,
// otherwise they are dispatched to the local handlers, bypassing deduplication.
func (b *Bus) ReplayEvents(ctx context.Context, from, to time.Time, eventTypes []string) (int, error) {
	if b.replayer == nil {
		return 0, ErrReplayUnsupported
	}

	events, err := b.replayer.Replay(ctx, from, to, eventTypes)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, evt := range events {
		if b.replayPublisher != nil {
			err = b.replayPublisher.Publish(ctx, evt.Topic(), evt)
		} else {
			err = b.dispatch(ctx, evt)
		}
		if err != nil {
			return replayed, err
		}
		replayed++
	}

	b.logger.Info("events replayed",
		slog.Time("from", from),
		slog.Time("to", to),
		slog.Int("count", replayed),
	)
	return replayed, nil
}
