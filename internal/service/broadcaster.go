package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// Signal bus names for committed ledger events.
const (
	// EventsChannel carries every event as it commits.
	EventsChannel = "pricepredict:events"
	// EventsStream is the durable copy of EventsChannel.
	EventsStream = "pricepredict:events:stream"
)

// RoundChannel is the per-round pub/sub channel.
func RoundChannel(roundID uint64) string {
	return fmt.Sprintf("pricepredict:rounds:%d", roundID)
}

// EventNotifier receives committed events for operator alerts.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, e domain.Event) error
}

// Broadcaster fans committed events out to the signal bus, invalidates the
// affected round in the cache and forwards events to the notifier. Every
// dependency is optional, and a nil *Broadcaster does nothing. Failures are
// logged; the ledger is already committed.
type Broadcaster struct {
	bus      domain.SignalBus
	cache    domain.RoundCache
	notifier EventNotifier
	logger   *slog.Logger
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(bus domain.SignalBus, cache domain.RoundCache, notifier EventNotifier, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		bus:      bus,
		cache:    cache,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "broadcaster")),
	}
}

// Publish delivers events in order.
func (b *Broadcaster) Publish(ctx context.Context, events []domain.Event) {
	if b == nil {
		return
	}
	invalidated := make(map[uint64]bool)
	for _, e := range events {
		if b.cache != nil && e.RoundID != 0 && !invalidated[e.RoundID] {
			invalidated[e.RoundID] = true
			if err := b.cache.Invalidate(ctx, e.RoundID); err != nil {
				b.warn(ctx, "broadcaster: cache invalidate failed", e, err)
			}
		}
		if b.bus != nil {
			b.publishBus(ctx, e)
		}
		if b.notifier != nil {
			if err := b.notifier.NotifyEvent(ctx, e); err != nil {
				b.warn(ctx, "broadcaster: notify failed", e, err)
			}
		}
	}
}

func (b *Broadcaster) publishBus(ctx context.Context, e domain.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		b.warn(ctx, "broadcaster: marshal event failed", e, err)
		return
	}
	if err := b.bus.Publish(ctx, EventsChannel, payload); err != nil {
		b.warn(ctx, "broadcaster: publish failed", e, err)
	}
	if e.RoundID != 0 {
		if err := b.bus.Publish(ctx, RoundChannel(e.RoundID), payload); err != nil {
			b.warn(ctx, "broadcaster: publish round channel failed", e, err)
		}
	}
	if err := b.bus.StreamAppend(ctx, EventsStream, payload); err != nil {
		b.warn(ctx, "broadcaster: stream append failed", e, err)
	}
}

func (b *Broadcaster) warn(ctx context.Context, msg string, e domain.Event, err error) {
	b.logger.WarnContext(ctx, msg,
		slog.String("event", string(e.Type)),
		slog.Uint64("round_id", e.RoundID),
		slog.String("error", err.Error()),
	)
}
