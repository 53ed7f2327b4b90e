// Package bus provides the in-process event bus linking the ingestion core.
//
// Each topic is a typed fan-out point: Publish invokes every subscriber
// synchronously, in registration order, on the publisher's goroutine.
// Subscribers must not block; anything that I/Os belongs behind a queue
// drained by its own task. A panicking subscriber is recovered and logged and
// never stops dispatch to the remaining subscribers.
//
// The topic set is closed — one field per topic on Bus — so the wiring
// between parser, handler, monitors, and publisher is checked at compile
// time instead of through string keys and interface{} payloads.
package bus

import (
	"log/slog"
	"sync"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

// Topic is a typed publish/subscribe fan-out point.
type Topic[T any] struct {
	name   string
	logger *slog.Logger

	mu   sync.RWMutex
	subs []func(T)
}

func newTopic[T any](name string, logger *slog.Logger) *Topic[T] {
	return &Topic[T]{name: name, logger: logger}
}

// Subscribe registers fn to be called for every published value.
// Subscribers are invoked in registration order.
func (t *Topic[T]) Subscribe(fn func(T)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, fn)
}

// Publish dispatches v to all subscribers on the caller's goroutine.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	subs := t.subs
	t.mu.RUnlock()

	for _, fn := range subs {
		t.dispatch(fn, v)
	}
}

func (t *Topic[T]) dispatch(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("subscriber panicked", "topic", t.name, "panic", r)
		}
	}()
	fn(v)
}

// SubscriberCount reports the number of registered subscribers.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Bus holds the closed set of topics used by the core.
type Bus struct {
	// Raw frames from the stream manager, one per upstream message.
	StreamData *Topic[types.StreamFrame]

	// Parser output.
	BCTradeParsed   *Topic[types.BCTradeEvent]
	AMMTradeParsed  *Topic[types.AMMTradeEvent]
	BCAccountUpdate *Topic[types.BCAccountUpdateEvent]
	PoolCreated     *Topic[types.PoolCreatedEvent]

	// Handler output: trades enriched with the post-trade token state.
	BCTrade  *Topic[types.TradeUpdate]
	AMMTrade *Topic[types.TradeUpdate]

	// Lifecycle.
	TokenDiscovered       *Topic[types.TokenDiscovered]
	TokenThresholdCrossed *Topic[types.ThresholdCrossed]
	TokenGraduated        *Topic[types.Graduated]
	CurveProgress         *Topic[types.CurveProgress]

	// Reference price.
	PriceUpdated *Topic[types.PriceUpdate]
}

// New creates a bus with all topics registered.
func New(logger *slog.Logger) *Bus {
	l := logger.With("component", "bus")
	return &Bus{
		StreamData:            newTopic[types.StreamFrame]("stream.data", l),
		BCTradeParsed:         newTopic[types.BCTradeEvent]("trade.parsed.bc", l),
		AMMTradeParsed:        newTopic[types.AMMTradeEvent]("trade.parsed.amm", l),
		BCAccountUpdate:       newTopic[types.BCAccountUpdateEvent]("account.bc", l),
		PoolCreated:           newTopic[types.PoolCreatedEvent]("pool.created", l),
		BCTrade:               newTopic[types.TradeUpdate]("bc.trade", l),
		AMMTrade:              newTopic[types.TradeUpdate]("amm.trade", l),
		TokenDiscovered:       newTopic[types.TokenDiscovered]("token.discovered", l),
		TokenThresholdCrossed: newTopic[types.ThresholdCrossed]("token.thresholdCrossed", l),
		TokenGraduated:        newTopic[types.Graduated]("token.graduated", l),
		CurveProgress:         newTopic[types.CurveProgress]("bondingCurve.progress", l),
		PriceUpdated:          newTopic[types.PriceUpdate]("price.updated", l),
	}
}
