package bus

import (
	"log/slog"
	"testing"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func TestPublishDispatchOrder(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	var got []int
	b.PriceUpdated.Subscribe(func(types.PriceUpdate) { got = append(got, 1) })
	b.PriceUpdated.Subscribe(func(types.PriceUpdate) { got = append(got, 2) })
	b.PriceUpdated.Subscribe(func(types.PriceUpdate) { got = append(got, 3) })

	b.PriceUpdated.Publish(types.PriceUpdate{PriceUsd: 180})

	if len(got) != 3 {
		t.Fatalf("dispatched %d subscribers, want 3", len(got))
	}
	for i, v := range got {
		if v != i+1 {
			t.Errorf("dispatch order[%d] = %d, want %d", i, v, i+1)
		}
	}
}

func TestPanickingSubscriberDoesNotStopDispatch(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	var after bool
	b.TokenDiscovered.Subscribe(func(types.TokenDiscovered) { panic("boom") })
	b.TokenDiscovered.Subscribe(func(types.TokenDiscovered) { after = true })

	b.TokenDiscovered.Publish(types.TokenDiscovered{Token: &types.Token{MintAddress: "m"}})

	if !after {
		t.Error("subscriber after a panicking one was not invoked")
	}
}

func TestPublishWithNoSubscribers(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	// Must not panic or block.
	b.CurveProgress.Publish(types.CurveProgress{MintAddress: "m", Progress: 100, Complete: true})

	if n := b.CurveProgress.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestSubscriberReceivesPayload(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	var got types.ThresholdCrossed
	b.TokenThresholdCrossed.Subscribe(func(e types.ThresholdCrossed) { got = e })

	b.TokenThresholdCrossed.Publish(types.ThresholdCrossed{MintAddress: "mint-1", MarketCapUsd: 9000})

	if got.MintAddress != "mint-1" || got.MarketCapUsd != 9000 {
		t.Errorf("payload = %+v, want mint-1/9000", got)
	}
}
