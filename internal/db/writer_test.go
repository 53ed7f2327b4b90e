package db

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/config"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/metrics"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFlusher struct {
	mu      sync.Mutex
	batches []Batch
	fail    int // number of upcoming calls to fail
}

func (f *fakeFlusher) FlushBatch(_ context.Context, b Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("store unavailable")
	}
	f.batches = append(f.batches, b)
	return nil
}

func (f *fakeFlusher) flushed() []Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Batch(nil), f.batches...)
}

func testBatchConfig() config.BatchConfig {
	return config.BatchConfig{
		Size:          5,
		Interval:      time.Hour, // tick never fires; tests call Flush directly
		MaxFlushRetry: 3,
	}
}

func tokenItem(mint string, slot uint64) Item {
	return Item{Token: &types.Token{MintAddress: mint, LatestUpdateSlot: slot}}
}

func tradeItem(sig, mint string) Item {
	return Item{Trade: &types.Trade{Signature: sig, MintAddress: mint}}
}

func TestWriterFlushPartitionsAndDedupesTokens(t *testing.T) {
	t.Parallel()

	f := &fakeFlusher{}
	w := NewWriter(testBatchConfig(), f, metrics.New(), testLogger())

	w.Enqueue(tokenItem("mintA", 10))
	w.Enqueue(tradeItem("sig1", "mintA"))
	w.Enqueue(tokenItem("mintA", 11)) // same mint again; first occurrence wins
	w.Enqueue(Item{Snapshot: &types.PriceSnapshot{MintAddress: "mintA", Slot: 10}})

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	batches := f.flushed()
	if len(batches) != 1 {
		t.Fatalf("flushed %d batches, want 1", len(batches))
	}
	b := batches[0]
	if len(b.Tokens) != 1 {
		t.Fatalf("batch has %d tokens, want 1 after dedupe", len(b.Tokens))
	}
	if b.Tokens[0].LatestUpdateSlot != 10 {
		t.Errorf("dedupe kept slot %d, want first occurrence (10)", b.Tokens[0].LatestUpdateSlot)
	}
	if len(b.Trades) != 1 || len(b.Snapshots) != 1 {
		t.Errorf("partition: %d trades, %d snapshots", len(b.Trades), len(b.Snapshots))
	}
	if len(b.Mints) != 1 || b.Mints[0] != "mintA" {
		t.Errorf("affected mints = %v", b.Mints)
	}
}

func TestWriterFlushDrainsAtMostBatchSize(t *testing.T) {
	t.Parallel()

	f := &fakeFlusher{}
	w := NewWriter(testBatchConfig(), f, metrics.New(), testLogger())

	for i := 0; i < 8; i++ {
		w.Enqueue(tradeItem(string(rune('a'+i)), "mint"))
	}

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := len(f.flushed()[0].Trades); got != 5 {
		t.Errorf("first flush drained %d trades, want batch size 5", got)
	}
	if w.QueueLen() != 3 {
		t.Errorf("queue depth after flush = %d, want 3", w.QueueLen())
	}
}

func TestWriterFailureRequeuesAtHead(t *testing.T) {
	t.Parallel()

	f := &fakeFlusher{fail: 1}
	w := NewWriter(testBatchConfig(), f, metrics.New(), testLogger())

	w.Enqueue(tradeItem("sig1", "mint"))
	w.Enqueue(tradeItem("sig2", "mint"))

	if err := w.Flush(context.Background()); err == nil {
		t.Fatal("Flush should surface the store error")
	}
	if w.QueueLen() != 2 {
		t.Fatalf("queue depth after failed flush = %d, want 2 (requeued)", w.QueueLen())
	}

	// Retry succeeds and preserves order.
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("retry Flush: %v", err)
	}
	b := f.flushed()[0]
	if len(b.Trades) != 2 || b.Trades[0].Signature != "sig1" || b.Trades[1].Signature != "sig2" {
		t.Errorf("retried batch out of order: %+v", b.Trades)
	}
}

func TestWriterRetriesExhaustedDropsBatch(t *testing.T) {
	t.Parallel()

	cfg := testBatchConfig()
	cfg.MaxFlushRetry = 2
	f := &fakeFlusher{fail: 10}
	w := NewWriter(cfg, f, metrics.New(), testLogger())

	w.Enqueue(tradeItem("sig1", "mint"))

	for i := 0; i < 3; i++ {
		w.Flush(context.Background())
	}
	if w.QueueLen() != 0 {
		t.Errorf("queue depth = %d, want 0 after retry budget exhausted", w.QueueLen())
	}
}

func TestWriterEmptyFlushIsNoOp(t *testing.T) {
	t.Parallel()

	f := &fakeFlusher{}
	w := NewWriter(testBatchConfig(), f, metrics.New(), testLogger())

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(f.flushed()) != 0 {
		t.Error("empty flush reached the flusher")
	}
}

func TestWriterFinalDrainOnShutdown(t *testing.T) {
	t.Parallel()

	f := &fakeFlusher{}
	cfg := testBatchConfig()
	w := NewWriter(cfg, f, metrics.New(), testLogger())

	for i := 0; i < 12; i++ {
		w.Enqueue(tradeItem(string(rune('a'+i)), "mint"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancellation")
	}

	total := 0
	for _, b := range f.flushed() {
		total += len(b.Trades)
	}
	if total != 12 {
		t.Errorf("final drain persisted %d trades, want 12", total)
	}
	if w.QueueLen() != 0 {
		t.Errorf("queue depth after shutdown = %d, want 0", w.QueueLen())
	}
}

func TestWriterSizeTriggerFiresEarly(t *testing.T) {
	t.Parallel()

	f := &fakeFlusher{}
	cfg := testBatchConfig() // interval is an hour, only the size trigger can fire
	w := NewWriter(cfg, f, metrics.New(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < cfg.Size; i++ {
		w.Enqueue(tradeItem(string(rune('a'+i)), "mint"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.flushed()) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("size trigger did not cause a flush")
}
