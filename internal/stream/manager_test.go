package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/bus"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/config"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/metrics"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		Endpoint:             "http://localhost:10000",
		Commitment:           "confirmed",
		MaxConnections:       1,
		ReconnectDelay:       time.Millisecond,
		MaxReconnectDelay:    10 * time.Millisecond,
		SubscribeMinInterval: time.Millisecond,
		HealthCheckInterval:  time.Hour,
	}
}

// fakeStream replays scripted frames, then fails Recv with err.
type fakeStream struct {
	ctx    context.Context
	frames chan *pb.SubscribeUpdate
	err    error

	mu   sync.Mutex
	sent []*pb.SubscribeRequest
}

func newFakeStream(ctx context.Context, frames ...*pb.SubscribeUpdate) *fakeStream {
	ch := make(chan *pb.SubscribeUpdate, len(frames))
	for _, f := range frames {
		ch <- f
	}
	close(ch)
	return &fakeStream{ctx: ctx, frames: ch, err: io.EOF}
}

func (f *fakeStream) Send(req *pb.SubscribeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeStream) Recv() (*pb.SubscribeUpdate, error) {
	select {
	case <-f.ctx.Done():
		return nil, f.ctx.Err()
	case frame, ok := <-f.frames:
		if !ok {
			return nil, f.err
		}
		return frame, nil
	}
}

func (f *fakeStream) sentRequests() []*pb.SubscribeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*pb.SubscribeRequest(nil), f.sent...)
}

// fakeDialer hands out scripted streams in order, blocking further dials
// once the script is exhausted.
type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	dials   int
}

func (d *fakeDialer) Dial(ctx context.Context) (Stream, func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.streams) == 0 {
		return nil, nil, errors.New("no upstream available")
	}
	s := d.streams[0]
	d.streams = d.streams[1:]
	s.ctx = ctx
	return s, func() {}, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func txSpec(name, program string) Spec {
	return Spec{
		Transactions: map[string]*pb.SubscribeRequestFilterTransactions{
			name: {AccountInclude: []string{program}},
		},
	}
}

func TestManagerMergesRegistrationsIntoOneSubscribe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stream := newFakeStream(ctx)
	dialer := &fakeDialer{streams: []*fakeStream{stream}}
	m := NewManager(testStreamConfig(), dialer, bus.New(testLogger()), metrics.New(), testLogger())

	m.SubscribeTo("bc_monitor", PriorityBondingCurve, txSpec("bc_txs", types.BondingCurveProgramID))
	m.SubscribeTo("amm_monitor", PriorityAMMPool, Spec{
		Transactions: map[string]*pb.SubscribeRequestFilterTransactions{
			"amm_txs": {AccountInclude: []string{types.AMMProgramID}},
		},
		Accounts: map[string]*pb.SubscribeRequestFilterAccounts{
			"amm_accounts": {Owner: []string{types.AMMProgramID}},
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.Start(runCtx)
	defer m.Stop()

	waitFor(t, time.Second, func() bool { return len(stream.sentRequests()) >= 1 })

	req := stream.sentRequests()[0]
	if len(req.Transactions) != 2 {
		t.Fatalf("merged request has %d transaction filters, want 2", len(req.Transactions))
	}
	if _, ok := req.Transactions["bc_txs"]; !ok {
		t.Error("bc_txs filter missing from merged request")
	}
	if _, ok := req.Transactions["amm_txs"]; !ok {
		t.Error("amm_txs filter missing from merged request")
	}
	if _, ok := req.Accounts["amm_accounts"]; !ok {
		t.Error("amm_accounts filter missing from merged request")
	}
	if req.Commitment == nil || *req.Commitment != pb.CommitmentLevel_CONFIRMED {
		t.Error("merged request missing confirmed commitment")
	}
}

func TestManagerSameFilterNameLastWriterWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stream := newFakeStream(ctx)
	dialer := &fakeDialer{streams: []*fakeStream{stream}}
	m := NewManager(testStreamConfig(), dialer, bus.New(testLogger()), metrics.New(), testLogger())

	m.SubscribeTo("first", PriorityBondingCurve, txSpec("shared", types.BondingCurveProgramID))
	m.SubscribeTo("second", PriorityBondingCurve, txSpec("shared", types.AMMProgramID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.Start(runCtx)
	defer m.Stop()

	waitFor(t, time.Second, func() bool { return len(stream.sentRequests()) >= 1 })

	filter := stream.sentRequests()[0].Transactions["shared"]
	if filter == nil || len(filter.AccountInclude) != 1 || filter.AccountInclude[0] != types.AMMProgramID {
		t.Errorf("shared filter = %+v, want the later registration's program", filter)
	}
}

func TestManagerFansOutFramesInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	frames := []*pb.SubscribeUpdate{
		{UpdateOneof: &pb.SubscribeUpdate_Slot{Slot: &pb.SubscribeUpdateSlot{Slot: 1}}},
		{UpdateOneof: &pb.SubscribeUpdate_Ping{Ping: &pb.SubscribeUpdatePing{}}},
		{UpdateOneof: &pb.SubscribeUpdate_Slot{Slot: &pb.SubscribeUpdateSlot{Slot: 2}}},
		{UpdateOneof: &pb.SubscribeUpdate_Slot{Slot: &pb.SubscribeUpdateSlot{Slot: 3}}},
	}
	stream := newFakeStream(ctx, frames...)
	dialer := &fakeDialer{streams: []*fakeStream{stream}}

	b := bus.New(testLogger())
	var mu sync.Mutex
	var got []types.StreamFrame
	b.StreamData.Subscribe(func(f types.StreamFrame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})

	m := NewManager(testStreamConfig(), dialer, b, metrics.New(), testLogger())
	m.SubscribeTo("bc_monitor", PriorityBondingCurve, txSpec("bc_txs", types.BondingCurveProgramID))

	runCtx, cancel := context.WithCancel(ctx)
	m.Start(runCtx)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	})
	cancel()
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	// Ping is answered, never republished; slot frames keep arrival order.
	if len(got) != 3 {
		t.Fatalf("republished %d frames, want 3", len(got))
	}
	for i, want := range []uint64{1, 2, 3} {
		if got[i].Update.GetSlot().GetSlot() != want {
			t.Errorf("frame %d slot = %d, want %d", i, got[i].Update.GetSlot().GetSlot(), want)
		}
	}
	for _, f := range got {
		if f.ConnectionID == "" {
			t.Error("frame envelope missing connection id")
		}
	}

	// Pong reply went back upstream.
	var pong bool
	for _, req := range stream.sentRequests() {
		if req.Ping != nil {
			pong = true
		}
	}
	if !pong {
		t.Error("ping was not answered with a pong")
	}
}

func TestManagerReconnectsAfterStreamFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	first := newFakeStream(ctx)
	second := newFakeStream(ctx)
	dialer := &fakeDialer{streams: []*fakeStream{first, second}}

	m := NewManager(testStreamConfig(), dialer, bus.New(testLogger()), metrics.New(), testLogger())
	m.SubscribeTo("bc_monitor", PriorityBondingCurve, txSpec("bc_txs", types.BondingCurveProgramID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.Start(runCtx)
	defer m.Stop()

	waitFor(t, time.Second, func() bool { return dialer.dialCount() >= 2 })
	waitFor(t, time.Second, func() bool { return len(second.sentRequests()) >= 1 })
}

func TestBouncedConnectionRedials(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	// The first stream never delivers a frame; its Recv parks until the
	// session is torn down.
	stalled := &fakeStream{frames: make(chan *pb.SubscribeUpdate), err: io.EOF}
	replacement := newFakeStream(ctx)
	dialer := &fakeDialer{streams: []*fakeStream{stalled, replacement}}

	m := NewManager(testStreamConfig(), dialer, bus.New(testLogger()), metrics.New(), testLogger())
	m.SubscribeTo("bc_monitor", PriorityBondingCurve, txSpec("bc_txs", types.BondingCurveProgramID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.Start(runCtx)
	defer m.Stop()

	waitFor(t, time.Second, func() bool { return len(stalled.sentRequests()) >= 1 })

	m.mu.Lock()
	conn := m.conns[0]
	m.mu.Unlock()
	conn.requestBounce()

	// The bounce must unpark the blocked Recv and drive a fresh dial that
	// resubscribes on the replacement stream.
	waitFor(t, time.Second, func() bool { return dialer.dialCount() >= 2 })
	waitFor(t, time.Second, func() bool { return len(replacement.sentRequests()) >= 1 })
}

func TestReconnectWaitSchedule(t *testing.T) {
	t.Parallel()

	base, max := 5*time.Second, 60*time.Second
	generic := errors.New("recv: stream ended")

	tests := []struct {
		name    string
		attempt int
		err     error
		want    time.Duration
	}{
		{"first attempt", 1, generic, 5 * time.Second},
		{"doubles", 2, generic, 10 * time.Second},
		{"keeps doubling", 4, generic, 40 * time.Second},
		{"caps at max", 6, generic, 60 * time.Second},
		{"way past cap", 20, generic, 60 * time.Second},
		{"resource exhausted is fixed 60s", 1, status.Error(codes.ResourceExhausted, "too many subscriptions"), 60 * time.Second},
		{"max subscriptions text form", 3, errors.New("recv: max subscriptions reached"), 60 * time.Second},
		{"underscore code in message text", 3, fmt.Errorf("recv: %w", errors.New("RESOURCE_EXHAUSTED: Maximum subscription count reached")), 60 * time.Second},
		{"permission denied is fixed 300s", 1, status.Error(codes.PermissionDenied, "connection limit"), 300 * time.Second},
		{"underscore permission denied text", 2, errors.New("recv: PERMISSION_DENIED: token not allowed"), 300 * time.Second},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := reconnectWait(tc.attempt, tc.err, base, max); got != tc.want {
				t.Errorf("reconnectWait(%d, %v) = %v, want %v", tc.attempt, tc.err, got, tc.want)
			}
		})
	}
}

func TestManagerPoolAssignsAcrossConnections(t *testing.T) {
	t.Parallel()

	cfg := testStreamConfig()
	cfg.MaxConnections = 2
	dialer := &fakeDialer{}
	m := NewManager(cfg, dialer, bus.New(testLogger()), metrics.New(), testLogger())

	m.SubscribeTo("bc_monitor", PriorityBondingCurve, txSpec("bc_txs", types.BondingCurveProgramID))
	m.SubscribeTo("amm_monitor", PriorityAMMPool, txSpec("amm_txs", types.AMMProgramID))

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) != 2 {
		t.Fatalf("pool size = %d, want 2", len(m.conns))
	}
	if m.assign["bc_monitor"] == m.assign["amm_monitor"] {
		t.Error("monitors share a connection while pool slots remain free")
	}
}
