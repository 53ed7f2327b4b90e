// Package monitor hosts the specialized graduation watchers: pool creation
// on the AMM program and bonding-curve completion via a memcmp-filtered
// account subscription. Each keeps its own upstream registration and a
// short-TTL seen-set so upstream redelivery never double-fires graduation.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/bus"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/metrics"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/parser"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/stream"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

// Registrar is the stream-manager slice monitors need; satisfied by
// stream.Manager.
type Registrar interface {
	SubscribeTo(monitorID string, priority stream.Priority, spec stream.Spec)
}

// GraduationSink receives deduplicated graduation-path events; satisfied by
// handler.Handler.
type GraduationSink interface {
	HandlePoolCreated(ctx context.Context, ev types.PoolCreatedEvent)
	HandleAccountUpdate(ctx context.Context, ev types.BCAccountUpdateEvent)
}

// seenTTL is how long a signature or curve key suppresses redelivery.
const seenTTL = 10 * time.Minute

// ttlSet is a small expiring membership set.
type ttlSet struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

func newTTLSet(ttl time.Duration) *ttlSet {
	return &ttlSet{ttl: ttl, now: time.Now, entries: make(map[string]time.Time)}
}

// Seen records key and reports whether it was already present (and fresh).
// Expired entries are pruned opportunistically.
func (s *ttlSet) Seen(key string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if at, ok := s.entries[key]; ok && now.Sub(at) < s.ttl {
		return true
	}
	s.entries[key] = now

	if len(s.entries) > 4096 {
		for k, at := range s.entries {
			if now.Sub(at) >= s.ttl {
				delete(s.entries, k)
			}
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Pool-creation monitor
// ————————————————————————————————————————————————————————————————————————

// PoolCreation watches AMM create_pool instructions and forwards each pool's
// first sighting to the graduation sink.
type PoolCreation struct {
	sink    GraduationSink
	metrics *metrics.Metrics
	logger  *slog.Logger
	seen    *ttlSet
}

// NewPoolCreation creates the monitor.
func NewPoolCreation(sink GraduationSink, m *metrics.Metrics, logger *slog.Logger) *PoolCreation {
	return &PoolCreation{
		sink:    sink,
		metrics: m,
		logger:  logger.With("component", "pool_creation_monitor"),
		seen:    newTTLSet(seenTTL),
	}
}

// Register adds the upstream transaction subscription and the bus wiring.
// ctx bounds the lifetime of forwarded work.
func (p *PoolCreation) Register(ctx context.Context, reg Registrar, b *bus.Bus) {
	reg.SubscribeTo("pool_creation", stream.PriorityAMMPool, stream.Spec{
		Transactions: map[string]*pb.SubscribeRequestFilterTransactions{
			"amm_pool_creation": {
				AccountInclude: []string{types.AMMProgramID},
			},
		},
	})

	b.PoolCreated.Subscribe(func(ev types.PoolCreatedEvent) {
		if p.seen.Seen(ev.Signature) {
			p.metrics.MonitorDuplicate.WithLabelValues("pool_creation").Inc()
			return
		}
		p.logger.Info("pool created",
			"pool", ev.PoolAddress, "mint", ev.BaseMint, "creator", ev.Creator, "slot", ev.Slot)
		p.sink.HandlePoolCreated(ctx, ev)
	})
}

// ————————————————————————————————————————————————————————————————————————
// Curve-completion monitor
// ————————————————————————————————————————————————————————————————————————

// CurveCompletion watches bonding-curve accounts whose complete flag flipped
// to true, using an upstream memcmp filter at the flag's byte offset so only
// completed curves are delivered at all.
type CurveCompletion struct {
	sink    GraduationSink
	metrics *metrics.Metrics
	logger  *slog.Logger
	seen    *ttlSet
}

// NewCurveCompletion creates the monitor.
func NewCurveCompletion(sink GraduationSink, m *metrics.Metrics, logger *slog.Logger) *CurveCompletion {
	return &CurveCompletion{
		sink:    sink,
		metrics: m,
		logger:  logger.With("component", "curve_completion_monitor"),
		seen:    newTTLSet(seenTTL),
	}
}

// Register adds the memcmp-filtered account subscription and the bus wiring.
func (c *CurveCompletion) Register(ctx context.Context, reg Registrar, b *bus.Bus) {
	reg.SubscribeTo("curve_completion", stream.PriorityAccountWatch, stream.Spec{
		Accounts: map[string]*pb.SubscribeRequestFilterAccounts{
			"bc_completed_accounts": {
				Owner: []string{types.BondingCurveProgramID},
				Filters: []*pb.SubscribeRequestFilterAccountsFilter{
					{
						Filter: &pb.SubscribeRequestFilterAccountsFilter_Memcmp{
							Memcmp: &pb.SubscribeRequestFilterAccountsFilterMemcmp{
								Offset: parser.CompleteFieldOffset,
								Data: &pb.SubscribeRequestFilterAccountsFilterMemcmp_Bytes{
									Bytes: []byte{1},
								},
							},
						},
					},
				},
			},
		},
	})

	b.BCAccountUpdate.Subscribe(func(ev types.BCAccountUpdateEvent) {
		if !ev.Complete {
			return
		}
		if c.seen.Seen(ev.BondingCurveKey) {
			c.metrics.MonitorDuplicate.WithLabelValues("curve_completion").Inc()
			return
		}
		c.logger.Info("bonding curve completed", "curve_key", ev.BondingCurveKey, "slot", ev.Slot)
		c.sink.HandleAccountUpdate(ctx, ev)
	})
}
