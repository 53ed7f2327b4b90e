package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
	"golang.org/x/time/rate"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/bus"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/config"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/metrics"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

// Priority orders monitor types for connection assignment, highest first.
type Priority int

const (
	PriorityBondingCurve Priority = iota
	PriorityAMMPool
	PriorityExternalAMM
	PriorityAccountWatch
)

// rebalanceThreshold is the per-connection registration count above which
// monitors get moved to less loaded connections.
const rebalanceThreshold = 3

// Spec describes one monitor's upstream interest. Filter maps are keyed by
// caller-chosen names; on merge, a later registration using the same name
// wins.
type Spec struct {
	Transactions map[string]*pb.SubscribeRequestFilterTransactions
	Accounts     map[string]*pb.SubscribeRequestFilterAccounts
	Slots        map[string]*pb.SubscribeRequestFilterSlots
	Blocks       map[string]*pb.SubscribeRequestFilterBlocks
	BlocksMeta   map[string]*pb.SubscribeRequestFilterBlocksMeta
	Entry        map[string]*pb.SubscribeRequestFilterEntry
}

type registration struct {
	monitorID string
	priority  Priority
	spec      Spec
	order     int // registration sequence, settles same-key merges
}

// Manager owns the upstream connection pool. Monitors register interest via
// SubscribeTo; the manager merges specs per connection, subscribes once per
// (re)connect, and republishes every received frame on the stream.data topic.
type Manager struct {
	cfg     config.StreamConfig
	dialer  Dialer
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	// writeLimit spaces outbound subscription writes across all connections.
	writeLimit *rate.Limiter

	mu      sync.Mutex
	regs    map[string]*registration
	assign  map[string]*connection
	conns   []*connection
	seq     int
	started bool

	runCtx context.Context
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewManager creates a stream manager. Connections open lazily on Start.
func NewManager(cfg config.StreamConfig, dialer Dialer, b *bus.Bus, m *metrics.Metrics, logger *slog.Logger) *Manager {
	minInterval := cfg.SubscribeMinInterval
	if minInterval <= 0 {
		minInterval = 2 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		dialer:     dialer,
		bus:        b,
		metrics:    m,
		logger:     logger.With("component", "stream_manager"),
		writeLimit: rate.NewLimiter(rate.Every(minInterval), 1),
		regs:       make(map[string]*registration),
		assign:     make(map[string]*connection),
	}
}

// SubscribeTo registers (or replaces) a monitor's subscription spec. Safe to
// call before Start or while running; a running connection resubscribes with
// the merged spec.
func (m *Manager) SubscribeTo(monitorID string, priority Priority, spec Spec) {
	m.mu.Lock()
	m.seq++
	reg := &registration{monitorID: monitorID, priority: priority, spec: spec, order: m.seq}
	m.regs[monitorID] = reg

	conn := m.assign[monitorID]
	if conn == nil {
		conn = m.pickConnLocked(priority)
		m.assign[monitorID] = conn
	}
	m.mu.Unlock()

	conn.requestResubscribe()
}

// pickConnLocked chooses (creating if necessary) the connection for a new
// registration: the least loaded one, preferring earlier pool slots so
// high-priority monitors registered first land on dedicated connections.
func (m *Manager) pickConnLocked(priority Priority) *connection {
	maxConns := m.cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}

	// Grow the pool while any slot is unused.
	if len(m.conns) < maxConns {
		c := m.newConnLocked()
		return c
	}

	best := m.conns[0]
	bestLoad := m.loadLocked(best)
	for _, c := range m.conns[1:] {
		if l := m.loadLocked(c); l < bestLoad {
			best, bestLoad = c, l
		}
	}
	return best
}

func (m *Manager) newConnLocked() *connection {
	c := &connection{
		id:     uuid.NewString(),
		m:      m,
		resub:  make(chan struct{}, 1),
		bounce: make(chan struct{}, 1),
	}
	c.healthy.Store(true)
	m.conns = append(m.conns, c)
	if m.started {
		m.wg.Add(1)
		go c.run(m.runCtx)
	}
	return c
}

func (m *Manager) loadLocked(c *connection) int {
	n := 0
	for _, assigned := range m.assign {
		if assigned == c {
			n++
		}
	}
	return n
}

// Start opens the pool and begins streaming. Returns immediately; streams
// run until Stop or ctx cancellation.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		cancel()
		return
	}
	m.started = true
	m.cancel = cancel
	m.runCtx = ctx
	conns := append([]*connection(nil), m.conns...)
	m.mu.Unlock()

	for _, c := range conns {
		m.wg.Add(1)
		go c.run(ctx)
	}

	m.wg.Add(1)
	go m.healthLoop(ctx)
}

// Stop cancels all streams and waits for their loops to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// healthLoop watches per-connection liveness and migrates monitors away from
// stalled connections, then rebalances uneven load.
func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(interval)
			m.rebalance()
		}
	}
}

func (m *Manager) checkHealth(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.conns {
		if !c.streaming.Load() {
			continue
		}
		last := time.Unix(0, c.lastFrame.Load())
		if time.Since(last) <= 2*interval {
			c.healthy.Store(true)
			continue
		}

		c.healthy.Store(false)
		target := m.healthiestOtherLocked(c)
		if target == nil {
			c.requestBounce()
			continue
		}

		moved := 0
		for id, assigned := range m.assign {
			if assigned == c {
				m.assign[id] = target
				moved++
			}
		}
		m.logger.Warn("connection failed health check, migrating monitors",
			"connection_id", c.id, "target", target.id, "monitors", moved)
		c.requestBounce()
		target.requestResubscribe()
	}
}

// rebalance moves the lowest-priority monitor off any connection whose
// registration count exceeds the threshold, when a clearly lighter healthy
// connection exists.
func (m *Manager) rebalance() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, heavy := range m.conns {
		if !heavy.healthy.Load() || m.loadLocked(heavy) <= rebalanceThreshold {
			continue
		}
		light := m.healthiestOtherLocked(heavy)
		if light == nil || m.loadLocked(light)+2 > m.loadLocked(heavy) {
			continue
		}

		var candidates []*registration
		for id, assigned := range m.assign {
			if assigned == heavy {
				candidates = append(candidates, m.regs[id])
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].priority > candidates[j].priority
		})
		if len(candidates) == 0 {
			continue
		}

		moved := candidates[0]
		m.assign[moved.monitorID] = light
		m.logger.Info("rebalanced monitor",
			"monitor", moved.monitorID, "from", heavy.id, "to", light.id)
		heavy.requestResubscribe()
		light.requestResubscribe()
	}
}

func (m *Manager) healthiestOtherLocked(exclude *connection) *connection {
	var best *connection
	bestLoad := 0
	for _, c := range m.conns {
		if c == exclude || !c.healthy.Load() {
			continue
		}
		if l := m.loadLocked(c); best == nil || l < bestLoad {
			best, bestLoad = c, l
		}
	}
	return best
}

// buildRequest merges the specs of every monitor assigned to conn into one
// subscribe request. Same-name filter keys resolve to the latest
// registration.
func (m *Manager) buildRequest(conn *connection) *pb.SubscribeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var regs []*registration
	for id, assigned := range m.assign {
		if assigned == conn {
			regs = append(regs, m.regs[id])
		}
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].order < regs[j].order })

	commitment := commitmentLevel(m.cfg.Commitment)
	req := &pb.SubscribeRequest{
		Transactions: make(map[string]*pb.SubscribeRequestFilterTransactions),
		Accounts:     make(map[string]*pb.SubscribeRequestFilterAccounts),
		Slots:        make(map[string]*pb.SubscribeRequestFilterSlots),
		Blocks:       make(map[string]*pb.SubscribeRequestFilterBlocks),
		BlocksMeta:   make(map[string]*pb.SubscribeRequestFilterBlocksMeta),
		Entry:        make(map[string]*pb.SubscribeRequestFilterEntry),
		Commitment:   &commitment,
	}
	for _, reg := range regs {
		for k, v := range reg.spec.Transactions {
			req.Transactions[k] = v
		}
		for k, v := range reg.spec.Accounts {
			req.Accounts[k] = v
		}
		for k, v := range reg.spec.Slots {
			req.Slots[k] = v
		}
		for k, v := range reg.spec.Blocks {
			req.Blocks[k] = v
		}
		for k, v := range reg.spec.BlocksMeta {
			req.BlocksMeta[k] = v
		}
		for k, v := range reg.spec.Entry {
			req.Entry[k] = v
		}
	}
	return req
}

// hasAssignments reports whether conn currently carries any monitor.
func (m *Manager) hasAssignments(conn *connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, assigned := range m.assign {
		if assigned == conn {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Connection
// ————————————————————————————————————————————————————————————————————————

type connection struct {
	id string
	m  *Manager

	resub  chan struct{} // coalesced resubscribe requests
	bounce chan struct{} // health checker forcing a reconnect

	streaming atomic.Bool
	healthy   atomic.Bool
	lastFrame atomic.Int64 // unix nanos of the last received frame
}

func (c *connection) requestResubscribe() {
	select {
	case c.resub <- struct{}{}:
	default:
	}
}

func (c *connection) requestBounce() {
	select {
	case c.bounce <- struct{}{}:
	default:
	}
}

var errHealthBounce = errors.New("connection bounced by health checker")

func (c *connection) run(ctx context.Context) {
	defer c.m.wg.Done()

	log := c.m.logger.With("connection_id", c.id)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		subscribed, err := c.session(ctx, log)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			attempt = 0
		}
		attempt++

		wait := reconnectWait(attempt, err, c.m.cfg.ReconnectDelay, c.m.cfg.MaxReconnectDelay)
		c.m.metrics.Reconnects.WithLabelValues(c.id).Inc()
		log.Warn("stream disconnected, reconnecting", "error", err, "attempt", attempt, "wait", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// session runs one connect/subscribe/receive cycle. Returns whether the
// subscription write was acknowledged (succeeded), and the terminating error.
func (c *connection) session(ctx context.Context, log *slog.Logger) (bool, error) {
	if !c.m.hasAssignments(c) {
		// Nothing to subscribe yet; wait for a registration or shutdown.
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-c.resub:
		}
	}

	// The stream lives on sessCtx, not the manager ctx, so a health bounce
	// can cancel it and unblock a Recv parked on a stalled transport.
	sessCtx, cancelSess := context.WithCancel(ctx)
	defer cancelSess()

	stream, closeConn, err := c.m.dialer.Dial(sessCtx)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer closeConn()

	if err := c.m.writeLimit.Wait(sessCtx); err != nil {
		return false, err
	}
	if err := stream.Send(c.m.buildRequest(c)); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	log.Info("subscribed")
	c.streaming.Store(true)
	c.lastFrame.Store(time.Now().UnixNano())
	defer c.streaming.Store(false)

	// Writer side: coalesced resubscribes and health bounces.
	errCh := make(chan error, 1)
	go func() {
		for {
			select {
			case <-sessCtx.Done():
				return
			case <-c.bounce:
				errCh <- errHealthBounce
				cancelSess()
				return
			case <-c.resub:
				if err := c.m.writeLimit.Wait(sessCtx); err != nil {
					return
				}
				if err := stream.Send(c.m.buildRequest(c)); err != nil {
					errCh <- fmt.Errorf("resubscribe: %w", err)
					cancelSess()
					return
				}
				log.Info("resubscribed with merged filters")
			}
		}
	}()

	for {
		select {
		case err := <-errCh:
			return true, err
		default:
		}

		frame, err := stream.Recv()
		if err != nil {
			// A writer-side failure cancelled the session; report its error
			// rather than the induced recv one.
			select {
			case werr := <-errCh:
				return true, werr
			default:
			}
			// Teardown races with reconnects; a premature close is routine.
			return true, fmt.Errorf("recv: %w", err)
		}

		c.lastFrame.Store(time.Now().UnixNano())
		c.healthy.Store(true)

		if ping := frame.GetPing(); ping != nil {
			if err := stream.Send(&pb.SubscribeRequest{Ping: &pb.SubscribeRequestPing{Id: 1}}); err != nil {
				return true, fmt.Errorf("pong: %w", err)
			}
			continue
		}
		if frame.GetPong() != nil {
			continue
		}

		c.m.metrics.FramesReceived.WithLabelValues(c.id).Inc()
		c.m.bus.StreamData.Publish(types.StreamFrame{ConnectionID: c.id, Update: frame})
	}
}
