package rmwadapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"
)

// ContextState is the lifecycle state of a Context, advanced strictly
// forward: Uninitialized -> Running -> ShuttingDown -> Shutdown.
type ContextState uint8

const (
	ContextUninitialized ContextState = iota
	ContextRunning
	ContextShuttingDown
	ContextShutdown
)

func (s ContextState) String() string {
	switch s {
	case ContextUninitialized:
		return "uninitialized"
	case ContextRunning:
		return "running"
	case ContextShuttingDown:
		return "shutting_down"
	case ContextShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Context is the top-level session handle: one transportSession, one
// graph cache, one SHM provider and buffer pool, shared by every Node
// created underneath it. Lock order below the top-level mu is always
// Context -> Node -> Entity -> graphCache, matching the teacher's
// Fabric -> nameDirectory nesting.
type Context struct {
	zid    ZenohID
	cfg    *config
	logger *slog.Logger
	msink  metrics.MetricSink

	session *transportSession
	graph   *graphCache
	guard   *guardCondition
	shm     *shmProvider
	bufPool *bufferPool

	mu          sync.Mutex
	state       ContextState
	nextEntity  atomic.Uint64
	nextNodeID  atomic.Uint64
	localTokens map[string]struct{} // raw key expressions this process owns
	nodes       map[uint64]*Node    // every Node created under this Context, keyed by node id

	services map[string]*serviceRegistration
	subsMu   sync.RWMutex
	subs     map[string][]*Subscription

	pubsMu  sync.RWMutex
	pubsGID map[GID]*Publisher

	shutdownOnce sync.Once
}

// serviceRegistration lets the session's serf-query dispatcher route an
// inbound queryable call to the right Service engine without the
// session package depending on service.go.
type serviceRegistration struct {
	keyExpr string
	handler serviceCallHandler
}

// OpenContext runs the full lifecycle described in §4.10: load config,
// generate a session id, open the transport session, poll for a router,
// build the SHM provider, prime the graph cache with a blocking
// liveliness get, and declare the liveliness subscriber that keeps it
// current from then on.
func OpenContext(opts ...Option) (*Context, error) {
	cfg, err := newConfig()
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	}

	zid, err := newZenohID()
	if err != nil {
		return nil, err
	}

	logger := slog.Default()
	if cfg.logHandler != nil {
		logger = slog.New(cfg.logHandler)
	}
	var msink metrics.MetricSink = metrics.Default()
	if cfg.msink != nil {
		msink = cfg.msink
	}

	c := &Context{
		zid:         zid,
		cfg:         cfg,
		logger:      logger,
		msink:       msink,
		guard:       newGuardCondition(),
		shm:         newSHMProvider(cfg.transport.SHMEnabled, cfg.transport.SHMThresholdBytes),
		bufPool:     newBufferPool(cfg.transport.BufferPoolCapBytes),
		localTokens: make(map[string]struct{}),
		nodes:       make(map[uint64]*Node),
		services:    make(map[string]*serviceRegistration),
		subs:        make(map[string][]*Subscription),
		pubsGID:     make(map[GID]*Publisher),
	}
	c.graph = newGraphCache(logger, msink, c.guard)

	serfCfg := serf.DefaultConfig()
	serfCfg.MemberlistConfig = cfg.mlCfg

	sessCfg := sessionConfig{
		serfCfg:    serfCfg,
		neighbours: cfg.transport.RouterEndpoints,
		logHandler: cfg.logHandler,
		msink:      msink,
		quicCfg: quicFabricConfig{
			BindAddr:  cfg.transport.BindAddr,
			BindPort:  cfg.transport.BindPort,
			TLSConfig: cfg.tlsConfig,
		},
	}

	session, err := openSession(
		zid,
		sessCfg,
		c.onTokenPut,
		c.onTokenDel,
		c.onDataFrame,
		c.dispatchServiceCall,
	)
	if err != nil {
		return nil, err
	}
	c.session = session
	session.onQueryGraphSnapshot = c.localTokensSnapshot
	session.onHistoryPull = c.dispatchHistoryPull

	if err := session.setLocalTag("quic_addr", session.localAddr()); err != nil {
		c.logger.Warn("failed to advertise quic address", LabelError.L(err))
	}

	c.bootstrapRouter()

	if err := c.primeGraphCache(); err != nil {
		c.logger.Warn("graph cache priming failed", LabelError.L(err))
	}

	c.mu.Lock()
	c.state = ContextRunning
	c.mu.Unlock()

	return c, nil
}

// bootstrapRouter polls memberlist membership at 1Hz up to
// BootstrapAttempts times, demoting a full timeout to a warning: the
// Context proceeds routerless rather than failing OpenContext.
func (c *Context) bootstrapRouter() {
	if len(c.cfg.transport.RouterEndpoints) == 0 {
		return
	}
	interval := c.cfg.transport.bootstrapInterval()
	attempts := c.cfg.transport.BootstrapAttempts
	if attempts <= 0 {
		attempts = 1
	}

	start := time.Now()
	for i := 0; i < attempts; i++ {
		if c.session.memberCount() > 1 {
			metrics.MeasureSinceWithLabels(MetricRouterBootstrapWait, start, nil)
			return
		}
		time.Sleep(interval)
	}
	c.logger.Warn("router bootstrap timed out, continuing routerless",
		LabelError.L(ErrTimeout), "attempts", attempts)
}

// primeGraphCache issues one blocking graph_snapshot query and ingests
// every returned peer's local token list, giving the graph cache the
// same "already knows about existing entities" guarantee a real
// blocking liveliness get provides.
func (c *Context) primeGraphCache() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snapshots, err := c.session.querySnapshot(ctx)
	if err != nil {
		return err
	}
	for _, snap := range snapshots {
		for _, key := range splitTokenList(snap) {
			c.graph.ingestPut(key)
		}
	}
	return nil
}

func splitTokenList(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}
	var out []string
	start := 0
	for i, b := range payload {
		if b == '\n' {
			out = append(out, string(payload[start:i]))
			start = i + 1
		}
	}
	if start < len(payload) {
		out = append(out, string(payload[start:]))
	}
	return out
}

func (c *Context) localTokensSnapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var buf []byte
	for key := range c.localTokens {
		buf = append(buf, []byte(key)...)
		buf = append(buf, '\n')
	}
	return buf
}

func (c *Context) onTokenPut(keyExpr string) {
	c.graph.ingestPut(keyExpr)
}

func (c *Context) onTokenDel(keyExpr string) {
	c.graph.ingestDel(keyExpr)
}

func (c *Context) onDataFrame(f wireFrame) {
	c.subsMu.RLock()
	subs := c.subs[f.keyExpr]
	c.subsMu.RUnlock()
	for _, s := range subs {
		s.deliver(f.attachment, f.payload)
	}
}

// registerSubscription makes a Subscription reachable from inbound
// data-plane frames addressed to topic.
func (c *Context) registerSubscription(topic string, s *Subscription) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs[topic] = append(c.subs[topic], s)
}

func (c *Context) unregisterSubscription(topic string, s *Subscription) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	list := c.subs[topic]
	for i, cur := range list {
		if cur == s {
			c.subs[topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.subs[topic]) == 0 {
		delete(c.subs, topic)
	}
}

// registerService makes a Service reachable from inbound serf queries
// addressed to its service name.
func (c *Context) registerService(name string, handler serviceCallHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = &serviceRegistration{keyExpr: name, handler: handler}
}

func (c *Context) unregisterService(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.services, name)
}

// registerPublisher makes p's cache reachable by GID for a remote
// transient-local subscriber's history-pull query.
func (c *Context) registerPublisher(p *Publisher) {
	c.pubsMu.Lock()
	defer c.pubsMu.Unlock()
	c.pubsGID[p.GID()] = p
}

func (c *Context) unregisterPublisher(gid GID) {
	c.pubsMu.Lock()
	defer c.pubsMu.Unlock()
	delete(c.pubsGID, gid)
}

// dispatchHistoryPull answers a remote history-pull request for the
// publisher identified by gid with its full retained cache.
func (c *Context) dispatchHistoryPull(gid GID) ([]pubCacheEntry, error) {
	c.pubsMu.RLock()
	p, ok := c.pubsGID[gid]
	c.pubsMu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return p.serveHistorical(), nil
}

// dispatchServiceCall implements serviceCallHandler: it is handed
// directly to openSession so the gossip layer can route an inbound
// queryable call without importing service.go.
func (c *Context) dispatchServiceCall(keyExpr string, attachment, payload []byte, respond func(attachment, payload []byte) error) {
	c.mu.Lock()
	reg, ok := c.services[keyExpr]
	c.mu.Unlock()
	if !ok {
		return
	}
	reg.handler(keyExpr, attachment, payload, respond)
}

// declareLiveliness registers d's key expression as owned by this
// process (so a future graph_snapshot query answers with it) and
// gossips its PUT to the rest of the mesh.
func (c *Context) declareLiveliness(d EntityDescriptor) (string, error) {
	key := formatKey(d)
	c.mu.Lock()
	if c.state != ContextRunning {
		c.mu.Unlock()
		return "", ErrShutdown
	}
	c.localTokens[key] = struct{}{}
	c.mu.Unlock()

	if err := c.session.declareToken(key); err != nil {
		c.mu.Lock()
		delete(c.localTokens, key)
		c.mu.Unlock()
		return "", err
	}
	c.graph.ingestPut(key)
	return key, nil
}

func (c *Context) undeclareLiveliness(key string) error {
	c.mu.Lock()
	delete(c.localTokens, key)
	c.mu.Unlock()
	c.graph.ingestDel(key)
	return c.session.withdrawToken(key)
}

// registerNode records n so Close can drop it (and everything it owns)
// during shutdown.
func (c *Context) registerNode(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[n.id] = n
}

func (c *Context) unregisterNode(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, id)
}

func (c *Context) allocEntityID() uint64 {
	return c.nextEntity.Add(1)
}

func (c *Context) allocNodeID() uint64 {
	return c.nextNodeID.Add(1)
}

// State reports the current lifecycle state.
func (c *Context) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GID returns the session-scoped identifier used as the ZID field of
// every entity descriptor this Context declares.
func (c *Context) GID() ZenohID {
	return c.zid
}

// Graph exposes the read side of the entity/liveliness graph so a Node
// can implement ROS graph introspection calls (get_topic_names_and_types
// and friends).
func (c *Context) Graph() *graphCache {
	return c.graph
}

// Close runs the shutdown ordering from §4.10: mark ShuttingDown, drop
// every Node (which drops its endpoints, which undeclare their
// liveliness tokens), withdraw whatever tokens remain, then drop the
// transport session without holding c.mu across the drop so a
// concurrent late callback never deadlocks against Close.
func (c *Context) Close() error {
	var closeErr error
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.state = ContextShuttingDown
		nodes := make([]*Node, 0, len(c.nodes))
		for _, n := range c.nodes {
			nodes = append(nodes, n)
		}
		c.mu.Unlock()

		for _, n := range nodes {
			n.Shutdown()
		}

		c.mu.Lock()
		tokens := make([]string, 0, len(c.localTokens))
		for k := range c.localTokens {
			tokens = append(tokens, k)
		}
		c.mu.Unlock()

		for _, k := range tokens {
			if err := c.session.withdrawToken(k); err != nil {
				c.logger.Warn("failed to withdraw token on shutdown", LabelError.L(err))
			}
		}

		closeErr = c.session.close()

		c.mu.Lock()
		c.state = ContextShutdown
		c.mu.Unlock()
		c.guard.trigger()
	})
	return closeErr
}
