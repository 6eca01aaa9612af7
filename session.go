package rmwadapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"
)

const (
	eventLiveliness  = "liveliness"
	queryGraphSnap   = "graph_snapshot"
	queryServiceCall = "svc_call"
	queryHistoryPull = "history_pull"
)

// unboundedQueryTimeout stands in for "no timeout" on a serf.Query,
// which requires a concrete duration. Client RPC calls and
// transient-local history pulls are unbounded per §4.6/§4.8 absent an
// explicit caller deadline; watchQueryContext still lets ctx
// cancellation close the query early.
const unboundedQueryTimeout = 365 * 24 * time.Hour

// watchQueryContext closes resp as soon as ctx is done, so a caller
// deadline or cancellation still cuts a query short even though its
// serf.QueryParam.Timeout was set to unboundedQueryTimeout.
func watchQueryContext(ctx context.Context, resp *serf.QueryResponse) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			resp.Close()
		case <-time.After(time.Until(resp.Deadline())):
		}
	}()
}

// tokenOp distinguishes a liveliness declaration from a withdrawal in
// the gossiped UserEvent payload.
type tokenOp byte

const (
	tokenOpPut tokenOp = iota
	tokenOpDel
)

func encodeTokenEvent(op tokenOp, keyExpr string) []byte {
	return append([]byte{byte(op)}, []byte(keyExpr)...)
}

func decodeTokenEvent(payload []byte) (tokenOp, string, error) {
	if len(payload) == 0 {
		return 0, "", fmt.Errorf("%w: empty liveliness event", ErrMalformedToken)
	}
	return tokenOp(payload[0]), string(payload[1:]), nil
}

// serviceCallHandler routes an inbound queryable call to the Service
// engine registered for keyExpr. It must not block: a Service enqueues
// the request and returns immediately, storing respond for its
// take_request/send_response cycle to call later, possibly out of
// arrival order and possibly after other requests are answered first.
type serviceCallHandler func(keyExpr string, attachment, payload []byte, respond func(attachment, payload []byte) error)

// sessionConfig mirrors the teacher's Fabric config surface, trimmed to
// what a Context needs to open a mesh session.
type sessionConfig struct {
	serfCfg    *serf.Config
	neighbours []string
	logHandler slog.Handler
	msink      metrics.MetricSink
	quicCfg    quicFabricConfig
}

// transportSession is the gossip-plus-data-plane substrate a Context
// opens exactly once. It owns the serf agent (liveliness propagation
// and queryable RPC) and the quicFabric (publish sample delivery),
// following the two-phase shutdown discipline of the teacher's Fabric:
// leave the cluster first, then drop local resources.
type transportSession struct {
	cfg    sessionConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	serf    *serf.Serf
	eventCh chan serf.Event
	quic    *quicFabric

	localZID  ZenohID
	localName string

	onTokenPut           func(keyExpr string)
	onTokenDel           func(keyExpr string)
	onDataFrame          func(wireFrame)
	serviceCallFn        serviceCallHandler
	onQueryGraphSnapshot func() []byte
	onHistoryPull        func(gid GID) ([]pubCacheEntry, error)

	mu         sync.Mutex
	shutdown   bool
	shutdownCh chan struct{}
	dropCh     chan struct{}
	wg         sync.WaitGroup
}

// openSession constructs and starts the gossip and data-plane layers.
// onTokenPut/onTokenDel are invoked as liveliness UserEvents arrive;
// onDataFrame is invoked as publish frames arrive over QUIC.
func openSession(
	zid ZenohID,
	cfg sessionConfig,
	onTokenPut, onTokenDel func(string),
	onDataFrame func(wireFrame),
	serviceCallFn serviceCallHandler,
) (*transportSession, error) {
	ts := &transportSession{
		cfg:           cfg,
		localZID:      zid,
		eventCh:       make(chan serf.Event, 512),
		onTokenPut:    onTokenPut,
		onTokenDel:    onTokenDel,
		onDataFrame:   onDataFrame,
		serviceCallFn: serviceCallFn,
		shutdownCh:    make(chan struct{}),
		dropCh:        make(chan struct{}),
	}

	if cfg.logHandler != nil {
		ts.logger = slog.New(cfg.logHandler)
	} else {
		ts.logger = slog.Default()
	}
	if cfg.msink != nil {
		ts.msink = cfg.msink
	} else {
		ts.msink = metrics.Default()
	}

	serfCfg := cfg.serfCfg
	if serfCfg == nil {
		serfCfg = serf.DefaultConfig()
	}
	serfCfg.NodeName = zid.String()
	serfCfg.LogOutput = nil
	serfCfg.Logger = slog.NewLogLogger(ts.logger.Handler(), slog.LevelDebug)
	serfCfg.MemberlistConfig.Logger = serfCfg.Logger
	serfCfg.EventCh = ts.eventCh
	serfCfg.CoalescePeriod = 2 * time.Second
	serfCfg.UserCoalescePeriod = 0

	quicCfg := cfg.quicCfg
	quicCfg.Logger = ts.logger
	if quicCfg.DialTimeout == 0 {
		quicCfg.DialTimeout = 5 * time.Second
	}
	fab, err := newQUICFabric(quicCfg, func(f wireFrame) {
		if ts.onDataFrame != nil {
			ts.onDataFrame(f)
		}
	})
	if err != nil {
		return nil, err
	}
	ts.quic = fab

	sf, err := serf.Create(serfCfg)
	if err != nil {
		fab.close()
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	ts.serf = sf
	ts.localName = sf.LocalMember().Name

	ts.wg.Add(1)
	go ts.handleEvents()

	if len(cfg.neighbours) > 0 {
		joined, err := sf.Join(cfg.neighbours, true)
		if err != nil {
			ts.logger.Warn("failed to join router neighbours", LabelError.L(err))
		} else if joined != len(cfg.neighbours) {
			ts.logger.Warn("not all router neighbours reachable",
				"joined", joined, "expected", len(cfg.neighbours))
		}
	}

	return ts, nil
}

func (ts *transportSession) handleEvents() {
	defer ts.wg.Done()
	for {
		var event serf.Event
		select {
		case event = <-ts.eventCh:
		case <-ts.dropCh:
			return
		}

		switch event := event.(type) {
		case serf.MemberEvent:
			ts.logger.Debug("membership changed", "type", event.EventType().String())
		case serf.UserEvent:
			if event.Name != eventLiveliness {
				continue
			}
			op, key, err := decodeTokenEvent(event.Payload)
			if err != nil {
				metrics.IncrCounterWithLabels(MetricGraphTokensDropped, 1, nil)
				ts.logger.Warn("dropped malformed liveliness event", LabelError.L(err))
				continue
			}
			metrics.IncrCounterWithLabels(MetricGraphTokensIngested, 1, nil)
			switch op {
			case tokenOpPut:
				if ts.onTokenPut != nil {
					ts.onTokenPut(key)
				}
			case tokenOpDel:
				if ts.onTokenDel != nil {
					ts.onTokenDel(key)
				}
			}
		case *serf.Query:
			ts.handleQuery(event)
		}
	}
}

func (ts *transportSession) handleQuery(q *serf.Query) {
	switch q.Name {
	case queryGraphSnap:
		// answered by the Context, which knows its locally-declared
		// tokens; the session only forwards the trigger.
		if ts.onQueryGraphSnapshot != nil {
			resp := ts.onQueryGraphSnapshot()
			if err := q.Respond(resp); err != nil {
				ts.logger.Warn("failed to answer graph snapshot query", LabelError.L(err))
			}
		}
	case queryServiceCall:
		if ts.serviceCallFn == nil {
			return
		}
		key, att, payload, err := decodeServiceCallPayload3(q.Payload)
		if err != nil {
			ts.logger.Warn("malformed service call query", LabelError.L(err))
			return
		}
		ts.serviceCallFn(key, att, payload, func(respAtt, respPayload []byte) error {
			return q.Respond(encodeServiceCallPayload(respAtt, respPayload))
		})
	case queryHistoryPull:
		if ts.onHistoryPull == nil || len(q.Payload) != 16 {
			return
		}
		var gid GID
		copy(gid[:], q.Payload)
		entries, err := ts.onHistoryPull(gid)
		if err != nil {
			return
		}
		if err := q.Respond(encodeHistoryEntries(entries)); err != nil {
			ts.logger.Warn("failed to answer history pull query", LabelError.L(err))
		}
	}
}

func encodeHistoryEntries(entries []pubCacheEntry) []byte {
	var buf []byte
	for _, e := range entries {
		buf = appendLP(buf, encodeAttachment(e.attachment))
		buf = appendLP(buf, e.payload)
	}
	return buf
}

func decodeHistoryEntries(raw []byte) ([]pubCacheEntry, error) {
	var out []pubCacheEntry
	rest := raw
	for len(rest) > 0 {
		var attBytes, payload []byte
		var err error
		attBytes, rest, err = consumeLP(rest)
		if err != nil {
			return nil, err
		}
		payload, rest, err = consumeLP(rest)
		if err != nil {
			return nil, err
		}
		att, err := decodeAttachment(attBytes)
		if err != nil {
			return nil, err
		}
		out = append(out, pubCacheEntry{attachment: att, payload: payload})
	}
	return out, nil
}

// pullHistory queries the publisher identified by gid, hosted on the
// session named by zid, for its retained transient-local cache.
func (ts *transportSession) pullHistory(ctx context.Context, zid string, gid GID) ([]pubCacheEntry, error) {
	timeout := unboundedQueryTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	resp, err := ts.serf.Query(queryHistoryPull, gid[:], &serf.QueryParam{
		FilterNodes: []string{zid},
		Timeout:     timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	watchQueryContext(ctx, resp)
	for r := range resp.ResponseCh() {
		return decodeHistoryEntries(r.Payload)
	}
	return nil, nil
}

func (ts *transportSession) declareToken(keyExpr string) error {
	ts.mu.Lock()
	shutdown := ts.shutdown
	ts.mu.Unlock()
	if shutdown {
		return ErrSessionClosed
	}
	if err := ts.serf.UserEvent(eventLiveliness, encodeTokenEvent(tokenOpPut, keyExpr), true); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (ts *transportSession) withdrawToken(keyExpr string) error {
	ts.mu.Lock()
	shutdown := ts.shutdown
	ts.mu.Unlock()
	if shutdown {
		return nil
	}
	if err := ts.serf.UserEvent(eventLiveliness, encodeTokenEvent(tokenOpDel, keyExpr), true); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// querySnapshot fans a graph_snapshot query to every peer and returns
// each peer's newline-joined local token list. Used exactly once, at
// Context bootstrap, to prime the graph cache the way a blocking
// liveliness get would in the real protocol.
func (ts *transportSession) querySnapshot(ctx context.Context) ([][]byte, error) {
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	resp, err := ts.serf.Query(queryGraphSnap, nil, &serf.QueryParam{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	var snapshots [][]byte
	for r := range resp.ResponseCh() {
		snapshots = append(snapshots, r.Payload)
	}
	return snapshots, nil
}

// callService fans a service-call query to the node names hosting the
// queryable and returns every reply payload received before ctx is
// done, mirroring the teacher's ResolveEndpoint vote-collection loop
// without the consensus step (RPC replies are per-request, not
// per-claim).
func (ts *transportSession) callService(ctx context.Context, nodeNames []string, keyExpr string, attachment, payload []byte) (<-chan wireFrame, error) {
	timeout := unboundedQueryTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	resp, err := ts.serf.Query(queryServiceCall, encodeServiceCallPayload3(keyExpr, attachment, payload), &serf.QueryParam{
		FilterNodes: nodeNames,
		Timeout:     timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	watchQueryContext(ctx, resp)

	out := make(chan wireFrame, 8)
	go func() {
		defer close(out)
		for r := range resp.ResponseCh() {
			att, pl, err := decodeServiceCallPayload(r.Payload)
			if err != nil {
				ts.logger.Warn("malformed service reply", LabelError.L(err))
				continue
			}
			out <- wireFrame{keyExpr: keyExpr, attachment: att, payload: pl, fromAddr: r.From}
		}
	}()
	return out, nil
}

func (ts *transportSession) publish(ctx context.Context, addr string, frame wireFrame) error {
	return ts.quic.send(ctx, addr, frame)
}

func (ts *transportSession) localAddr() string {
	return ts.quic.LocalAddr().String()
}

func (ts *transportSession) memberAddr(nodeName string) (string, bool) {
	for _, m := range ts.serf.Members() {
		if m.Name == nodeName {
			if addr, ok := m.Tags["quic_addr"]; ok {
				return addr, true
			}
		}
	}
	return "", false
}

func (ts *transportSession) setLocalTag(key, val string) error {
	tags := ts.serf.LocalMember().Tags
	if tags == nil {
		tags = map[string]string{}
	}
	tags[key] = val
	return ts.serf.SetTags(tags)
}

func (ts *transportSession) memberCount() int {
	return ts.serf.Memberlist().NumMembers()
}

// encodeServiceCallPayload3 frames a request going out over a serf
// query: key expression, attachment, payload, each protowire-varint
// length-prefixed exactly like the QUIC wireFrame encoding.
func encodeServiceCallPayload3(keyExpr string, attachment, payload []byte) []byte {
	var buf []byte
	buf = appendLP(buf, []byte(keyExpr))
	buf = appendLP(buf, attachment)
	buf = appendLP(buf, payload)
	return buf
}

// encodeServiceCallPayload frames a reply: attachment and payload only,
// the key expression is implied by the request being answered.
func encodeServiceCallPayload(attachment, payload []byte) []byte {
	var buf []byte
	buf = appendLP(buf, attachment)
	buf = appendLP(buf, payload)
	return buf
}

func decodeServiceCallPayload(raw []byte) (attachment, payload []byte, err error) {
	rest := raw
	attachment, rest, err = consumeLP(rest)
	if err != nil {
		return nil, nil, err
	}
	payload, _, err = consumeLP(rest)
	if err != nil {
		return nil, nil, err
	}
	return attachment, payload, nil
}

// decodeServiceCallPayload3 mirrors decodeServiceCallPayload for the
// three-field request frame produced by encodeServiceCallPayload3.
func decodeServiceCallPayload3(raw []byte) (keyExpr string, attachment, payload []byte, err error) {
	rest := raw
	var keyBytes []byte
	keyBytes, rest, err = consumeLP(rest)
	if err != nil {
		return "", nil, nil, err
	}
	attachment, rest, err = consumeLP(rest)
	if err != nil {
		return "", nil, nil, err
	}
	payload, _, err = consumeLP(rest)
	if err != nil {
		return "", nil, nil, err
	}
	return string(keyBytes), attachment, payload, nil
}

func (ts *transportSession) close() error {
	ts.mu.Lock()
	if ts.shutdown {
		ts.mu.Unlock()
		return nil
	}
	ts.shutdown = true
	close(ts.shutdownCh)
	ts.mu.Unlock()

	ts.serf.Leave()

	close(ts.dropCh)
	ts.serf.Shutdown()
	ts.wg.Wait()
	<-ts.serf.ShutdownCh()

	return ts.quic.close()
}
