package rmwadapter

import (
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"

	"github.com/ros2mesh/rmwadapter/internal/radix"
)

// QoSEventKind names a graph-detected QoS event fired at the level of
// one endpoint's registered callback.
type QoSEventKind uint8

const (
	QoSEventIncompatible QoSEventKind = iota
	QoSEventDeadlineMissed
)

// EndpointInfo is what endpoint_info_for_topic returns per matching
// endpoint.
type EndpointInfo struct {
	ZID  string
	Node NodeInfo
	GID  GID
	QoS  QoS
	Type string
}

type entitySet map[GID]EntityDescriptor

func (s entitySet) types() map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for _, e := range s {
		out[e.Topic.TypeName] = struct{}{}
	}
	return out
}

type topicBucket struct {
	pubs entitySet
	subs entitySet
}

func newTopicBucket() *topicBucket {
	return &topicBucket{pubs: entitySet{}, subs: entitySet{}}
}

func (b *topicBucket) empty() bool {
	return len(b.pubs) == 0 && len(b.subs) == 0
}

type serviceBucket struct {
	servers entitySet
	clients entitySet
}

func newServiceBucket() *serviceBucket {
	return &serviceBucket{servers: entitySet{}, clients: entitySet{}}
}

func (b *serviceBucket) empty() bool {
	return len(b.servers) == 0 && len(b.clients) == 0
}

type nodeBucket struct {
	entities entitySet
}

// onNewPub is invoked once at registration for every currently-known
// transient-local publisher on the topic, and again whenever a new one
// appears later.
type onNewPub func(pub EntityDescriptor)

type qosEventCallback func(EntityDescriptor, QoSEventKind)

// graphCache is the distributed, eventually-consistent directory of all
// entities in the mesh, rebuilt from liveliness key expressions observed
// on the transport. It never propagates errors to its caller: ingestion
// runs inside a transport callback, so parse failures and callback
// panics are logged and swallowed (§4.3 failure semantics).
type graphCache struct {
	mu sync.Mutex

	// entities indexes every live token by its raw key expression, so a
	// DELETE event can find (and atomically remove) the exact same
	// descriptor a PUT inserted, satisfying "every entity in any index
	// is reachable from at most one live liveliness token".
	entities map[string]EntityDescriptor

	byTopic   map[string]*topicBucket
	byService map[string]*serviceBucket
	byNode    *radix.Tree[*nodeBucket]

	// querying-sub callbacks, keyed by topic name then by the
	// requesting subscription's GID.
	queryingSubs map[string]map[GID]onNewPub

	qosCallbacks map[GID]map[QoSEventKind]qosEventCallback

	guard  *guardCondition
	logger *slog.Logger
	msink  metrics.MetricSink
}

func newGraphCache(logger *slog.Logger, msink metrics.MetricSink, guard *guardCondition) *graphCache {
	if logger == nil {
		logger = slog.Default()
	}
	if msink == nil {
		msink = &metrics.BlackholeSink{}
	}
	return &graphCache{
		entities:     make(map[string]EntityDescriptor),
		byTopic:      make(map[string]*topicBucket),
		byService:    make(map[string]*serviceBucket),
		byNode:       radix.NewTree[*nodeBucket](),
		queryingSubs: make(map[string]map[GID]onNewPub),
		qosCallbacks: make(map[GID]map[QoSEventKind]qosEventCallback),
		guard:        guard,
		logger:       logger,
		msink:        msink,
	}
}

func nodeKey(n NodeInfo) string {
	return escapeSegment(n.Namespace) + "/" + escapeSegment(n.Name)
}

// ingestPut parses key, then inserts the resulting descriptor into every
// relevant index. Parse failures are logged and swallowed: the cache
// never throws to the ingestion path.
func (g *graphCache) ingestPut(key string) {
	d, err := parseKey(key)
	if err != nil {
		g.logger.Warn("dropping malformed liveliness token", LabelError.L(err), "key", key)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, already := g.entities[key]; already {
		return
	}
	g.entities[key] = d

	nb, ok := g.byNode.Get(nodeKey(d.Node))
	if !ok {
		nb = &nodeBucket{entities: entitySet{}}
		g.byNode.Insert(nodeKey(d.Node), nb)
	}
	nb.entities[d.GID()] = d

	if d.Kind == KindNode {
		g.triggerGraphChangedLocked()
		return
	}

	switch d.Kind {
	case KindPublisher, KindSubscription:
		g.ingestTopicEndpointLocked(d)
	case KindService, KindClient:
		g.ingestServiceEndpointLocked(d)
	}

	g.triggerGraphChangedLocked()
}

func (g *graphCache) ingestTopicEndpointLocked(d EntityDescriptor) {
	b, ok := g.byTopic[d.Topic.Name]
	if !ok {
		b = newTopicBucket()
		g.byTopic[d.Topic.Name] = b
	}

	switch d.Kind {
	case KindPublisher:
		b.pubs[d.GID()] = d
		if d.Topic.QoS.Durability == DurabilityTransientLocal {
			for _, cb := range g.queryingSubs[d.Topic.Name] {
				g.safeInvokeOnNewPub(cb, d)
			}
		}
	case KindSubscription:
		b.subs[d.GID()] = d
	}

	g.checkQoSCompatLocked(d.Topic.Name, b.pubs, b.subs)
}

func (g *graphCache) ingestServiceEndpointLocked(d EntityDescriptor) {
	b, ok := g.byService[d.Topic.Name]
	if !ok {
		b = newServiceBucket()
		g.byService[d.Topic.Name] = b
	}
	switch d.Kind {
	case KindService:
		b.servers[d.GID()] = d
	case KindClient:
		b.clients[d.GID()] = d
	}
}

// checkQoSCompatLocked fires INCOMPATIBLE_QOS on any endpoint whose
// registered callback exists and whose policy the newly-arrived peer set
// is incompatible with. Compatibility here means: a reliable reader
// paired with a best-effort writer is incompatible (a reliable reader
// requires a reliable writer); every other combination is compatible.
func (g *graphCache) checkQoSCompatLocked(topic string, pubs, subs entitySet) {
	for _, sub := range subs {
		if sub.Topic.QoS.Reliability != ReliabilityReliable {
			continue
		}
		for _, pub := range pubs {
			if pub.Topic.QoS.Reliability == ReliabilityBestEffort {
				g.fireQoSEventLocked(sub.GID(), sub, QoSEventIncompatible)
				g.fireQoSEventLocked(pub.GID(), pub, QoSEventIncompatible)
			}
		}
	}
}

func (g *graphCache) fireQoSEventLocked(gid GID, d EntityDescriptor, kind QoSEventKind) {
	cbs, ok := g.qosCallbacks[gid]
	if !ok {
		return
	}
	cb, ok := cbs[kind]
	if !ok {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("qos event callback panicked", "recover", r)
			}
		}()
		cb(d, kind)
	}()
}

func (g *graphCache) safeInvokeOnNewPub(cb onNewPub, pub EntityDescriptor) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("querying-sub callback panicked", "recover", r)
		}
	}()
	cb(pub)
}

// ingestDel is the symmetric inverse of ingestPut: it removes the
// descriptor keyed by key from every index it was inserted into and
// removes now-orphaned buckets.
func (g *graphCache) ingestDel(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	d, ok := g.entities[key]
	if !ok {
		return
	}
	delete(g.entities, key)

	if nb, ok := g.byNode.Get(nodeKey(d.Node)); ok {
		delete(nb.entities, d.GID())
		if len(nb.entities) == 0 {
			g.byNode.Delete(nodeKey(d.Node))
		}
	}

	switch d.Kind {
	case KindPublisher, KindSubscription:
		if b, ok := g.byTopic[d.Topic.Name]; ok {
			delete(b.pubs, d.GID())
			delete(b.subs, d.GID())
			if b.empty() {
				delete(g.byTopic, d.Topic.Name)
			}
		}
		delete(g.queryingSubs[d.Topic.Name], d.GID())
	case KindService, KindClient:
		if b, ok := g.byService[d.Topic.Name]; ok {
			delete(b.servers, d.GID())
			delete(b.clients, d.GID())
			if b.empty() {
				delete(g.byService, d.Topic.Name)
			}
		}
	}

	delete(g.qosCallbacks, d.GID())
	g.triggerGraphChangedLocked()
}

// listTopicNamesAndTypes returns every known topic name mapped to the
// set of type names seen on it. When multiple types coexist on one
// topic name, all are listed: callers must treat such a topic as
// type-inconsistent.
func (g *graphCache) listTopicNamesAndTypes(demangle bool) map[string][]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string][]string, len(g.byTopic))
	for name, b := range g.byTopic {
		types := make(map[string]struct{})
		for t := range b.pubs.types() {
			types[t] = struct{}{}
		}
		for t := range b.subs.types() {
			types[t] = struct{}{}
		}
		if len(types) == 0 {
			continue
		}
		display := name
		if demangle {
			display = demangleTopicName(name)
		}
		list := make([]string, 0, len(types))
		for t := range types {
			list = append(list, t)
		}
		out[display] = list
	}
	return out
}

func (g *graphCache) listServiceNamesAndTypes() map[string][]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string][]string, len(g.byService))
	for name, b := range g.byService {
		types := make(map[string]struct{})
		for t := range b.servers.types() {
			types[t] = struct{}{}
		}
		for t := range b.clients.types() {
			types[t] = struct{}{}
		}
		if len(types) == 0 {
			continue
		}
		list := make([]string, 0, len(types))
		for t := range types {
			list = append(list, t)
		}
		out[name] = list
	}
	return out
}

// demangleTopicName strips the ROS 2 topic-name mangling prefix ("rt/")
// that the type-support layer applies before handing names to rmw. It
// is a best-effort transform: names without the prefix pass through
// unchanged.
func demangleTopicName(name string) string {
	const prefix = "rt/"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return "/" + name[len(prefix):]
	}
	return name
}

func (g *graphCache) endpointInfoForTopic(name string, wantPubs bool) []EndpointInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.byTopic[name]
	if !ok {
		return nil
	}
	set := b.subs
	if wantPubs {
		set = b.pubs
	}
	out := make([]EndpointInfo, 0, len(set))
	for gid, d := range set {
		out = append(out, EndpointInfo{ZID: d.ZID, Node: d.Node, GID: gid, QoS: d.Topic.QoS, Type: d.Topic.TypeName})
	}
	return out
}

// serverNodesForService returns the session ids (ZIDs) hosting a
// Service queryable for name, used to scope a client's serf query
// FilterNodes to just the servers rather than the whole cluster.
func (g *graphCache) serverNodesForService(name string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.byService[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(b.servers))
	for _, d := range b.servers {
		out = append(out, d.ZID)
	}
	return out
}

func (g *graphCache) countPublishers(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.byTopic[name]; ok {
		return len(b.pubs)
	}
	return 0
}

func (g *graphCache) countSubscriptions(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.byTopic[name]; ok {
		return len(b.subs)
	}
	return 0
}

// registerQueryingSub records cb for topic, firing it once immediately
// for every currently-known transient-local publisher, then again for
// every subsequent one that appears.
func (g *graphCache) registerQueryingSub(topic string, subGID GID, cb onNewPub) {
	g.mu.Lock()
	existing := make([]EntityDescriptor, 0)
	if b, ok := g.byTopic[topic]; ok {
		for _, pub := range b.pubs {
			if pub.Topic.QoS.Durability == DurabilityTransientLocal {
				existing = append(existing, pub)
			}
		}
	}
	if g.queryingSubs[topic] == nil {
		g.queryingSubs[topic] = make(map[GID]onNewPub)
	}
	g.queryingSubs[topic][subGID] = cb
	g.mu.Unlock()

	for _, pub := range existing {
		g.safeInvokeOnNewPub(cb, pub)
	}
}

func (g *graphCache) unregisterQueryingSub(topic string, subGID GID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.queryingSubs[topic], subGID)
	if len(g.queryingSubs[topic]) == 0 {
		delete(g.queryingSubs, topic)
	}
}

func (g *graphCache) registerQoSEventCallback(gid GID, kind QoSEventKind, cb qosEventCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.qosCallbacks[gid] == nil {
		g.qosCallbacks[gid] = make(map[QoSEventKind]qosEventCallback)
	}
	g.qosCallbacks[gid][kind] = cb
}

func (g *graphCache) triggerGraphChangedLocked() {
	if g.guard != nil {
		g.guard.trigger()
	}
}

func (g *graphCache) triggerGraphChanged() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.triggerGraphChangedLocked()
}

// nodeNames enumerates every currently-known node by walking the whole
// by_node radix index.
func (g *graphCache) nodeNames() []NodeInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]NodeInfo, 0, g.byNode.Len())
	for _, nb := range g.byNode.Walk() {
		for _, e := range nb.entities {
			if e.Kind == KindNode {
				out = append(out, e.Node)
			}
		}
	}
	return out
}

// nodeNamesInNamespace enumerates every node whose namespace matches
// namespace exactly, using the by_node radix index's prefix-walk to
// visit only the subtree under that namespace instead of scanning
// every known node.
func (g *graphCache) nodeNamesInNamespace(namespace string) []NodeInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	prefix := escapeSegment(namespace) + "/"
	out := make([]NodeInfo, 0)
	for _, nb := range g.byNode.WalkPrefix(prefix) {
		for _, e := range nb.entities {
			if e.Kind == KindNode {
				out = append(out, e.Node)
			}
		}
	}
	return out
}
