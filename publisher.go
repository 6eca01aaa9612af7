package rmwadapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

// pubCacheEntry is one historical sample retained for a transient-local
// publisher's publication cache, replayed to a querying subscriber
// declared after the sample was published.
type pubCacheEntry struct {
	attachment Attachment
	payload    []byte
}

// Publisher is the Publisher Data Engine (§4.5): it owns the
// per-topic sequence counter, the publication cache used for
// transient-local durability, and the addressing needed to fan a
// sample out to every subscriber currently visible in the graph.
type Publisher struct {
	node *Node
	desc EntityDescriptor
	key  string
	qos  QoS
	tq   TransportQoS

	seq atomic.Int64

	mu     sync.Mutex
	cache  []pubCacheEntry
	closed bool

	events chan PublisherEvent
}

// PublisherEvent reports asynchronous condition changes on a Publisher;
// the only kind delivered is QoS incompatibility with a discovered
// subscriber.
type PublisherEvent struct {
	Kind QoSEventKind
}

// CreatePublisher declares a Publisher entity, negotiates its
// best-available QoS against subscribers already in the graph, and
// registers it in the Context's publisher registry so a remote
// transient-local subscriber can pull its cache on discovery.
func CreatePublisher(n *Node, topic, typeName, typeHash string, requested QoS) (*Publisher, error) {
	if err := requested.Validate(); err != nil {
		return nil, err
	}
	effective := bestAvailable(n.ctx.graph, endpointPublisher, topic, requested)
	tq := mapToTransport(endpointPublisher, effective)

	desc := n.newDescriptor(KindPublisher, TopicInfo{Name: topic, TypeName: typeName, TypeHash: typeHash, QoS: effective})
	key, err := n.ctx.declareLiveliness(desc)
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		node:   n,
		desc:   desc,
		key:    key,
		qos:    effective,
		tq:     tq,
		events: make(chan PublisherEvent, 8),
	}

	if tq.CacheDepth > 0 {
		n.ctx.registerPublisher(p)
	}

	n.ctx.graph.registerQoSEventCallback(desc.GID(), QoSEventIncompatible, func(_ EntityDescriptor, kind QoSEventKind) {
		select {
		case p.events <- PublisherEvent{Kind: kind}:
		default:
		}
	})

	n.mu.Lock()
	n.pubs[desc.EntityID] = p
	n.mu.Unlock()

	return p, nil
}

// GID returns the publisher's endpoint identity.
func (p *Publisher) GID() GID {
	return p.desc.GID()
}

// TopicInfo returns the topic name, type and effective QoS.
func (p *Publisher) TopicInfo() TopicInfo {
	return p.desc.Topic
}

// Events returns the channel PublisherEvents are delivered on.
func (p *Publisher) Events() <-chan PublisherEvent {
	return p.events
}

func (p *Publisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Publish delivers payload, as given, to every subscriber currently
// visible in the graph for this topic, stamping a monotonically
// increasing sequence number starting at 1 and the wall-clock source
// timestamp, per §4.5. No serialization is applied to payload.
func (p *Publisher) Publish(ctx context.Context, payload []byte) error {
	return p.publish(ctx, payload)
}

// PublishSerialized delivers an already-serialized payload exactly as
// Publish does (§4.5); both send the bytes unchanged, and the caller is
// responsible for having produced payload in the topic's wire type.
func (p *Publisher) PublishSerialized(ctx context.Context, payload []byte) error {
	return p.publish(ctx, payload)
}

func (p *Publisher) publish(ctx context.Context, payload []byte) error {
	if p.isClosed() {
		return ErrShutdown
	}

	seq := p.seq.Add(1)
	att := Attachment{
		Sequence:        seq,
		SourceTimestamp: time.Now().UnixNano(),
		SourceGID:       p.desc.GID(),
	}
	attBytes := encodeAttachment(att)

	buf, slab := p.borrowBuffer(len(payload))
	copy(buf, payload)

	if p.tq.CacheDepth > 0 {
		p.mu.Lock()
		p.cache = append(p.cache, pubCacheEntry{attachment: att, payload: append([]byte(nil), payload...)})
		if len(p.cache) > p.tq.CacheDepth {
			p.cache = p.cache[len(p.cache)-p.tq.CacheDepth:]
		}
		p.mu.Unlock()
	}

	subs := p.node.ctx.graph.endpointInfoForTopic(p.desc.Topic.Name, false)
	var lastErr error
	sent, failed := 0, 0
	for _, sub := range subs {
		addr, ok := p.node.ctx.session.memberAddr(sub.ZID)
		if !ok {
			continue
		}
		frame := wireFrame{keyExpr: p.desc.Topic.Name, attachment: attBytes, payload: buf}

		var err error
		if p.tq.CongestionControl == CongestionControlBlock {
			err = p.sendBlocking(ctx, addr, frame)
		} else {
			err = p.node.ctx.session.publish(ctx, addr, frame)
		}
		if err != nil {
			lastErr = err
			failed++
			metrics.IncrCounterWithLabels(MetricPublisherErrorCount, 1, []metrics.Label{LabelTopic.M(p.desc.Topic.Name)})
			continue
		}
		sent++
	}
	metrics.IncrCounterWithLabels(MetricPublisherSamplesOut, float32(sent), []metrics.Label{LabelTopic.M(p.desc.Topic.Name)})

	p.releaseBuffer(buf, slab)

	if failed > 0 && p.tq.CongestionControl == CongestionControlBlock {
		return fmt.Errorf("%w: %d of %d subscribers did not receive sample %d: %w", ErrTransport, failed, sent+failed, seq, lastErr)
	}
	return nil
}

// sendBlocking is the CongestionControlBlock put path: it retries a
// failed send with capped exponential backoff until it succeeds or ctx
// is done, so a reliable+keep-all publisher applies real backpressure to
// its caller instead of dropping the sample on the first transient
// failure.
func (p *Publisher) sendBlocking(ctx context.Context, addr string, frame wireFrame) error {
	backoff := 10 * time.Millisecond
	const maxBackoff = time.Second
	for {
		err := p.node.ctx.session.publish(ctx, addr, frame)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: last send error %w: %w", ErrTransport, err, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// borrowBuffer prefers an SHM slab for large payloads, falling back to
// the general buffer pool. slab is non-nil iff buf came from the SHM
// arena and must be returned there instead of to the pool.
func (p *Publisher) borrowBuffer(size int) ([]byte, *shmSlab) {
	if p.node.ctx.shm.shouldUse(size) {
		slab, err := p.node.ctx.shm.alloc(size)
		if err == nil {
			return slab.buf, slab
		}
		p.node.ctx.logger.Warn("shm allocation failed, falling back to heap", LabelError.L(err))
	}
	return p.node.ctx.bufPool.get(size), nil
}

func (p *Publisher) releaseBuffer(buf []byte, slab *shmSlab) {
	if slab != nil {
		p.node.ctx.shm.release(slab)
		return
	}
	p.node.ctx.bufPool.put(buf)
}

// serveHistorical answers a querying subscriber's replay request with
// every cached sample, used when a transient-local subscription
// declares interest after this publisher already produced samples.
func (p *Publisher) serveHistorical() []pubCacheEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pubCacheEntry, len(p.cache))
	for i, e := range p.cache {
		out[i] = pubCacheEntry{attachment: e.attachment, payload: append([]byte(nil), e.payload...)}
	}
	return out
}

// shutdown withdraws the publisher's liveliness token and marks future
// Publish calls as failing with ErrShutdown. Idempotent.
func (p *Publisher) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.node.mu.Lock()
	delete(p.node.pubs, p.desc.EntityID)
	p.node.mu.Unlock()

	if p.tq.CacheDepth > 0 {
		p.node.ctx.unregisterPublisher(p.GID())
	}

	if err := p.node.ctx.undeclareLiveliness(p.key); err != nil {
		p.node.ctx.logger.Warn("failed to undeclare publisher liveliness", LabelError.L(err))
	}
}
