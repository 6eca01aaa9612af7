package rmwadapter

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// SampleHeader is populated on every sample the Subscription Data
// Engine hands back from Take, mirroring rmw_message_info_t (§4.6).
type SampleHeader struct {
	SourceTimestamp           int64
	ReceivedTimestamp         int64
	PublicationSequenceNumber int64
	PublisherGID              GID
	FromIntraProcess          bool
}

// Sample is one taken message plus its header.
type Sample struct {
	Payload []byte
	Header  SampleHeader
}

// Subscription is the Subscription Data Engine (§4.6): a bounded or
// unbounded queue of received samples fed by the Context's data-plane
// dispatch, with gap detection against the publisher-scoped sequence
// counter carried in each sample's attachment.
type Subscription struct {
	waiterAttachment

	node *Node
	desc EntityDescriptor
	key  string
	qos  QoS
	tq   TransportQoS

	mu      sync.Mutex
	queue   []Sample
	lastSeq map[GID]int64
	closed  bool
	lostCh  chan LostEvent
}

// LostEvent reports a detected sequence gap: count is (gap - 1), the
// number of samples that never arrived.
type LostEvent struct {
	Publisher GID
	Count     int64
}

// CreateSubscription declares a Subscription entity, negotiates its
// best-available QoS against publishers already in the graph, and — for
// transient-local durability — registers a querying-sub callback that
// pulls each transient-local publisher's cache as it is discovered.
func CreateSubscription(n *Node, topic, typeName, typeHash string, requested QoS) (*Subscription, error) {
	if err := requested.Validate(); err != nil {
		return nil, err
	}
	effective := bestAvailable(n.ctx.graph, endpointSubscription, topic, requested)
	tq := mapToTransport(endpointSubscription, effective)

	desc := n.newDescriptor(KindSubscription, TopicInfo{Name: topic, TypeName: typeName, TypeHash: typeHash, QoS: effective})
	key, err := n.ctx.declareLiveliness(desc)
	if err != nil {
		return nil, err
	}

	s := &Subscription{
		node:    n,
		desc:    desc,
		key:     key,
		qos:     effective,
		tq:      tq,
		lastSeq: make(map[GID]int64),
		lostCh:  make(chan LostEvent, 8),
	}

	n.ctx.registerSubscription(topic, s)

	if tq.UseQueryingSub {
		n.ctx.graph.registerQueryingSub(topic, desc.GID(), func(pub EntityDescriptor) {
			s.pullHistoryFrom(pub)
		})
	}

	n.mu.Lock()
	n.subs[desc.EntityID] = s
	n.mu.Unlock()

	return s, nil
}

// pullHistoryFrom fetches and enqueues every sample retained by pub's
// publication cache, run in its own goroutine since it blocks on a
// query and must never delay graph cache ingestion.
func (s *Subscription) pullHistoryFrom(pub EntityDescriptor) {
	go func() {
		entries, err := s.node.ctx.session.pullHistory(context.Background(), pub.ZID, pub.GID())
		if err != nil {
			s.node.ctx.logger.Warn("history pull failed", LabelError.L(err), LabelTopic.L(s.desc.Topic.Name))
			return
		}
		for _, e := range entries {
			s.deliver(encodeAttachment(e.attachment), e.payload)
		}
	}()
}

// GID returns the subscription's endpoint identity.
func (s *Subscription) GID() GID {
	return s.desc.GID()
}

func (s *Subscription) TopicInfo() TopicInfo {
	return s.desc.Topic
}

// LostEvents returns the channel LostEvent notifications are delivered
// on when a sequence gap is detected.
func (s *Subscription) LostEvents() <-chan LostEvent {
	return s.lostCh
}

// deliver decodes attachment and enqueues payload, applying the
// configured overflow policy and updating gap-detection state. Called
// from the Context's data-plane dispatch goroutine; it never blocks the
// caller for longer than one mutex hold.
func (s *Subscription) deliver(attachmentBytes, payload []byte) {
	att, err := decodeAttachment(attachmentBytes)
	if err != nil {
		s.node.ctx.logger.Warn("dropping sample with malformed attachment", LabelError.L(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if prev, ok := s.lastSeq[att.SourceGID]; ok && att.Sequence > prev+1 {
		gap := att.Sequence - prev - 1
		s.lastSeq[att.SourceGID] = att.Sequence
		s.mu.Unlock()
		metrics.IncrCounterWithLabels(MetricSubscriptionLost, float32(gap), []metrics.Label{LabelTopic.M(s.desc.Topic.Name)})
		select {
		case s.lostCh <- LostEvent{Publisher: att.SourceGID, Count: gap}:
		default:
		}
		s.mu.Lock()
	} else {
		s.lastSeq[att.SourceGID] = att.Sequence
	}

	sample := Sample{
		Payload: append([]byte(nil), payload...),
		Header: SampleHeader{
			SourceTimestamp:           att.SourceTimestamp,
			ReceivedTimestamp:         time.Now().UnixNano(),
			PublicationSequenceNumber: att.Sequence,
			PublisherGID:              att.SourceGID,
			FromIntraProcess:          false,
		},
	}

	if s.qos.History == HistoryKeepLast && len(s.queue) >= s.qos.Depth {
		s.queue = append(s.queue[1:], sample)
		metrics.IncrCounterWithLabels(MetricSubscriptionDropped, 1, []metrics.Label{LabelTopic.M(s.desc.Topic.Name)})
	} else {
		s.queue = append(s.queue, sample)
	}
	s.mu.Unlock()

	metrics.IncrCounterWithLabels(MetricSubscriptionSamplesIn, 1, []metrics.Label{LabelTopic.M(s.desc.Topic.Name)})
	s.notify()
}

// Take removes and returns the oldest queued sample. taken is false iff
// the queue is empty; an empty queue is never an error (§4.6).
func (s *Subscription) Take() (sample Sample, taken bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Sample{}, false
	}
	sample = s.queue[0]
	s.queue = s.queue[1:]
	return sample, true
}

// Pending reports how many samples are currently queued.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// HasDataOrAttach is the §4.9 has_data_or_attach primitive: it reports
// true without attaching ws if a sample is already queued, otherwise it
// attaches ws atomically under the same lock that guards the queue so a
// sample delivered between the emptiness check and the attach is never
// missed.
func (s *Subscription) HasDataOrAttach(ws *WaitSet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		return true
	}
	s.attach(ws)
	return false
}

// DetachAndCheckEmpty is the §4.9 detach_and_check_empty primitive: it
// detaches the currently attached wait set and reports whether the
// queue is empty, both under the queue's own lock.
func (s *Subscription) DetachAndCheckEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detach()
	return len(s.queue) == 0
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.detach()

	s.node.mu.Lock()
	delete(s.node.subs, s.desc.EntityID)
	s.node.mu.Unlock()

	s.node.ctx.unregisterSubscription(s.desc.Topic.Name, s)
	if s.tq.UseQueryingSub {
		s.node.ctx.graph.unregisterQueryingSub(s.desc.Topic.Name, s.desc.GID())
	}

	if err := s.node.ctx.undeclareLiveliness(s.key); err != nil {
		s.node.ctx.logger.Warn("failed to undeclare subscription liveliness", LabelError.L(err))
	}
}
