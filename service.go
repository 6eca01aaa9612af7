package rmwadapter

import (
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// pendingRequest is one request dequeued by take_request and awaiting
// send_response. Keyed by (client GID, sequence number) so a late or
// duplicate send_response is a safe no-op instead of answering the
// wrong caller.
type pendingRequest struct {
	respond func(attachment, payload []byte) error
}

// Request is what take_request hands back: the decoded payload plus
// enough identity to route the eventual response.
type Request struct {
	ClientGID GID
	Sequence  int64
	Payload   []byte
}

// Service is the Service Data Engine (§4.7): a request queue fed by
// inbound serf queryable calls, decoupled from response delivery so
// requests can be answered out of arrival order.
type Service struct {
	waiterAttachment

	node *Node
	desc EntityDescriptor
	key  string
	qos  QoS

	mu      sync.Mutex
	queue   []Request
	pending map[GID]map[int64]*pendingRequest
	closed  bool
}

// CreateService declares a Service entity (a queryable, in Zenoh terms)
// and registers it with the Context so inbound serf queries addressed
// to name are routed here.
func CreateService(n *Node, name, typeName, typeHash string, requested QoS) (*Service, error) {
	if err := requested.Validate(); err != nil {
		return nil, err
	}
	desc := n.newDescriptor(KindService, TopicInfo{Name: name, TypeName: typeName, TypeHash: typeHash, QoS: requested})
	key, err := n.ctx.declareLiveliness(desc)
	if err != nil {
		return nil, err
	}

	s := &Service{
		node:    n,
		desc:    desc,
		key:     key,
		qos:     requested,
		pending: make(map[GID]map[int64]*pendingRequest),
	}

	n.ctx.registerService(name, s.onQuery)

	n.mu.Lock()
	n.srvs[desc.EntityID] = s
	n.mu.Unlock()

	return s, nil
}

// onQuery implements serviceCallHandler: it decodes the request
// attachment, enqueues the request under keep-last/keep-all per its
// QoS history policy, and stashes respond for send_response to call
// once the application processes it.
func (s *Service) onQuery(_ string, attachmentBytes, payload []byte, respond func(attachment, payload []byte) error) {
	att, err := decodeAttachment(attachmentBytes)
	if err != nil {
		s.node.ctx.logger.Warn("dropping malformed service request", LabelError.L(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.pending[att.SourceGID] == nil {
		s.pending[att.SourceGID] = make(map[int64]*pendingRequest)
	}
	s.pending[att.SourceGID][att.Sequence] = &pendingRequest{respond: respond}

	req := Request{ClientGID: att.SourceGID, Sequence: att.Sequence, Payload: append([]byte(nil), payload...)}
	if s.qos.History == HistoryKeepLast && len(s.queue) >= s.qos.Depth {
		evicted := s.queue[0]
		s.queue = append(s.queue[1:], req)
		if byClient := s.pending[evicted.ClientGID]; byClient != nil {
			delete(byClient, evicted.Sequence)
			if len(byClient) == 0 {
				delete(s.pending, evicted.ClientGID)
			}
		}
	} else {
		s.queue = append(s.queue, req)
	}
	s.mu.Unlock()

	metrics.IncrCounterWithLabels(MetricServiceRequestsIn, 1, []metrics.Label{LabelTopic.M(s.desc.Topic.Name)})
	s.notify()
}

// TakeRequest dequeues the oldest pending request. taken is false iff
// the queue is empty.
func (s *Service) TakeRequest() (req Request, taken bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Request{}, false
	}
	req = s.queue[0]
	s.queue = s.queue[1:]
	return req, true
}

// HasDataOrAttach is the §4.9 has_data_or_attach primitive: it reports
// true without attaching ws if a request is already queued, otherwise
// it attaches ws atomically under the same lock that guards the queue
// so a request arriving between the emptiness check and the attach is
// never missed.
func (s *Service) HasDataOrAttach(ws *WaitSet) bool {
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
func (s *Service) DetachAndCheckEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detach()
	return len(s.queue) == 0
}

// SendResponse answers the request identified by (clientGID, sequence)
// with payload, stamping a fresh attachment carrying the original
// sequence number and a new source timestamp. A missing handle (the
// client already gave up, or send_response was called twice) is a
// silent no-op, matching §4.7.
func (s *Service) SendResponse(clientGID GID, sequence int64, payload []byte) error {
	s.mu.Lock()
	byClient := s.pending[clientGID]
	if byClient == nil {
		s.mu.Unlock()
		return nil
	}
	pr, ok := byClient[sequence]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(byClient, sequence)
	if len(byClient) == 0 {
		delete(s.pending, clientGID)
	}
	s.mu.Unlock()

	att := Attachment{
		Sequence:        sequence,
		SourceTimestamp: time.Now().UnixNano(),
		SourceGID:       clientGID,
	}
	return pr.respond(encodeAttachment(att), payload)
}

func (s *Service) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.pending = nil
	s.mu.Unlock()

	s.detach()

	s.node.mu.Lock()
	delete(s.node.srvs, s.desc.EntityID)
	s.node.mu.Unlock()

	s.node.ctx.unregisterService(s.desc.Topic.Name)

	if err := s.node.ctx.undeclareLiveliness(s.key); err != nil {
		s.node.ctx.logger.Warn("failed to undeclare service liveliness", LabelError.L(err))
	}
}
