package rmwadapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

// PendingReply is one reply Take_response can hand back, correlated to
// the request sequence number the caller sent it under.
type PendingReply struct {
	Sequence int64
	Payload  []byte
	Server   GID
}

// Client is the Client Data Engine (§4.8): it issues queries against
// every Service currently visible in the graph for a service name and
// queues replies for take_response, mirroring the teacher's
// ResolveEndpoint fan-out-then-collect without the consensus vote (an
// RPC reply is per-request, not a claim to arbitrate).
type Client struct {
	waiterAttachment

	node *Node
	desc EntityDescriptor
	key  string
	qos  QoS

	seq atomic.Int64

	mu     sync.Mutex
	queue  []PendingReply
	closed bool
}

// CreateClient declares a Client entity for the named service.
func CreateClient(n *Node, name, typeName, typeHash string, requested QoS) (*Client, error) {
	if err := requested.Validate(); err != nil {
		return nil, err
	}
	desc := n.newDescriptor(KindClient, TopicInfo{Name: name, TypeName: typeName, TypeHash: typeHash, QoS: requested})
	key, err := n.ctx.declareLiveliness(desc)
	if err != nil {
		return nil, err
	}

	c := &Client{node: n, desc: desc, key: key, qos: requested}

	n.mu.Lock()
	n.clis[desc.EntityID] = c
	n.mu.Unlock()

	return c, nil
}

// GID returns the client's endpoint identity.
func (c *Client) GID() GID {
	return c.desc.GID()
}

// IsServiceAvailable reports whether at least one server currently
// advertises the client's service name in the graph.
func (c *Client) IsServiceAvailable() bool {
	return len(c.node.ctx.graph.serverNodesForService(c.desc.Topic.Name)) > 0
}

// SendRequest issues payload to every Service currently visible for
// this client's service name, stamping the request with a
// client-scoped monotonic sequence number and this client's GID, and
// returns that sequence number for the caller to correlate a later
// take_response against.
func (c *Client) SendRequest(ctx context.Context, payload []byte) (int64, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrShutdown
	}

	nodeNames := c.node.ctx.graph.serverNodesForService(c.desc.Topic.Name)
	if len(nodeNames) == 0 {
		return 0, ErrNotFound
	}

	seq := c.seq.Add(1)
	att := Attachment{
		Sequence:        seq,
		SourceTimestamp: time.Now().UnixNano(),
		SourceGID:       c.desc.GID(),
	}

	replies, err := c.node.ctx.session.callService(ctx, nodeNames, c.desc.Topic.Name, encodeAttachment(att), payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	go func() {
		for frame := range replies {
			respAtt, err := decodeAttachment(frame.attachment)
			if err != nil {
				c.node.ctx.logger.Warn("dropping malformed service reply", LabelError.L(err))
				continue
			}
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			if c.qos.History == HistoryKeepLast && len(c.queue) >= c.qos.Depth {
				c.queue = c.queue[1:]
			}
			c.queue = append(c.queue, PendingReply{
				Sequence: respAtt.Sequence,
				Payload:  frame.payload,
				Server:   respAtt.SourceGID,
			})
			c.mu.Unlock()
			metrics.IncrCounterWithLabels(MetricClientRepliesIn, 1, []metrics.Label{LabelTopic.M(c.desc.Topic.Name)})
			c.notify()
		}
	}()

	return seq, nil
}

// TakeResponse dequeues the oldest queued reply. taken is false iff no
// reply has arrived yet.
func (c *Client) TakeResponse() (reply PendingReply, taken bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return PendingReply{}, false
	}
	reply = c.queue[0]
	c.queue = c.queue[1:]
	return reply, true
}

// HasDataOrAttach is the §4.9 has_data_or_attach primitive: it reports
// true without attaching ws if a reply is already queued, otherwise it
// attaches ws atomically under the same lock that guards the queue so a
// reply arriving between the emptiness check and the attach is never
// missed.
func (c *Client) HasDataOrAttach(ws *WaitSet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 {
		return true
	}
	c.attach(ws)
	return false
}

// DetachAndCheckEmpty is the §4.9 detach_and_check_empty primitive: it
// detaches the currently attached wait set and reports whether the
// queue is empty, both under the queue's own lock.
func (c *Client) DetachAndCheckEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detach()
	return len(c.queue) == 0
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	c.mu.Unlock()

	c.detach()

	c.node.mu.Lock()
	delete(c.node.clis, c.desc.EntityID)
	c.node.mu.Unlock()

	if err := c.node.ctx.undeclareLiveliness(c.key); err != nil {
		c.node.ctx.logger.Warn("failed to undeclare client liveliness", LabelError.L(err))
	}
}
