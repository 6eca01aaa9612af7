package rmwadapter

import (
	"sync"
)

// Node is a ROS graph participant: a named, namespaced, enclave-scoped
// child of a Context that owns a set of Publishers, Subscriptions,
// Services and Clients. It has no transport identity of its own; every
// operation flows through its owning Context's session and graph cache.
type Node struct {
	ctx  *Context
	info NodeInfo
	id   uint64
	key  string

	mu   sync.Mutex
	pubs map[uint64]*Publisher
	subs map[uint64]*Subscription
	srvs map[uint64]*Service
	clis map[uint64]*Client
}

// CreateNode declares a Node under ctx, entering it into the graph
// cache under its own liveliness key expression (Kind NN).
func CreateNode(ctx *Context, domainID uint32, namespace, name, enclave string) (*Node, error) {
	if name == "" {
		return nil, ErrInvalidArgument
	}
	n := &Node{
		ctx:  ctx,
		id:   ctx.allocNodeID(),
		info: NodeInfo{DomainID: domainID, Namespace: namespace, Name: name, Enclave: enclave},
		pubs: make(map[uint64]*Publisher),
		subs: make(map[uint64]*Subscription),
		srvs: make(map[uint64]*Service),
		clis: make(map[uint64]*Client),
	}

	desc := EntityDescriptor{
		ZID:      ctx.zid.String(),
		NodeID:   n.id,
		EntityID: 0,
		Kind:     KindNode,
		Node:     n.info,
	}
	key, err := ctx.declareLiveliness(desc)
	if err != nil {
		return nil, err
	}
	n.key = key
	ctx.registerNode(n)
	return n, nil
}

// Info returns the node's identity as declared at creation.
func (n *Node) Info() NodeInfo {
	return n.info
}

func (n *Node) newDescriptor(kind Kind, topic TopicInfo) EntityDescriptor {
	return EntityDescriptor{
		ZID:      n.ctx.zid.String(),
		NodeID:   n.id,
		EntityID: n.ctx.allocEntityID(),
		Kind:     kind,
		Node:     n.info,
		Topic:    topic,
	}
}

// Shutdown tears down every entity owned by this node, in the order
// clients, services, subscriptions, publishers, mirroring the teardown
// order a ROS node destructor uses to avoid answering a request after
// its response channel is already gone.
func (n *Node) Shutdown() {
	n.mu.Lock()
	clis := make([]*Client, 0, len(n.clis))
	for _, c := range n.clis {
		clis = append(clis, c)
	}
	srvs := make([]*Service, 0, len(n.srvs))
	for _, s := range n.srvs {
		srvs = append(srvs, s)
	}
	subs := make([]*Subscription, 0, len(n.subs))
	for _, s := range n.subs {
		subs = append(subs, s)
	}
	pubs := make([]*Publisher, 0, len(n.pubs))
	for _, p := range n.pubs {
		pubs = append(pubs, p)
	}
	n.mu.Unlock()

	for _, c := range clis {
		c.shutdown()
	}
	for _, s := range srvs {
		s.shutdown()
	}
	for _, s := range subs {
		s.shutdown()
	}
	for _, p := range pubs {
		p.shutdown()
	}

	if err := n.ctx.undeclareLiveliness(n.key); err != nil {
		n.ctx.logger.Warn("failed to undeclare node liveliness", LabelError.L(err))
	}
	n.ctx.unregisterNode(n.id)
}
