package rmwadapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestGraph() *graphCache {
	return newGraphCache(nil, nil, nil)
}

func pubDesc(zid, topic string, durability Durability) EntityDescriptor {
	return EntityDescriptor{
		ZID:      zid,
		NodeID:   1,
		EntityID: 1,
		Kind:     KindPublisher,
		Node:     NodeInfo{Namespace: "/", Name: "n1"},
		Topic: TopicInfo{
			Name:     topic,
			TypeName: "std_msgs/msg/String",
			TypeHash: "h1",
			QoS:      QoS{Reliability: ReliabilityReliable, Durability: durability, History: HistoryKeepLast, Depth: 10},
		},
	}
}

func subDesc(zid, topic string) EntityDescriptor {
	return EntityDescriptor{
		ZID:      zid,
		NodeID:   2,
		EntityID: 1,
		Kind:     KindSubscription,
		Node:     NodeInfo{Namespace: "/", Name: "n2"},
		Topic: TopicInfo{
			Name:     topic,
			TypeName: "std_msgs/msg/String",
			TypeHash: "h1",
			QoS:      QoS{Reliability: ReliabilityReliable, Durability: DurabilityVolatile, History: HistoryKeepLast, Depth: 10},
		},
	}
}

func TestGraphCache_PutAndListTopics(t *testing.T) {
	g := newTestGraph()
	pub := pubDesc("z1", "/chatter", DurabilityVolatile)
	sub := subDesc("z2", "/chatter")

	g.ingestPut(formatKey(pub))
	g.ingestPut(formatKey(sub))

	names := g.listTopicNamesAndTypes(false)
	require.Contains(t, names, "/chatter")
	require.Contains(t, names["/chatter"], "std_msgs/msg/String")

	require.Equal(t, 1, g.countPublishers("/chatter"))
	require.Equal(t, 1, g.countSubscriptions("/chatter"))
}

func TestGraphCache_DelRemovesEndpoint(t *testing.T) {
	g := newTestGraph()
	pub := pubDesc("z1", "/chatter", DurabilityVolatile)
	key := formatKey(pub)

	g.ingestPut(key)
	require.Equal(t, 1, g.countPublishers("/chatter"))

	g.ingestDel(key)
	require.Equal(t, 0, g.countPublishers("/chatter"))

	names := g.listTopicNamesAndTypes(false)
	require.NotContains(t, names, "/chatter")
}

func TestGraphCache_DuplicatePutIsIdempotent(t *testing.T) {
	g := newTestGraph()
	pub := pubDesc("z1", "/chatter", DurabilityVolatile)
	key := formatKey(pub)

	g.ingestPut(key)
	g.ingestPut(key)
	require.Equal(t, 1, g.countPublishers("/chatter"))
}

func TestGraphCache_MalformedTokenIsSwallowed(t *testing.T) {
	g := newTestGraph()
	require.NotPanics(t, func() {
		g.ingestPut("not-a-valid-key")
	})
	require.Empty(t, g.listTopicNamesAndTypes(false))
}

func TestGraphCache_QueryingSubFiresForExistingTransientLocalPub(t *testing.T) {
	g := newTestGraph()
	pub := pubDesc("z1", "/state", DurabilityTransientLocal)
	g.ingestPut(formatKey(pub))

	var fired []EntityDescriptor
	g.registerQueryingSub("/state", GID{1}, func(d EntityDescriptor) {
		fired = append(fired, d)
	})

	require.Len(t, fired, 1)
	require.Equal(t, pub.GID(), fired[0].GID())
}

func TestGraphCache_QueryingSubFiresForLatePub(t *testing.T) {
	g := newTestGraph()
	var fired []EntityDescriptor
	g.registerQueryingSub("/state", GID{1}, func(d EntityDescriptor) {
		fired = append(fired, d)
	})
	require.Empty(t, fired)

	pub := pubDesc("z1", "/state", DurabilityTransientLocal)
	g.ingestPut(formatKey(pub))

	require.Len(t, fired, 1)
}

func TestGraphCache_ServerNodesForService(t *testing.T) {
	g := newTestGraph()
	srv := EntityDescriptor{
		ZID: "srv-host", NodeID: 1, EntityID: 1, Kind: KindService,
		Node:  NodeInfo{Namespace: "/", Name: "adder"},
		Topic: TopicInfo{Name: "/add_two_ints", TypeName: "t", TypeHash: "h", QoS: DefaultQoS()},
	}
	g.ingestPut(formatKey(srv))

	nodes := g.serverNodesForService("/add_two_ints")
	require.Equal(t, []string{"srv-host"}, nodes)
	require.Empty(t, g.serverNodesForService("/unknown"))
}

func nodeDesc(zid, namespace, name string) EntityDescriptor {
	return EntityDescriptor{
		ZID:      zid,
		NodeID:   1,
		EntityID: 0,
		Kind:     KindNode,
		Node:     NodeInfo{Namespace: namespace, Name: name},
	}
}

func TestGraphCache_NodeNamesEnumeratesEveryNode(t *testing.T) {
	g := newTestGraph()
	g.ingestPut(formatKey(nodeDesc("z1", "/", "talker")))
	g.ingestPut(formatKey(nodeDesc("z2", "/robot1", "listener")))

	names := g.nodeNames()
	require.Len(t, names, 2)
}

func TestGraphCache_NodeNamesInNamespaceFiltersByPrefix(t *testing.T) {
	g := newTestGraph()
	g.ingestPut(formatKey(nodeDesc("z1", "/robot1", "talker")))
	g.ingestPut(formatKey(nodeDesc("z2", "/robot2", "talker")))
	g.ingestPut(formatKey(nodeDesc("z3", "/robot1", "listener")))

	names := g.nodeNamesInNamespace("/robot1")
	require.Len(t, names, 2)
	for _, n := range names {
		require.Equal(t, "/robot1", n.Namespace)
	}

	require.Empty(t, g.nodeNamesInNamespace("/robot3"))
}

func TestGraphCache_QoSIncompatibleFiresCallback(t *testing.T) {
	g := newTestGraph()
	sub := subDesc("z-sub", "/chatter")
	g.ingestPut(formatKey(sub))

	var firedKind QoSEventKind
	fired := false
	g.registerQoSEventCallback(sub.GID(), QoSEventIncompatible, func(_ EntityDescriptor, kind QoSEventKind) {
		fired = true
		firedKind = kind
	})

	bestEffortPub := pubDesc("z-pub", "/chatter", DurabilityVolatile)
	bestEffortPub.Topic.QoS.Reliability = ReliabilityBestEffort
	g.ingestPut(formatKey(bestEffortPub))

	require.True(t, fired)
	require.Equal(t, QoSEventIncompatible, firedKind)
}
