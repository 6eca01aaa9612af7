package rmwadapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBestAvailable_NoPeersReturnsRequestedVerbatim(t *testing.T) {
	g := newTestGraph()
	requested := DefaultQoS()
	effective := bestAvailable(g, endpointPublisher, "/chatter", requested)
	require.Equal(t, requested, effective)
}

func TestBestAvailable_NarrowsToBestEffortPeer(t *testing.T) {
	g := newTestGraph()
	pub := pubDesc("z1", "/chatter", DurabilityVolatile)
	pub.Topic.QoS.Reliability = ReliabilityBestEffort
	g.ingestPut(formatKey(pub))

	requested := DefaultQoS()
	effective := bestAvailable(g, endpointSubscription, "/chatter", requested)
	require.Equal(t, ReliabilityBestEffort, effective.Reliability)
}

func TestBestAvailable_NarrowsDepthToSmallestPeer(t *testing.T) {
	g := newTestGraph()
	pub := pubDesc("z1", "/chatter", DurabilityVolatile)
	pub.Topic.QoS.Depth = 3
	g.ingestPut(formatKey(pub))

	requested := DefaultQoS()
	requested.Depth = 10
	effective := bestAvailable(g, endpointSubscription, "/chatter", requested)
	require.Equal(t, 3, effective.Depth)
}

func TestBestAvailable_HardRequirementIsNotNarrowed(t *testing.T) {
	g := newTestGraph()
	pub := pubDesc("z1", "/chatter", DurabilityVolatile)
	pub.Topic.QoS.Reliability = ReliabilityBestEffort
	g.ingestPut(formatKey(pub))

	requested := DefaultQoS()
	requested.BestAvailable &^= QoSBestAvailableReliability
	effective := bestAvailable(g, endpointSubscription, "/chatter", requested)
	require.Equal(t, ReliabilityReliable, effective.Reliability, "an unmarked field is a hard requirement, not narrowed to a weaker peer")
}

func TestGraphCache_QoSIncompatibleReachableThroughNegotiation(t *testing.T) {
	g := newTestGraph()

	requested := DefaultQoS()
	requested.BestAvailable &^= QoSBestAvailableReliability
	sub := subDesc("z-sub", "/chatter")
	sub.Topic.QoS = bestAvailable(g, endpointSubscription, "/chatter", requested)
	g.ingestPut(formatKey(sub))
	require.Equal(t, ReliabilityReliable, sub.Topic.QoS.Reliability)

	fired := false
	g.registerQoSEventCallback(sub.GID(), QoSEventIncompatible, func(_ EntityDescriptor, kind QoSEventKind) {
		fired = true
	})

	bestEffortPub := pubDesc("z-pub", "/chatter", DurabilityVolatile)
	bestEffortPub.Topic.QoS.Reliability = ReliabilityBestEffort
	g.ingestPut(formatKey(bestEffortPub))

	require.True(t, fired, "a sub whose reliability was a hard requirement must still see an incompatible best-effort peer flagged")
}

func TestMapToTransport_ReliableKeepAllBlocks(t *testing.T) {
	q := QoS{Reliability: ReliabilityReliable, History: HistoryKeepAll, Durability: DurabilityVolatile, Depth: 1}
	tq := mapToTransport(endpointPublisher, q)
	require.Equal(t, CongestionControlBlock, tq.CongestionControl)
	require.True(t, tq.Reliable)
}

func TestMapToTransport_BestEffortDrops(t *testing.T) {
	q := QoS{Reliability: ReliabilityBestEffort, History: HistoryKeepLast, Durability: DurabilityVolatile, Depth: 1}
	tq := mapToTransport(endpointSubscription, q)
	require.Equal(t, CongestionControlDrop, tq.CongestionControl)
	require.False(t, tq.Reliable)
}

func TestMapToTransport_TransientLocalPublisherGetsCache(t *testing.T) {
	q := QoS{Reliability: ReliabilityReliable, History: HistoryKeepLast, Durability: DurabilityTransientLocal, Depth: 5}
	tq := mapToTransport(endpointPublisher, q)
	require.Equal(t, 5, tq.CacheDepth)
	require.False(t, tq.UseQueryingSub)
}

func TestMapToTransport_TransientLocalSubscriptionUsesQueryingSub(t *testing.T) {
	q := QoS{Reliability: ReliabilityReliable, History: HistoryKeepLast, Durability: DurabilityTransientLocal, Depth: 5}
	tq := mapToTransport(endpointSubscription, q)
	require.True(t, tq.UseQueryingSub)
	require.Zero(t, tq.CacheDepth)
}

func TestQoS_ValidateRejectsZeroDepth(t *testing.T) {
	q := DefaultQoS()
	q.Depth = 0
	require.ErrorIs(t, q.Validate(), ErrInvalidArgument)
}

func TestQoSKeyExpr_RoundTrip(t *testing.T) {
	for _, q := range []QoS{
		{Reliability: ReliabilityReliable, Durability: DurabilityVolatile, History: HistoryKeepLast, Depth: 10, Liveliness: LivelinessAutomatic},
		{Reliability: ReliabilityBestEffort, Durability: DurabilityTransientLocal, History: HistoryKeepAll, Depth: 1, Liveliness: LivelinessManual},
	} {
		got, err := parseQoS(formatQoS(q))
		require.NoError(t, err)
		require.Equal(t, q, got)
	}
}
