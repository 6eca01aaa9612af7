package rmwadapter

// CongestionControl mirrors the transport's put-side backpressure
// policy: BLOCK makes publish wait for room, DROP silently discards
// under pressure.
type CongestionControl uint8

const (
	CongestionControlDrop CongestionControl = iota
	CongestionControlBlock
)

// TransportQoS is what best_available's mapping step hands to the
// transport session for a publish or subscribe declaration.
type TransportQoS struct {
	CongestionControl CongestionControl
	Reliable          bool
	CacheDepth        int // > 0 iff a publication cache should be attached
	UseQueryingSub    bool
}

// endpointKind distinguishes which side of a topic best_available is
// computing policy for.
type endpointKind uint8

const (
	endpointPublisher endpointKind = iota
	endpointSubscription
)

// bestAvailable computes the effective policy for a new endpoint given
// the peer endpoints already registered for topic in the graph cache.
// Fields explicitly marked "best-available" in requested are narrowed
// to the strictest compatible value among surviving peers; if no peers
// exist yet, requested is returned verbatim.
func bestAvailable(cache *graphCache, kind endpointKind, topic string, requested QoS) QoS {
	peers := cache.endpointInfoForTopic(topic, kind == endpointSubscription)
	if len(peers) == 0 {
		return requested
	}

	effective := requested
	for _, peer := range peers {
		if requested.BestAvailable&QoSBestAvailableReliability != 0 && peer.QoS.Reliability == ReliabilityBestEffort {
			effective.Reliability = ReliabilityBestEffort
		}
		if requested.BestAvailable&QoSBestAvailableDurability != 0 && peer.QoS.Durability == DurabilityVolatile {
			effective.Durability = DurabilityVolatile
		}
		if requested.BestAvailable&QoSBestAvailableDepth != 0 && peer.QoS.Depth < effective.Depth {
			effective.Depth = peer.QoS.Depth
		}
	}
	return effective
}

// mapToTransport translates the effective policy into concrete
// transport options per §4.4:
//
//   - reliable + keep-all      -> congestion control = BLOCK
//   - reliable, otherwise      -> congestion control = DROP
//   - best-effort              -> congestion control = DROP
//   - transient-local (pub)    -> attach a publication cache of capacity depth
//   - transient-local (sub)    -> use a querying subscriber
func mapToTransport(kind endpointKind, q QoS) TransportQoS {
	t := TransportQoS{Reliable: q.Reliability == ReliabilityReliable}

	switch {
	case q.Reliability == ReliabilityReliable && q.History == HistoryKeepAll:
		t.CongestionControl = CongestionControlBlock
	default:
		t.CongestionControl = CongestionControlDrop
	}

	if q.Durability == DurabilityTransientLocal {
		if kind == endpointPublisher {
			t.CacheDepth = q.Depth
		} else {
			t.UseQueryingSub = true
		}
	}

	return t
}
