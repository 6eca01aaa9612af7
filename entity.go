package rmwadapter

import (
	"crypto/sha256"
	"encoding/hex"
)

// Kind tags what an EntityDescriptor represents in the graph.
type Kind uint8

const (
	KindNode Kind = iota
	KindPublisher
	KindSubscription
	KindService
	KindClient
)

// tokenCode is the single two-letter code each Kind occupies in a
// liveliness key expression, bit-exact per the wire format: {"NN","MP",
// "MS","SS","SC"}.
func (k Kind) tokenCode() string {
	switch k {
	case KindNode:
		return "NN"
	case KindPublisher:
		return "MP"
	case KindSubscription:
		return "MS"
	case KindService:
		return "SS"
	case KindClient:
		return "SC"
	default:
		return ""
	}
}

func kindFromCode(code string) (Kind, bool) {
	switch code {
	case "NN":
		return KindNode, true
	case "MP":
		return KindPublisher, true
	case "MS":
		return KindSubscription, true
	case "SS":
		return KindService, true
	case "SC":
		return KindClient, true
	default:
		return 0, false
	}
}

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindPublisher:
		return "publisher"
	case KindSubscription:
		return "subscription"
	case KindService:
		return "service"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

// Reliability is the reliability QoS policy.
type Reliability uint8

const (
	ReliabilityBestEffort Reliability = iota
	ReliabilityReliable
)

// Durability is the durability QoS policy.
type Durability uint8

const (
	DurabilityVolatile Durability = iota
	DurabilityTransientLocal
)

// History is the history QoS policy.
type History uint8

const (
	HistoryKeepLast History = iota
	HistoryKeepAll
)

// LivelinessKind is carried on the wire for compatibility but ignored
// for routing, matching deadline/lifespan/liveliness in §3.
type LivelinessKind uint8

const (
	LivelinessAutomatic LivelinessKind = iota
	LivelinessManual
)

// QoSFieldMask marks which fields of a requested QoS are
// "best-available" (§4.4): negotiated down to the strictest value
// already held by a registered peer. A field left unmarked is a hard
// requirement instead. best_available must leave it untouched, so a
// peer that cannot satisfy it verbatim is incompatible rather than
// silently narrowed to match.
type QoSFieldMask uint8

const (
	QoSBestAvailableReliability QoSFieldMask = 1 << iota
	QoSBestAvailableDurability
	QoSBestAvailableDepth
)

// QoSBestAvailableAll marks every negotiable field best-available,
// matching the pre-negotiation behaviour a caller gets from DefaultQoS.
const QoSBestAvailableAll = QoSBestAvailableReliability | QoSBestAvailableDurability | QoSBestAvailableDepth

// QoS is the effective quality-of-service five-tuple attached to every
// non-node entity. Invariant: Depth >= 1. BestAvailable only matters on
// the QoS passed into CreatePublisher/CreateSubscription as the
// requested policy; it is never itself part of the wire-propagated
// effective QoS a peer negotiates against.
type QoS struct {
	Reliability Reliability
	Durability  Durability
	History     History
	Depth       int
	Liveliness  LivelinessKind

	BestAvailable QoSFieldMask
}

// DefaultQoS mirrors the conservative default a fresh publisher or
// subscription starts from before best_available narrows it, with every
// negotiable field marked best-available.
func DefaultQoS() QoS {
	return QoS{
		Reliability:   ReliabilityReliable,
		Durability:    DurabilityVolatile,
		History:       HistoryKeepLast,
		Depth:         10,
		Liveliness:    LivelinessAutomatic,
		BestAvailable: QoSBestAvailableAll,
	}
}

// Validate enforces the Depth >= 1 invariant.
func (q QoS) Validate() error {
	if q.Depth < 1 {
		return ErrInvalidArgument
	}
	return nil
}

// TopicInfo names a topic or service and its wire-level type together
// with the effective QoS negotiated for one endpoint on it.
type TopicInfo struct {
	Name     string
	TypeName string
	TypeHash string
	QoS      QoS
}

// NodeInfo places an entity in its enclosing node.
type NodeInfo struct {
	DomainID  uint32
	Namespace string
	Name      string
	Enclave   string
}

// GID is a 16-byte globally-unique identifier for one endpoint, derived
// deterministically from the hosting session's transport id and the
// entity's node/entity-scoped id. Equality of GID implies equality of
// endpoint identity across the mesh.
type GID [16]byte

// String renders the GID as lowercase hex. Liveliness key expressions
// do not carry the GID; they carry the zid and node/entity ids it is
// derived from.
func (g GID) String() string {
	return hex.EncodeToString(g[:])
}

// IsZero reports whether the GID was never assigned.
func (g GID) IsZero() bool {
	return g == GID{}
}

// deriveGID hashes the session's transport identifier together with the
// node-scoped and entity-scoped ids into a 16-byte GID. original_source
// uses BLAKE3 for this; no BLAKE3 module is present anywhere in the
// retrieved dependency pack, so this module truncates a standard-library
// SHA-256 digest instead — any collision-resistant hash satisfies the
// invariant that GID equality implies endpoint identity equality.
func deriveGID(zid string, nodeID, entityID uint64) GID {
	h := sha256.New()
	h.Write([]byte(zid))
	var buf [16]byte
	putUint64(buf[0:8], nodeID)
	putUint64(buf[8:16], entityID)
	h.Write(buf[:])
	sum := h.Sum(nil)
	var gid GID
	copy(gid[:], sum[:16])
	return gid
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

// EntityDescriptor is the canonical record of one graph participant. It
// round-trips exactly through its liveliness key expression (see
// keyexpr.go). Created when the application creates the entity,
// destroyed when the liveliness token is undeclared.
type EntityDescriptor struct {
	ZID      string // transport identifier of the hosting session
	NodeID   uint64 // node-scoped unique id
	EntityID uint64 // entity-scoped unique id
	Kind     Kind

	Node NodeInfo

	// Topic is populated for every Kind except KindNode.
	Topic TopicInfo
}

// GID derives this entity's GID from its identity fields.
func (e EntityDescriptor) GID() GID {
	return deriveGID(e.ZID, e.NodeID, e.EntityID)
}

// IsTopicKind reports whether this descriptor carries topic/service
// information (i.e. it is not a bare node).
func (e EntityDescriptor) IsTopicKind() bool {
	return e.Kind != KindNode
}

// IsPubSub reports whether the entity is a Publisher or Subscription, as
// opposed to a Service or Client.
func (e EntityDescriptor) IsPubSub() bool {
	return e.Kind == KindPublisher || e.Kind == KindSubscription
}
