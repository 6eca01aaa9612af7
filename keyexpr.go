package rmwadapter

import (
	"fmt"
	"strconv"
	"strings"
)

// livelinessPrefix is the literal token every liveliness key expression
// starts with; it, the domain id and the entity-kind codes are part of
// the wire format and must interoperate with other implementations of
// this adapter.
const livelinessPrefix = "@ros2_lv"

// formatKey losslessly projects d onto a liveliness key expression of
// the shape:
//
//	@ros2_lv/<domain>/<zid>/<nid>/<eid>/<kind>/<ns>/<node>/<enclave>[/<topic>/<type>/<hash>/<qos>]
//
// parseKey(formatKey(d)) == d for all valid descriptors. The qos tail
// carries only the five wire fields, so Topic.QoS.BestAvailable is not
// encoded and parses back as zero.
func formatKey(d EntityDescriptor) string {
	segs := []string{
		livelinessPrefix,
		strconv.FormatUint(uint64(d.Node.DomainID), 10),
		escapeSegment(d.ZID),
		strconv.FormatUint(d.NodeID, 10),
		strconv.FormatUint(d.EntityID, 10),
		d.Kind.tokenCode(),
		escapeSegment(d.Node.Namespace),
		escapeSegment(d.Node.Name),
		escapeSegment(d.Node.Enclave),
	}

	if d.IsTopicKind() {
		segs = append(segs,
			escapeSegment(d.Topic.Name),
			escapeSegment(d.Topic.TypeName),
			escapeSegment(d.Topic.TypeHash),
			formatQoS(d.Topic.QoS),
		)
	}

	return strings.Join(segs, "/")
}

// parseKey is the inverse of formatKey. It fails with ErrMalformedToken
// on any parse error: wrong segment count, unknown kind code, invalid
// escaping, or a malformed qos tail.
func parseKey(key string) (EntityDescriptor, error) {
	segs := strings.Split(key, "/")
	if len(segs) != 9 && len(segs) != 13 {
		return EntityDescriptor{}, fmt.Errorf("%w: wrong segment count %d", ErrMalformedToken, len(segs))
	}
	if segs[0] != livelinessPrefix {
		return EntityDescriptor{}, fmt.Errorf("%w: missing %s prefix", ErrMalformedToken, livelinessPrefix)
	}

	domain, err := strconv.ParseUint(segs[1], 10, 32)
	if err != nil {
		return EntityDescriptor{}, fmt.Errorf("%w: bad domain: %w", ErrMalformedToken, err)
	}

	zid, err := unescapeSegment(segs[2])
	if err != nil {
		return EntityDescriptor{}, fmt.Errorf("%w: bad zid: %w", ErrMalformedToken, err)
	}

	nid, err := strconv.ParseUint(segs[3], 10, 64)
	if err != nil {
		return EntityDescriptor{}, fmt.Errorf("%w: bad nid: %w", ErrMalformedToken, err)
	}

	eid, err := strconv.ParseUint(segs[4], 10, 64)
	if err != nil {
		return EntityDescriptor{}, fmt.Errorf("%w: bad eid: %w", ErrMalformedToken, err)
	}

	kind, ok := kindFromCode(segs[5])
	if !ok {
		return EntityDescriptor{}, fmt.Errorf("%w: unknown kind code %q", ErrMalformedToken, segs[5])
	}

	ns, err := unescapeSegment(segs[6])
	if err != nil {
		return EntityDescriptor{}, fmt.Errorf("%w: bad namespace: %w", ErrMalformedToken, err)
	}
	node, err := unescapeSegment(segs[7])
	if err != nil {
		return EntityDescriptor{}, fmt.Errorf("%w: bad node name: %w", ErrMalformedToken, err)
	}
	enclave, err := unescapeSegment(segs[8])
	if err != nil {
		return EntityDescriptor{}, fmt.Errorf("%w: bad enclave: %w", ErrMalformedToken, err)
	}

	d := EntityDescriptor{
		ZID:      zid,
		NodeID:   nid,
		EntityID: eid,
		Kind:     kind,
		Node: NodeInfo{
			DomainID:  uint32(domain),
			Namespace: ns,
			Name:      node,
			Enclave:   enclave,
		},
	}

	wantsTopic := kind != KindNode
	if wantsTopic != (len(segs) == 13) {
		return EntityDescriptor{}, fmt.Errorf("%w: kind %s segment count mismatch", ErrMalformedToken, kind)
	}

	if !wantsTopic {
		return d, nil
	}

	topicName, err := unescapeSegment(segs[9])
	if err != nil {
		return EntityDescriptor{}, fmt.Errorf("%w: bad topic name: %w", ErrMalformedToken, err)
	}
	typeName, err := unescapeSegment(segs[10])
	if err != nil {
		return EntityDescriptor{}, fmt.Errorf("%w: bad type name: %w", ErrMalformedToken, err)
	}
	typeHash, err := unescapeSegment(segs[11])
	if err != nil {
		return EntityDescriptor{}, fmt.Errorf("%w: bad type hash: %w", ErrMalformedToken, err)
	}
	qos, err := parseQoS(segs[12])
	if err != nil {
		return EntityDescriptor{}, err
	}

	d.Topic = TopicInfo{
		Name:     topicName,
		TypeName: typeName,
		TypeHash: typeHash,
		QoS:      qos,
	}

	return d, nil
}

// formatQoS encodes the five-tuple with fixed single-character codes,
// dot-joined within the qos segment, e.g. "R.T.L.10.A".
func formatQoS(q QoS) string {
	rel := "B"
	if q.Reliability == ReliabilityReliable {
		rel = "R"
	}
	dur := "V"
	if q.Durability == DurabilityTransientLocal {
		dur = "T"
	}
	hist := "L"
	if q.History == HistoryKeepAll {
		hist = "A"
	}
	live := "A"
	if q.Liveliness == LivelinessManual {
		live = "M"
	}
	return strings.Join([]string{rel, dur, hist, strconv.Itoa(q.Depth), live}, ".")
}

func parseQoS(s string) (QoS, error) {
	fields := strings.Split(s, ".")
	if len(fields) != 5 {
		return QoS{}, fmt.Errorf("%w: qos tail expects 5 fields, got %d", ErrMalformedToken, len(fields))
	}

	var q QoS
	switch fields[0] {
	case "R":
		q.Reliability = ReliabilityReliable
	case "B":
		q.Reliability = ReliabilityBestEffort
	default:
		return QoS{}, fmt.Errorf("%w: bad reliability code %q", ErrMalformedToken, fields[0])
	}

	switch fields[1] {
	case "T":
		q.Durability = DurabilityTransientLocal
	case "V":
		q.Durability = DurabilityVolatile
	default:
		return QoS{}, fmt.Errorf("%w: bad durability code %q", ErrMalformedToken, fields[1])
	}

	switch fields[2] {
	case "A":
		q.History = HistoryKeepAll
	case "L":
		q.History = HistoryKeepLast
	default:
		return QoS{}, fmt.Errorf("%w: bad history code %q", ErrMalformedToken, fields[2])
	}

	depth, err := strconv.Atoi(fields[3])
	if err != nil || depth < 1 {
		return QoS{}, fmt.Errorf("%w: bad depth %q", ErrMalformedToken, fields[3])
	}
	q.Depth = depth

	switch fields[4] {
	case "A":
		q.Liveliness = LivelinessAutomatic
	case "M":
		q.Liveliness = LivelinessManual
	default:
		return QoS{}, fmt.Errorf("%w: bad liveliness code %q", ErrMalformedToken, fields[4])
	}

	return q, nil
}

// escapeSegment applies the minimal reversible escaping required to
// safely embed an arbitrary string inside one '/'-delimited key
// expression segment: '%' and '/' are the only two characters that can
// break the framing, so only they are escaped.
func escapeSegment(s string) string {
	if !strings.ContainsAny(s, "%/") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%':
			b.WriteString("%25")
		case '/':
			b.WriteString("%2F")
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// unescapeSegment is the inverse of escapeSegment. It fails with
// ErrMalformedToken on a truncated or unknown escape.
func unescapeSegment(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("%w: truncated escape at offset %d", ErrMalformedToken, i)
		}
		switch s[i+1 : i+3] {
		case "25":
			b.WriteByte('%')
		case "2F":
			b.WriteByte('/')
		default:
			return "", fmt.Errorf("%w: unknown escape %%%s", ErrMalformedToken, s[i+1:i+3])
		}
		i += 2
	}
	return b.String(), nil
}
