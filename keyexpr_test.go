package rmwadapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyExpr_RoundTrip(t *testing.T) {
	// The qos tail carries only the five wire fields; BestAvailable is
	// not encoded, so the round-tripped descriptors leave it zero.
	wireQoS := QoS{
		Reliability: ReliabilityReliable,
		Durability:  DurabilityVolatile,
		History:     HistoryKeepLast,
		Depth:       10,
		Liveliness:  LivelinessAutomatic,
	}
	cases := []struct {
		name string
		desc EntityDescriptor
	}{
		{
			name: "bare node",
			desc: EntityDescriptor{
				ZID:    "abc123",
				NodeID: 1,
				Kind:   KindNode,
				Node:   NodeInfo{DomainID: 0, Namespace: "/", Name: "talker", Enclave: "/"},
			},
		},
		{
			name: "publisher with qos",
			desc: EntityDescriptor{
				ZID:      "abc123",
				NodeID:   1,
				EntityID: 4,
				Kind:     KindPublisher,
				Node:     NodeInfo{DomainID: 42, Namespace: "/ns", Name: "talker", Enclave: "/enc"},
				Topic: TopicInfo{
					Name:     "/chatter",
					TypeName: "std_msgs/msg/String",
					TypeHash: "RIHS01_deadbeef",
					QoS:      wireQoS,
				},
			},
		},
		{
			name: "service with escaped segments",
			desc: EntityDescriptor{
				ZID:      "z/id%with/slash",
				NodeID:   9,
				EntityID: 2,
				Kind:     KindService,
				Node:     NodeInfo{DomainID: 0, Namespace: "/a/b", Name: "srv%node", Enclave: "/"},
				Topic: TopicInfo{
					Name:     "/add_two_ints",
					TypeName: "example_interfaces/srv/AddTwoInts",
					TypeHash: "RIHS01_cafe",
					QoS:      wireQoS,
				},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key := formatKey(tc.desc)
			got, err := parseKey(key)
			require.NoError(t, err)
			require.Equal(t, tc.desc, got)
		})
	}
}

func TestKeyExpr_MalformedInputs(t *testing.T) {
	cases := []string{
		"",
		"@ros2_lv/not-enough/segments",
		"wrong_prefix/0/z/1/2/NN/ns/n/enc",
		"@ros2_lv/0/z/1/2/ZZ/ns/n/enc",
		"@ros2_lv/0/z/1/2/MP/ns/n/enc/topic/type/hash/BAD.QOS",
	}
	for _, key := range cases {
		_, err := parseKey(key)
		require.Error(t, err)
		require.ErrorIs(t, err, ErrMalformedToken)
	}
}

func TestEscapeSegment_RoundTrip(t *testing.T) {
	inputs := []string{"", "plain", "has/slash", "has%percent", "both/%mixed"}
	for _, in := range inputs {
		out, err := unescapeSegment(escapeSegment(in))
		require.NoError(t, err)
		require.Equal(t, in, out)
	}
}
