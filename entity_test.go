package rmwadapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveGID_DeterministicAndDistinct(t *testing.T) {
	a := deriveGID("zid-1", 1, 1)
	b := deriveGID("zid-1", 1, 1)
	require.Equal(t, a, b, "same inputs must derive the same GID")

	c := deriveGID("zid-1", 1, 2)
	require.NotEqual(t, a, c, "different entity id must derive a different GID")

	d := deriveGID("zid-2", 1, 1)
	require.NotEqual(t, a, d, "different session id must derive a different GID")
}

func TestGID_IsZero(t *testing.T) {
	var g GID
	require.True(t, g.IsZero())
	g[0] = 1
	require.False(t, g.IsZero())
}

func TestKind_TokenCodeRoundTrip(t *testing.T) {
	kinds := []Kind{KindNode, KindPublisher, KindSubscription, KindService, KindClient}
	for _, k := range kinds {
		code := k.tokenCode()
		require.NotEmpty(t, code)
		got, ok := kindFromCode(code)
		require.True(t, ok)
		require.Equal(t, k, got)
	}
}

func TestKindFromCode_UnknownCode(t *testing.T) {
	_, ok := kindFromCode("ZZ")
	require.False(t, ok)
}

func TestEntityDescriptor_IsTopicKindAndIsPubSub(t *testing.T) {
	node := EntityDescriptor{Kind: KindNode}
	require.False(t, node.IsTopicKind())
	require.False(t, node.IsPubSub())

	pub := EntityDescriptor{Kind: KindPublisher}
	require.True(t, pub.IsTopicKind())
	require.True(t, pub.IsPubSub())

	srv := EntityDescriptor{Kind: KindService}
	require.True(t, srv.IsTopicKind())
	require.False(t, srv.IsPubSub())
}
