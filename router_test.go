package rmwadapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRouter_StartAndStop(t *testing.T) {
	router, err := StartTestRouter("127.0.0.1", 0)
	require.NoError(t, err)
	defer router.Stop()

	require.NotEmpty(t, router.Endpoint())
	require.False(t, router.ZID().IsZero())
}

func TestOpenContext_JoinsThroughRouter(t *testing.T) {
	router, err := StartTestRouter("127.0.0.1", 0)
	require.NoError(t, err)
	defer router.Stop()

	identity, err := generateSelfSignedIdentity("ctx1")
	require.NoError(t, err)

	ctx1, err := OpenContext(
		WithHostname("ctx1"),
		WithDataPlaneListenOn("127.0.0.1", 0),
		WithListenOn("127.0.0.1", 0),
		WithTLSConfig(identity.tlsConfig()),
		WithRouters(router.Endpoint()),
		WithBootstrapAttempts(3),
	)
	require.NoError(t, err)
	defer ctx1.Close()

	require.Eventually(t, func() bool {
		return ctx1.session.memberCount() > 1
	}, 10*time.Second, 100*time.Millisecond)

	require.Equal(t, ContextRunning, ctx1.State())
}

func TestContext_DeclareAndUndeclareLiveliness(t *testing.T) {
	router, err := StartTestRouter("127.0.0.1", 0)
	require.NoError(t, err)
	defer router.Stop()

	identity, err := generateSelfSignedIdentity("ctx2")
	require.NoError(t, err)

	ctx, err := OpenContext(
		WithHostname("ctx2"),
		WithDataPlaneListenOn("127.0.0.1", 0),
		WithListenOn("127.0.0.1", 0),
		WithTLSConfig(identity.tlsConfig()),
		WithBootstrapAttempts(1),
	)
	require.NoError(t, err)
	defer ctx.Close()

	node, err := CreateNode(ctx, 0, "/", "talker", "/")
	require.NoError(t, err)

	pub, err := CreatePublisher(node, "/chatter", "std_msgs/msg/String", "h1", DefaultQoS())
	require.NoError(t, err)

	names := ctx.Graph().listTopicNamesAndTypes(false)
	require.Contains(t, names, "/chatter")

	pub.shutdown()

	names = ctx.Graph().listTopicNamesAndTypes(false)
	require.NotContains(t, names, "/chatter")
}

func TestContext_CloseDropsRegisteredNodesAndTheirEntities(t *testing.T) {
	router, err := StartTestRouter("127.0.0.1", 0)
	require.NoError(t, err)
	defer router.Stop()

	identity, err := generateSelfSignedIdentity("ctx3")
	require.NoError(t, err)

	ctx, err := OpenContext(
		WithHostname("ctx3"),
		WithDataPlaneListenOn("127.0.0.1", 0),
		WithListenOn("127.0.0.1", 0),
		WithTLSConfig(identity.tlsConfig()),
		WithBootstrapAttempts(1),
	)
	require.NoError(t, err)

	node, err := CreateNode(ctx, 0, "/", "talker", "/")
	require.NoError(t, err)

	pub, err := CreatePublisher(node, "/chatter", "std_msgs/msg/String", "h1", DefaultQoS())
	require.NoError(t, err)
	require.False(t, pub.isClosed())

	require.NoError(t, ctx.Close())

	require.True(t, pub.isClosed(), "Close must cascade into every Node it registered and shut down their entities")
	require.ErrorIs(t, pub.Publish(context.Background(), []byte("x")), ErrShutdown)

	names := ctx.Graph().listTopicNamesAndTypes(false)
	require.NotContains(t, names, "/chatter")
}
