package rmwadapter

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/serf/serf"
)

// TestRouter is an ad-hoc mesh rendezvous point with no application
// entities of its own: other Contexts join it via WithRouters, then
// gossip discovers each other through it. It exists purely to give
// integration tests a stable bootstrap address instead of depending on
// a well-known production router (§6 test-isolation entry points).
type TestRouter struct {
	session *transportSession
	zid     ZenohID
}

// StartTestRouter binds an ad-hoc router's gossip listener to
// bindAddr:bindPort (use "127.0.0.1", 0 to let the OS choose a port) and
// returns it already accepting gossip joins. Its QUIC listener binds
// bindAddr on an OS-chosen port. Advertise Endpoint() to peers via
// WithRouters.
func StartTestRouter(bindAddr string, bindPort int) (*TestRouter, error) {
	zid, err := newZenohID()
	if err != nil {
		return nil, err
	}

	identity, err := generateSelfSignedIdentity("rmwadapter-test-router")
	if err != nil {
		return nil, err
	}

	serfCfg := serf.DefaultConfig()
	serfCfg.MemberlistConfig.BindAddr = bindAddr
	serfCfg.MemberlistConfig.BindPort = bindPort

	sessCfg := sessionConfig{
		serfCfg:    serfCfg,
		logHandler: slog.Default().Handler(),
		quicCfg: quicFabricConfig{
			BindAddr:  bindAddr,
			BindPort:  0,
			TLSConfig: identity.tlsConfig(),
		},
	}

	session, err := openSession(zid, sessCfg, nil, nil, nil, nil)
	if err != nil {
		return nil, err
	}

	return &TestRouter{session: session, zid: zid}, nil
}

// Endpoint returns the gossip address other sessions should pass to
// WithRouters to join through this router.
func (r *TestRouter) Endpoint() string {
	return fmt.Sprintf("%s:%d", r.session.serf.LocalMember().Addr.String(), r.session.serf.LocalMember().Port)
}

// ZID returns the router's session identifier, useful for log
// correlation in test output.
func (r *TestRouter) ZID() ZenohID {
	return r.zid
}

// Stop tears the router down, releasing its bound sockets.
func (r *TestRouter) Stop() error {
	return r.session.close()
}
