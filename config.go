package rmwadapter

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/armon/go-metrics"
	hcmetrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// envConfigOverride names the environment variable a test harness can
// set to a JSON file path to override every field of a TransportConfig
// without touching the process's real configuration, matching the
// "test isolation" entrypoint requirement (§6).
const envConfigOverride = "ZENOH_CONFIG_OVERRIDE"

// TransportConfig is the on-disk/JSON shape of a Context's transport
// configuration: everything WithXxx options below can also set.
type TransportConfig struct {
	BindAddr           string   `json:"bind_addr"`
	BindPort           int      `json:"bind_port"`
	RouterEndpoints    []string `json:"router_endpoints"`
	BootstrapAttempts  int      `json:"bootstrap_attempts"`
	BootstrapInterval  string   `json:"bootstrap_interval"`
	SHMEnabled         bool     `json:"shm_enabled"`
	SHMThresholdBytes  int      `json:"shm_threshold_bytes"`
	BufferPoolCapBytes int64    `json:"buffer_pool_cap_bytes"`
}

func defaultTransportConfig() TransportConfig {
	return TransportConfig{
		BindAddr:           "0.0.0.0",
		BindPort:           0,
		BootstrapAttempts:  5,
		BootstrapInterval:  "1s",
		SHMEnabled:         true,
		SHMThresholdBytes:  8192,
		BufferPoolCapBytes: defaultPoolCapBytes,
	}
}

// loadTransportConfig starts from defaultTransportConfig, then applies
// the file named by ZENOH_CONFIG_OVERRIDE if it is set, matching the
// "read config, then let env override for tests" idiom used to keep
// test fixtures out of shared config files.
func loadTransportConfig() (TransportConfig, error) {
	cfg := defaultTransportConfig()

	path := os.Getenv(envConfigOverride)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: reading %s: %w", ErrInvalidArgument, path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parsing %s: %w", ErrInvalidArgument, path, err)
	}
	return cfg, nil
}

func (c TransportConfig) bootstrapInterval() time.Duration {
	d, err := time.ParseDuration(c.BootstrapInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// config is the fully-resolved options bag a Context assembles before
// opening its transportSession, mirroring the teacher's config struct
// composed by functional options.
type config struct {
	transport    TransportConfig
	mlCfg        *memberlist.Config
	logHandler   slog.Handler
	msink        hcmetrics.MetricSink
	tlsConfig    *tls.Config
	hostname     string
	metricLabels []hcmetrics.Label
}

// Option configures a Context at OpenContext time.
type Option func(*config) error

// WithListenOn overrides the gossip layer's bind interface. The QUIC
// data-plane listener binds separately (see WithDataPlaneListenOn):
// unlike the teacher, where one QUIC socket serves as the memberlist
// transport itself, here gossip rides plain UDP memberlist and QUIC is
// dedicated to publish/subscribe sample delivery, so the two must not
// share a port.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		return nil
	}
}

// WithDataPlaneListenOn overrides the QUIC data-plane listener's bind
// interface. Defaults to an ephemeral port on all interfaces.
func WithDataPlaneListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.transport.BindAddr = addr
		c.transport.BindPort = port
		return nil
	}
}

// WithRouters sets the router endpoints the router-bootstrap poll
// dials at startup.
func WithRouters(endpoints ...string) Option {
	return func(c *config) error {
		c.transport.RouterEndpoints = endpoints
		return nil
	}
}

// WithLog sets the slog.Handler shared by every engine and by the
// gossip layer's bridged standard logger.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithHostname records hostname in the Context's config. It does not
// change the mesh node name, which is always the session's ZenohID
// string.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		c.hostname = hostname
		return nil
	}
}

// WithTLSConfig sets the mTLS configuration used by the QUIC data
// plane. Required: QUIC refuses to listen without one.
func WithTLSConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		c.tlsConfig = tlsConf
		return nil
	}
}

// WithMetricSink overrides the hashicorp/go-metrics sink every engine
// emits counters and gauges through; defaults to metrics.Default().
func WithMetricSink(sink hcmetrics.MetricSink) Option {
	return func(c *config) error {
		c.msink = sink
		return nil
	}
}

// WithMetricLabels attaches static labels to every metric emitted by
// this Context, propagated to both the hashicorp/go-metrics sink and
// the memberlist legacy armon/go-metrics label slice, exactly like the
// teacher's dual-library translation.
func WithMetricLabels(labels []hcmetrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.mlCfg.MetricLabels = make([]metrics.Label, len(labels))
		for i, l := range labels {
			c.mlCfg.MetricLabels[i] = metrics.Label{Name: l.Name, Value: l.Value}
		}
		return nil
	}
}

// WithBootstrapAttempts overrides how many times the router-bootstrap
// poll retries before giving up and running routerless.
func WithBootstrapAttempts(attempts int) Option {
	return func(c *config) error {
		c.transport.BootstrapAttempts = attempts
		return nil
	}
}

// WithSHM enables or disables the shared-memory allocation path and
// its size threshold.
func WithSHM(enabled bool, thresholdBytes int) Option {
	return func(c *config) error {
		c.transport.SHMEnabled = enabled
		c.transport.SHMThresholdBytes = thresholdBytes
		return nil
	}
}

func newConfig() (*config, error) {
	tc, err := loadTransportConfig()
	if err != nil {
		return nil, err
	}
	return &config{
		transport: tc,
		mlCfg:     memberlist.DefaultLANConfig(),
	}, nil
}
