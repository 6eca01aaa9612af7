package rmwadapter

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

// Metric key paths, one per counter/gauge the engines emit through the
// configured metrics.MetricSink.
var (
	MetricGraphTokensIngested   = []string{"rmwadapter", "graph", "tokens", "ingested"}
	MetricGraphTokensDropped    = []string{"rmwadapter", "graph", "tokens", "dropped"}
	MetricPublisherSamplesOut   = []string{"rmwadapter", "publisher", "samples", "out"}
	MetricPublisherErrorCount   = []string{"rmwadapter", "publisher", "error", "count"}
	MetricSubscriptionSamplesIn = []string{"rmwadapter", "subscription", "samples", "in"}
	MetricSubscriptionDropped   = []string{"rmwadapter", "subscription", "dropped"}
	MetricSubscriptionLost      = []string{"rmwadapter", "subscription", "lost"}
	MetricServiceRequestsIn     = []string{"rmwadapter", "service", "requests", "in"}
	MetricClientRepliesIn       = []string{"rmwadapter", "client", "replies", "in"}
	MetricRouterBootstrapWait   = []string{"rmwadapter", "context", "router", "bootstrap", "wait"}
)

// TelemetryLabel names a structured-log / metrics-label key shared by
// every engine, mirroring the teacher's slog+go-metrics dual-purpose
// label type.
type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelTopic     TelemetryLabel = "topic"
	LabelEntityGID TelemetryLabel = "entity_gid"
	LabelPeerName  TelemetryLabel = "peer_name"
	LabelSequence  TelemetryLabel = "sequence"
	LabelDuration  TelemetryLabel = "duration"
)

// M renders the label as a hashicorp/go-metrics Label for counter and
// gauge calls.
func (l TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(l), Value: val}
}

// L renders the label as an slog.Attr for structured logging.
func (l TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{Key: string(l), Value: slog.AnyValue(val)}
}
