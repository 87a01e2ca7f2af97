package carrier

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricHandshakeCount      = []string{"carrier", "handshake", "count"}
	MetricHandshakeErrorCount = []string{"carrier", "handshake", "error", "count"}
	MetricHandshakeDuration   = []string{"carrier", "handshake", "duration"}
	MetricStreamOutBytes      = []string{"carrier", "stream", "out", "bytes"}
	MetricStreamInBytes       = []string{"carrier", "stream", "in", "bytes"}
	MetricStreamErrorCount    = []string{"carrier", "stream", "error", "count"}
	MetricControlCount        = []string{"carrier", "stream", "control", "count"}
	MetricGroupMembers        = []string{"carrier", "group", "members"}
	MetricGroupDroppedCount   = []string{"carrier", "group", "dropped", "count"}
	MetricElectionCount       = []string{"carrier", "election", "count"}
	MetricElectionHandoff     = []string{"carrier", "election", "handoff", "count"}
	MetricUDPBufferSizeBytes  = []string{"carrier", "udp", "buffer", "size", "bytes"}
	MetricDirectoryPorts      = []string{"carrier", "directory", "ports"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelCarrier   TelemetryLabel = "carrier"
	LabelRoute     TelemetryLabel = "route"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelPeerName  TelemetryLabel = "peer_name"
	LabelPortName  TelemetryLabel = "port_name"
	LabelGroup     TelemetryLabel = "group"
	LabelCommand   TelemetryLabel = "command"
	LabelDirection TelemetryLabel = "direction"
	LabelDuration  TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels never aliases base, several goroutines share it.
func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+len(extra))
	labels = append(labels, base...)
	return append(labels, extra...)
}
