package ringboot

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricBootstrapConnOutCount     = []string{"bootstrap", "conn", "out", "count"}
	MetricBootstrapConnInCount      = []string{"bootstrap", "conn", "in", "count"}
	MetricBootstrapP2POutBytes      = []string{"bootstrap", "p2p", "out", "bytes"}
	MetricBootstrapP2PInBytes       = []string{"bootstrap", "p2p", "in", "bytes"}
	MetricBootstrapUnexpectedCount  = []string{"bootstrap", "unexpected", "count"}
	MetricBootstrapUnexpectedDepth  = []string{"bootstrap", "unexpected", "depth"}
	MetricBootstrapAllGatherCount   = []string{"bootstrap", "allgather", "count"}
	MetricBootstrapBarrierCount     = []string{"bootstrap", "barrier", "count"}
	MetricBootstrapRootCheckinCount = []string{"bootstrap", "root", "checkin", "count"}
)

type TelemetryLabel string

var (
	LabelRank  TelemetryLabel = "rank"
	LabelPeer  TelemetryLabel = "peer"
	LabelTag   TelemetryLabel = "tag"
	LabelError TelemetryLabel = "error"
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
