package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("viscactl", "GET", "/health", 200, 12*time.Millisecond)
	RecordCommand("cam-a", "zoom_tele", "completion", 40*time.Millisecond)
	RecordReply("cam-a", "ack")
	RecordAnomaly("cam-a", "completion_without_ack")
	RecordRetransmission("cam-a", "zoom_tele")
	SetSlotsInUse("cam-a", 1)

	log.Info().Msg("observability/metrics: registration idempotent and recording paths executed")
}

func TestStaleReplyCounter(t *testing.T) {
	RecordStaleReply("cam-stale", "completion")
	RecordStaleReply("cam-stale", "completion")
	if got := testutil.ToFloat64(staleReplies.WithLabelValues("cam-stale", "completion")); got != 2 {
		t.Fatalf("expected 2 stale replies, got %v", got)
	}
	SetSlotsInUse("cam-stale", 2)
	if got := testutil.ToFloat64(slotsInUse.WithLabelValues("cam-stale")); got != 2 {
		t.Fatalf("expected gauge 2, got %v", got)
	}
}
