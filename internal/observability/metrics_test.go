package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/slowbreak/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("admin", "GET", "/health", 200, 12*time.Millisecond)
	RecordMessageSent("metrics-test", "0")
	RecordMessageReceived("metrics-test", "A")
	RecordConnection("metrics-test", 3*time.Second, errors.New("boom"))
	SetLedgerSize("metrics-test", 4)
}

func TestSessionEventCounter(t *testing.T) {
	testlog.Start(t)
	before := testutil.ToFloat64(sessionEvents.WithLabelValues("events-test", EventGapFill))
	RecordSessionEvent("events-test", EventGapFill)
	RecordSessionEvent("events-test", EventGapFill)
	after := testutil.ToFloat64(sessionEvents.WithLabelValues("events-test", EventGapFill))
	if after-before != 2 {
		t.Fatalf("gap fill counter delta got=%v want=2", after-before)
	}
	if got := testutil.ToFloat64(ledgerSize.WithLabelValues("events-test")); got != 0 {
		t.Fatalf("unexpected ledger gauge=%v", got)
	}
}
