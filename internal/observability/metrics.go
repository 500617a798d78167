package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slowbreak",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"service", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "slowbreak",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "route", "status"},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slowbreak",
			Subsystem: "session",
			Name:      "messages_sent_total",
			Help:      "Messages written to the transport, by type.",
		},
		[]string{"session", "type"},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slowbreak",
			Subsystem: "session",
			Name:      "messages_received_total",
			Help:      "Messages decoded from the transport, by type.",
		},
		[]string{"session", "type"},
	)
	sessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slowbreak",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Session lifecycle and recovery events.",
		},
		[]string{"session", "event"},
	)
	connectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "slowbreak",
			Subsystem: "session",
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of a connection from connect to collapse.",
			Buckets:   []float64{1, 5, 30, 60, 300, 1800, 3600, 14400},
		},
		[]string{"session", "result"},
	)
	ledgerSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slowbreak",
			Subsystem: "session",
			Name:      "ledger_entries",
			Help:      "Sent messages still held in the ledger.",
		},
		[]string{"session"},
	)
)

// Session event labels.
const (
	EventConnect         = "connect"
	EventConnectFailure  = "connect_failure"
	EventLogon           = "logon"
	EventReconnectWait   = "reconnect_wait"
	EventResendRequested = "resend_requested"
	EventGapFill         = "gap_fill"
	EventHeartbeat       = "heartbeat"
	EventTestRequest     = "test_request"
	EventConfirmed       = "confirmed"
	EventMalformed       = "malformed"
	EventViolation       = "protocol_violation"
	EventNotDelivered    = "not_delivered"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			messagesSent, messagesReceived, sessionEvents, connectionDuration, ledgerSize,
		)
	})
}

func RecordHTTPRequest(service, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, route, statusLabel).Observe(duration.Seconds())
}

func RecordMessageSent(session, msgType string) {
	RegisterMetrics()
	messagesSent.WithLabelValues(session, msgType).Inc()
}

func RecordMessageReceived(session, msgType string) {
	RegisterMetrics()
	messagesReceived.WithLabelValues(session, msgType).Inc()
}

func RecordSessionEvent(session, event string) {
	RegisterMetrics()
	sessionEvents.WithLabelValues(session, event).Inc()
}

func RecordConnection(session string, duration time.Duration, err error) {
	RegisterMetrics()
	result := "clean"
	if err != nil {
		result = "error"
	}
	connectionDuration.WithLabelValues(session, result).Observe(duration.Seconds())
}

func SetLedgerSize(session string, n int) {
	RegisterMetrics()
	ledgerSize.WithLabelValues(session).Set(float64(n))
}
