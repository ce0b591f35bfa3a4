// Package metrics provides Prometheus metrics for the gophnotes server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transport
	connectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gophnotes_connections_open",
			Help: "Number of open client connections",
		},
	)

	messagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gophnotes_messages_received_total",
			Help: "Total protocol messages received, by group kind",
		},
		[]string{"group"},
	)

	// Sessions
	sessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gophnotes_sessions_open",
			Help: "Number of open note sessions",
		},
	)

	subscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gophnotes_subscriptions",
			Help: "Number of live session subscriptions",
		},
	)

	usersAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gophnotes_users_available",
			Help: "Number of available session users",
		},
	)

	syncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gophnotes_sync_total",
			Help: "Total session synchronizations, by result",
		},
		[]string{"result"},
	)

	requestsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gophnotes_requests_failed_total",
			Help: "Total requests answered with request-failed, by error domain",
		},
		[]string{"domain"},
	)

	// Storage
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gophnotes_storage_operation_duration_seconds",
			Help:    "Note storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ConnectionOpened tracks a new client connection.
func ConnectionOpened() { connectionsOpen.Inc() }

// ConnectionClosed tracks a closed client connection.
func ConnectionClosed() { connectionsOpen.Dec() }

// RecordMessage counts a received message; group is "directory" or "session".
func RecordMessage(group string) {
	messagesReceived.WithLabelValues(group).Inc()
}

// SessionOpened tracks a new session.
func SessionOpened() { sessionsOpen.Inc() }

// SessionClosed tracks a closed session.
func SessionClosed() { sessionsOpen.Dec() }

// AddSubscriptions adjusts the number of live subscriptions by n.
func AddSubscriptions(n int) { subscriptions.Add(float64(n)) }

// AddUsersAvailable adjusts the number of available users by n.
func AddUsersAvailable(n int) { usersAvailable.Add(float64(n)) }

// RecordSync records the outcome of a synchronization.
func RecordSync(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	syncTotal.WithLabelValues(result).Inc()
}

// RecordRequestFailed counts a request-failed reply.
func RecordRequestFailed(domain string) {
	requestsFailed.WithLabelValues(domain).Inc()
}

// RecordStorageOperation records a storage operation duration.
func RecordStorageOperation(backend, operation string, duration time.Duration) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}
