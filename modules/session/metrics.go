package session

import "github.com/prometheus/client_golang/prometheus"

// Request outcomes.
const (
	outcomeSuccess        = "success"
	outcomeRequestError   = "request_error"
	outcomeNetworkError   = "network_error"
	outcomeSessionExpired = "session_expired"
)

// Refresh results.
const (
	refreshSuccess  = "success"
	refreshRejected = "rejected"
	refreshNetwork  = "network_error"
)

// Metrics counts calls made through a Client. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	requests  *prometheus.CounterVec
	refreshes *prometheus.CounterVec
}

// NewMetrics registers the client counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civictrack",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Backend calls by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civictrack",
			Subsystem: "client",
			Name:      "refreshes_total",
			Help:      "Access token refresh attempts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.requests, m.refreshes)
	return m
}

func (m *Metrics) request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) refresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}
