// Package metrics exposes counters for the HTTP pipeline and the session
// manager. A nil *Metrics records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "iself_auth"

type Metrics struct {
	requests       *prometheus.CounterVec
	retries        prometheus.Counter
	refreshes      *prometheus.CounterVec
	forcedLogouts  prometheus.Counter
	transitions    *prometheus.CounterVec
	rejectedLogins prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests sent by the HTTP pipeline, by status class.",
		}, []string{"class"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_retries_total",
			Help:      "Transient-failure retries (network errors and 5xx).",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Calls to the refresh endpoint, by result.",
		}, []string{"result"}),
		forcedLogouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_logouts_total",
			Help:      "Sessions dropped because a 401 could not be recovered by refresh.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state machine events that changed the session.",
		}, []string{"event"}),
		rejectedLogins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_logins_total",
			Help:      "Login or register calls rejected because one was already in flight.",
		}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.retries, m.refreshes, m.forcedLogouts, m.transitions, m.rejectedLogins} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveRequest records a response status; 0 means no response.
func (m *Metrics) ObserveRequest(status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(statusClass(status)).Inc()
}

func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) ObserveRefresh(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveForcedLogout() {
	if m == nil {
		return
	}
	m.forcedLogouts.Inc()
}

func (m *Metrics) ObserveTransition(event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveRejectedLogin() {
	if m == nil {
		return
	}
	m.rejectedLogins.Inc()
}

func statusClass(status int) string {
	if status <= 0 {
		return "network_error"
	}
	return strconv.Itoa(status/100) + "xx"
}
