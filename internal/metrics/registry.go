package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics
type Registry struct {
	publishResponses      prometheus.Counter
	keepAlives            prometheus.Counter
	notificationsSent     prometheus.Counter
	lateTransitions       prometheus.Counter
	subscriptionsExpired  prometheus.Counter
	rescueResponses       prometheus.Counter
	sendErrors            prometheus.Counter
	acksRejected          prometheus.Counter
	activeSubscriptions   prometheus.Gauge
	monitoredItems        prometheus.Gauge
	retransmissionEntries prometheus.Gauge
	tickDuration          prometheus.Histogram
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{
		publishResponses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_server_publish_responses_total",
			Help: "Total number of data-bearing publish responses sent",
		}),
		keepAlives: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_server_keepalives_total",
			Help: "Total number of keep-alive publish responses sent",
		}),
		notificationsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_server_notifications_total",
			Help: "Total number of monitored-item notifications delivered",
		}),
		lateTransitions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_server_late_transitions_total",
			Help: "Total number of subscription transitions into the late state",
		}),
		subscriptionsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_server_subscriptions_expired_total",
			Help: "Total number of subscriptions deleted after lifetime expiry",
		}),
		rescueResponses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_server_rescue_responses_total",
			Help: "Total number of BadNoSubscription responses flushed to clients",
		}),
		sendErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_server_send_errors_total",
			Help: "Total number of secure channel send failures",
		}),
		acksRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opcua_server_acks_rejected_total",
			Help: "Total number of acknowledgements naming an unknown sequence number",
		}),
		activeSubscriptions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_server_active_subscriptions",
			Help: "Current number of live subscriptions",
		}),
		monitoredItems: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_server_monitored_items",
			Help: "Current number of monitored items across all subscriptions",
		}),
		retransmissionEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_server_retransmission_entries",
			Help: "Current number of unacknowledged notification messages held for retransmission",
		}),
		tickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "opcua_server_publish_tick_duration_seconds",
			Help:    "Duration of publish callback executions",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}
}

// IncPublishResponses increments the data-bearing response counter
func (r *Registry) IncPublishResponses() {
	r.publishResponses.Inc()
}

// IncKeepAlives increments the keep-alive counter
func (r *Registry) IncKeepAlives() {
	r.keepAlives.Inc()
}

// AddNotificationsSent adds to the delivered notifications counter
func (r *Registry) AddNotificationsSent(count int64) {
	r.notificationsSent.Add(float64(count))
}

// IncLateTransitions increments the late-state transition counter
func (r *Registry) IncLateTransitions() {
	r.lateTransitions.Inc()
}

// IncSubscriptionsExpired increments the lifetime-expiry counter
func (r *Registry) IncSubscriptionsExpired() {
	r.subscriptionsExpired.Inc()
}

// IncRescueResponses increments the BadNoSubscription flush counter
func (r *Registry) IncRescueResponses() {
	r.rescueResponses.Inc()
}

// IncSendErrors increments the channel send failure counter
func (r *Registry) IncSendErrors() {
	r.sendErrors.Inc()
}

// IncAcksRejected increments the unknown-sequence-number ack counter
func (r *Registry) IncAcksRejected() {
	r.acksRejected.Inc()
}

// AddActiveSubscriptions adjusts the live subscription gauge
func (r *Registry) AddActiveSubscriptions(delta float64) {
	r.activeSubscriptions.Add(delta)
}

// AddMonitoredItems adjusts the monitored item gauge
func (r *Registry) AddMonitoredItems(delta float64) {
	r.monitoredItems.Add(delta)
}

// SetRetransmissionEntries sets the retransmission queue gauge
func (r *Registry) SetRetransmissionEntries(count float64) {
	r.retransmissionEntries.Set(count)
}

// ObserveTickDuration records a publish callback duration
func (r *Registry) ObserveTickDuration(seconds float64) {
	r.tickDuration.Observe(seconds)
}
