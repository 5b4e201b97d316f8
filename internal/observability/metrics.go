package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce       sync.Once
	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec
	chatMessagesSent   *prometheus.CounterVec
	chatSendFailures   *prometheus.CounterVec
	permissionLookups  *prometheus.CounterVec
	chatSubscriptions  prometheus.Gauge
	listenerReconnects *prometheus.CounterVec
	moderationActions  *prometheus.CounterVec
	messageReports     *prometheus.CounterVec
	unreadRecomputes   *prometheus.CounterVec
	pushNotifications  *prometheus.CounterVec
	typingPublishes    *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the chat API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of chat API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_latency_seconds",
			Help:    "Latency distribution for chat API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total number of error responses returned by chat endpoints.",
		}, []string{"method", "route", "status"})

		chatMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages persisted, by namespace and type.",
		}, []string{"namespace", "type"})

		chatSendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_send_failures_total",
			Help: "Sends that failed after validation.",
		}, []string{"namespace", "reason"})

		permissionLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_permission_cache_lookups_total",
			Help: "Permission cache lookups by kind and result.",
		}, []string{"kind", "result"})

		chatSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_subscriptions_active",
			Help: "Open per-chat event subscriptions on this node.",
		})

		listenerReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_listener_reconnects_total",
			Help: "Cross-node listener reattach attempts by transport and outcome.",
		}, []string{"transport", "outcome"})

		moderationActions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_moderation_actions_total",
			Help: "Moderation actions applied to fan messages.",
		}, []string{"action"})

		messageReports = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_message_reports_total",
			Help: "Fan message reports by outcome.",
		}, []string{"outcome"})

		unreadRecomputes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_unread_badge_recomputes_total",
			Help: "Badge requests served by a recompute or by the coalesced projection.",
		}, []string{"result"})

		pushNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_push_notifications_total",
			Help: "Push notifications handed to the transport.",
		}, []string{"outcome"})

		typingPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_typing_events_total",
			Help: "Typing indicator transitions.",
		}, []string{"state"})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			chatMessagesSent, chatSendFailures, permissionLookups, chatSubscriptions,
			listenerReconnects, moderationActions, messageReports, unreadRecomputes,
			pushNotifications, typingPublishes,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesSent
}

func ChatSendFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return chatSendFailures
}

func PermissionCacheLookups() *prometheus.CounterVec {
	RegisterMetrics()
	return permissionLookups
}

// ChatSubscriptionsActive tracks open event streams.
func ChatSubscriptionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatSubscriptions
}

func ListenerReconnects() *prometheus.CounterVec {
	RegisterMetrics()
	return listenerReconnects
}

func ModerationActions() *prometheus.CounterVec {
	RegisterMetrics()
	return moderationActions
}

func MessageReports() *prometheus.CounterVec {
	RegisterMetrics()
	return messageReports
}

func UnreadRecomputes() *prometheus.CounterVec {
	RegisterMetrics()
	return unreadRecomputes
}

func PushNotifications() *prometheus.CounterVec {
	RegisterMetrics()
	return pushNotifications
}

func TypingEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return typingPublishes
}
