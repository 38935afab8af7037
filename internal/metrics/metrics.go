package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	MessagesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_appended_total",
		Help: "Total number of chat messages persisted",
	})
	FeedEventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_feed_events_delivered_total",
		Help: "Total number of change feed events fanned out to connections",
	})
	PresenceEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_presence_entries",
		Help: "Current number of presence entries across all rooms",
	})
	TypingSignals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_typing_signals_total",
		Help: "Total number of typing signals broadcast",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, MessagesAppended, FeedEventsDelivered,
		PresenceEntries, TypingSignals,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
