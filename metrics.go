package iotready

import "github.com/prometheus/client_golang/prometheus"

// Client metrics. Nothing is registered by default; applications opt in via
// RegisterMetrics.
var (
	metricReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iotready_client_reconnects_total",
		Help: "Session reconnect attempts.",
	})
	metricRetransmits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iotready_client_retransmits_total",
		Help: "Confirmable packet retransmissions.",
	})
	metricPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iotready_client_publishes_total",
		Help: "Outbound event publishes by result.",
	}, []string{"result"})
	metricEventsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iotready_client_cloud_events_total",
		Help: "Cloud events delivered to subscriptions.",
	})
	metricOTAChunks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iotready_client_ota_chunks_total",
		Help: "OTA chunks by direction and result.",
	}, []string{"direction", "result"})
)

// RegisterMetrics attaches the client metrics to the given registerer,
// typically prometheus.DefaultRegisterer.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(metricReconnects, metricRetransmits, metricPublishes,
		metricEventsReceived, metricOTAChunks)
}
