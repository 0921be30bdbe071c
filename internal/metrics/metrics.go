// Package metrics exposes process-wide Prometheus collectors for the swarm
// manager. Swarms feed these from their lifecycle and byte-flow hooks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Swarms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hive_swarms",
		Help: "Number of live swarms.",
	})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hive_connections",
		Help: "Peers with a live transport, in-flight dials included.",
	})

	Wires = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hive_wires",
		Help: "Connections that have completed the handshake.",
	})

	QueuedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hive_queued_peers",
		Help: "Peer addresses waiting in dial queues.",
	})

	DownloadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_downloaded_bytes_total",
		Help: "Payload bytes received across all wires.",
	})

	UploadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hive_uploaded_bytes_total",
		Help: "Payload bytes sent across all wires.",
	})
)

// Serve blocks serving the metrics endpoint on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return http.ListenAndServe(addr, mux)
}
