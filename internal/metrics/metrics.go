// Package metrics exposes prometheus collectors for streams and tunnels.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bogeyman"

var (
	StreamsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "streams_opened_total",
		Help:      "Streams registered, by side.",
	}, []string{"side"})

	StreamsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "streams_active",
		Help:      "Streams currently registered, by side.",
	}, []string{"side"})

	Statuses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_status_total",
		Help:      "Connect results, by status code.",
	}, []string{"side", "code"})

	Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tunnel_messages_total",
		Help:      "Tunnel messages, by direction and command.",
	}, []string{"direction", "cmd"})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tunnel_reconnects_total",
		Help:      "Tunnel connections established after the first.",
	})

	Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_batches_total",
		Help:      "HTTP tunnel batches, by direction.",
	}, []string{"direction"})
)

const (
	SideAdapter    = "adapter"
	SideDispatcher = "dispatcher"
)

func ObserveStatus(side string, status int) {
	Statuses.WithLabelValues(side, strconv.Itoa(status)).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
