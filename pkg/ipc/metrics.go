package ipc

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	directionIn  = "in"
	directionOut = "out"
)

// Metrics holds the broker's Prometheus collectors
type Metrics struct {
	listeningPorts     prometheus.Gauge
	openChannels       prometheus.Gauge
	channelsOpened     prometheus.Counter
	channelCloses      *prometheus.CounterVec
	messages           *prometheus.CounterVec
	bytes              *prometheus.CounterVec
	droppedCommands    *prometheus.CounterVec
	listenResults      *prometheus.CounterVec
	refused            *prometheus.CounterVec
	protocolViolations prometheus.Counter
	batchSize          prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is what tests and embedders without a
// metrics endpoint want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		listeningPorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fiasco",
			Subsystem: "ipc",
			Name:      "listening_ports",
			Help:      "Number of ports with a live listener.",
		}),
		openChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fiasco",
			Subsystem: "ipc",
			Name:      "open_channels",
			Help:      "Number of channels in the channel table.",
		}),
		channelsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiasco",
			Subsystem: "ipc",
			Name:      "channels_opened_total",
			Help:      "Channels opened since start.",
		}),
		channelCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiasco",
			Subsystem: "ipc",
			Name:      "channels_closed_total",
			Help:      "Channels closed, by reason.",
		}, []string{"reason"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiasco",
			Subsystem: "ipc",
			Name:      "messages_total",
			Help:      "Messages carried over channels, by direction.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiasco",
			Subsystem: "ipc",
			Name:      "bytes_total",
			Help:      "Payload bytes carried over channels, by direction.",
		}, []string{"direction"}),
		droppedCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiasco",
			Subsystem: "ipc",
			Name:      "dropped_commands_total",
			Help:      "Commands dropped without effect, by reason.",
		}, []string{"reason"}),
		listenResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiasco",
			Subsystem: "ipc",
			Name:      "listen_results_total",
			Help:      "PortListenResult events published, by result.",
		}, []string{"result"}),
		refused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fiasco",
			Subsystem: "ipc",
			Name:      "refused_connections_total",
			Help:      "Connections refused before a channel was opened, by reason.",
		}, []string{"reason"}),
		protocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fiasco",
			Subsystem: "ipc",
			Name:      "protocol_violations_total",
			Help:      "Channels closed because the peer broke the framing rules.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fiasco",
			Subsystem: "ipc",
			Name:      "tick_batch_size",
			Help:      "Events per delivered bus batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.listeningPorts,
			m.openChannels,
			m.channelsOpened,
			m.channelCloses,
			m.messages,
			m.bytes,
			m.droppedCommands,
			m.listenResults,
			m.refused,
			m.protocolViolations,
			m.batchSize,
		)
	}
	return m
}
