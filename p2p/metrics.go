package p2p

import (
	"github.com/prometheus/client_golang/prometheus"
)

var ConnectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "docsync",
	Subsystem: "p2p",
	Name:      "connected_peers",
})

var FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docsync",
	Subsystem: "p2p",
	Name:      "frames_sent",
}, []string{"type"})

var FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "docsync",
	Subsystem: "p2p",
	Name:      "frames_received",
}, []string{"type"})

var SendErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "docsync",
	Subsystem: "p2p",
	Name:      "send_errors",
})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ConnectedPeers,
		FramesSent,
		FramesReceived,
		SendErrors,
	}
}
