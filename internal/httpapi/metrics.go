package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_messages_published_total",
		Help: "Messages handed to the fan-out registry after a successful persist",
	})

	metricFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulse_sse_frames_dropped_total",
		Help: "Frames dropped because a subscriber buffer was full",
	})

	metricSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_sse_subscribers",
		Help: "Currently open SSE subscriber channels across all conversations",
	})
)
