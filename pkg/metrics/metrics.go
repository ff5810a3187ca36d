package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Acquisition outcomes.
const (
	Adopted    = "adopted"
	Released   = "released"
	Superseded = "superseded"
	Failed     = "failed"
	TimedOut   = "timeout"
)

var (
	Acquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapcam_stream_acquisitions_total",
		Help: "Stream acquisitions, partitioned by how they were resolved",
	}, []string{"outcome"})

	Releases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapcam_stream_releases_total",
		Help: "Streams handed back to the device",
	})

	StreamHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapcam_stream_held",
		Help: "1 while the controller holds a live stream",
	})

	Captures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapcam_captures_total",
		Help: "Stills captured, partitioned by source and result",
	}, []string{"source", "result"})

	CaptureBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "snapcam_capture_bytes",
		Help:    "Encoded size of captured stills",
		Buckets: prometheus.ExponentialBuckets(16<<10, 2, 10),
	})

	ArtifactURLs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapcam_artifact_urls",
		Help: "Artifact URLs currently registered",
	})
)
