// Package metrics exposes Prometheus metrics of the detection pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drowsy_frames_total",
		Help: "Frames pulled from the video source, by outcome",
	}, []string{"outcome"})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drowsy_events_total",
		Help: "Classified eye closure events",
	}, []string{"kind"})

	GeometryErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drowsy_geometry_errors_total",
		Help: "Eyes without an openness sample because of degenerate geometry",
	}, []string{"eye"})

	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drowsy_inference_duration_seconds",
		Help:    "Duration of landmark inference per frame",
		Buckets: []float64{.005, .01, .02, .033, .05, .1, .25, .5, 1},
	})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drowsy_tick_duration_seconds",
		Help:    "Duration of one capture tick, from frame pull to display",
		Buckets: []float64{.005, .01, .02, .033, .05, .1, .25, .5, 1},
	})

	Openness = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drowsy_eye_openness",
		Help: "Last measured eye aspect ratio",
	}, []string{"eye"})

	SessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drowsy_session_active",
		Help: "1 while a detection session is running",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drowsy_sessions_total",
		Help: "Ended detection sessions, by reason",
	}, []string{"reason"})

	ArtifactsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drowsy_artifacts_total",
		Help: "Video artifacts finalized, by result",
	}, []string{"result"})

	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drowsy_uploads_total",
		Help: "Artifact uploads to object storage, by result",
	}, []string{"result"})
)
