// Package monitor exposes gateway health: prometheus metrics, a JSON status
// document and a websocket stream of processed frames.
package monitor

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rakgateway/command"
)

var sessionStates = []string{"detached", "opening", "attached", "closing", "faulted"}

// Metrics holds the gateway collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	FramesProcessed    *prometheus.CounterVec
	BytesReceived      prometheus.Counter
	ResponseCodes      *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	SessionState       *prometheus.GaugeVec
	SessionTransitions *prometheus.CounterVec
	TaskPanics         prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		FramesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rakgateway_frames_processed_total",
			Help: "Frames processed, by result.",
		}, []string{"result"}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rakgateway_frame_bytes_total",
			Help: "Payload bytes of processed frames.",
		}),
		ResponseCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rakgateway_response_codes_total",
			Help: "Status codes relayed to the device.",
		}, []string{"code"}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rakgateway_frame_processing_seconds",
			Help:    "Time from dispatch to completion of a frame task.",
			Buckets: prometheus.DefBuckets,
		}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rakgateway_session_state",
			Help: "1 for the current device session state, 0 otherwise.",
		}, []string{"state"}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rakgateway_session_transitions_total",
			Help: "Session state transitions, by target state.",
		}, []string{"state"}),
		TaskPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rakgateway_task_panics_total",
			Help: "Frame tasks that panicked.",
		}),
	}
	m.reg.MustRegister(
		m.FramesProcessed,
		m.BytesReceived,
		m.ResponseCodes,
		m.ProcessingDuration,
		m.SessionState,
		m.SessionTransitions,
		m.TaskPanics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.setSessionGauge("detached")
	return m
}

// TrackInFlight exports fn as the in-flight task gauge.
func (m *Metrics) TrackInFlight(fn func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "rakgateway_tasks_in_flight",
		Help: "Frame tasks currently running.",
	}, func() float64 { return float64(fn()) }))
}

// RecordTransition marks state as the current session state.
func (m *Metrics) RecordTransition(state string) {
	m.setSessionGauge(state)
	m.SessionTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) setSessionGauge(state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

// Observe implements command.Observer.
func (m *Metrics) Observe(_ context.Context, o command.Outcome) {
	m.FramesProcessed.WithLabelValues(string(o.Result)).Inc()
	m.BytesReceived.Add(float64(len(o.Frame.Data)))
	m.ProcessingDuration.Observe(o.Duration.Seconds())
	if o.Responded {
		m.ResponseCodes.WithLabelValues(strconv.Itoa(o.Code)).Inc()
	}
}

// Registry returns the registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
