package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	StreamsStarted    prometheus.Counter
	StreamsFinished   *prometheus.CounterVec
	ActiveStreams     prometheus.Gauge
	StreamChunks      prometheus.Counter
	MalformedChunks   *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
	SequenceConflicts prometheus.Counter
	ProcessedJobs     prometheus.Counter
	FailedJobs        prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			StreamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "streams_started_total",
				Help:      "Total upstream streams opened",
			}),
			StreamsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "streams_finished_total",
				Help:      "Total streams finished, by finish reason",
			}, []string{"finish_reason"}),
			ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "polychat",
				Name:      "streams_active",
				Help:      "Streams currently relaying",
			}),
			StreamChunks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "stream_chunks_total",
				Help:      "Total canonical chunks relayed",
			}),
			MalformedChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "stream_malformed_chunks_total",
				Help:      "Upstream fragments skipped because they could not be parsed",
			}, []string{"provider"}),
			UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "upstream_errors_total",
				Help:      "Upstream failures, by provider",
			}, []string{"provider"}),
			SequenceConflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "sequence_conflicts_total",
				Help:      "Message inserts retried after a sequence number race",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "jobs_processed_total",
				Help:      "Async chat jobs processed successfully",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "polychat",
				Name:      "jobs_failed_total",
				Help:      "Async chat jobs that failed",
			}),
		}
		prometheus.MustRegister(
			global.StreamsStarted,
			global.StreamsFinished,
			global.ActiveStreams,
			global.StreamChunks,
			global.MalformedChunks,
			global.UpstreamErrors,
			global.SequenceConflicts,
			global.ProcessedJobs,
			global.FailedJobs,
		)
	})
	return global
}
