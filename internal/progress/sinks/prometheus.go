package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/progress"
)

// PrometheusSink turns status snapshots into job gauges and document
// counters. Snapshots are cumulative, so counters advance by the difference
// to the previous snapshot of the same job.
type PrometheusSink struct {
	jobsRunning   prometheus.Gauge
	jobsCompleted *prometheus.CounterVec
	jobRuntime    *prometheus.HistogramVec
	documents     *prometheus.CounterVec
	bytes         *prometheus.CounterVec

	mu   sync.Mutex
	jobs map[string]crawler.CrawlJobStats
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_progress_jobs_running",
			Help: "Jobs with a non-terminal status seen by this node's hub.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_progress_jobs_completed_total",
			Help: "Jobs that reached a terminal status, by status.",
		}, []string{"status"}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_progress_job_runtime_seconds",
			Help:    "Elapsed time of terminated jobs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"status"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_progress_documents_total",
			Help: "Documents reported by job status updates, by kind and phase.",
		}, []string{"kind", "phase"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_progress_bytes_total",
			Help: "Downloaded bytes reported by job status updates, by kind.",
		}, []string{"kind"}),
		jobs: make(map[string]crawler.CrawlJobStats),
	}
	for _, c := range []prometheus.Collector{s.jobsRunning, s.jobsCompleted, s.jobRuntime, s.documents, s.bytes} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume applies every event in order.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.apply(evt)
	}
	return nil
}

func (s *PrometheusSink) apply(evt progress.Event) {
	u := evt.Update
	key := evt.Job()
	prev, known := s.jobs[key]
	if !known {
		prev = crawler.NewStats(u.Job)
		if !evt.Terminal() {
			s.jobsRunning.Inc()
		}
	}
	s.addDelta(prev, u.Stats)

	if !evt.Terminal() {
		s.jobs[key] = u.Stats
		return
	}
	if known {
		s.jobsRunning.Dec()
		delete(s.jobs, key)
	}
	status := string(u.Status)
	s.jobsCompleted.WithLabelValues(status).Inc()
	s.jobRuntime.WithLabelValues(status).Observe(u.Elapsed.Seconds())
}

func (s *PrometheusSink) addDelta(prev, next crawler.CrawlJobStats) {
	add := func(c prometheus.Counter, before, after int64) {
		if after > before {
			c.Add(float64(after - before))
		}
	}
	add(s.documents.WithLabelValues("html", "discovered"), prev.HTMLDiscovered, next.HTMLDiscovered)
	add(s.documents.WithLabelValues("image", "discovered"), prev.ImagesDiscovered, next.ImagesDiscovered)
	add(s.documents.WithLabelValues("html", "downloaded"), prev.HTMLDownloaded, next.HTMLDownloaded)
	add(s.documents.WithLabelValues("image", "downloaded"), prev.ImagesDownloaded, next.ImagesDownloaded)
	add(s.bytes.WithLabelValues("html"), prev.HTMLBytes, next.HTMLBytes)
	add(s.bytes.WithLabelValues("image"), prev.ImageBytes, next.ImageBytes)
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
