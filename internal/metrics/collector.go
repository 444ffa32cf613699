package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ternarybob/k2pweb/internal/interfaces"
	"github.com/ternarybob/k2pweb/internal/models"
)

var (
	jobsByStateDesc = prometheus.NewDesc(
		"k2p_jobs_by_state",
		"Number of jobs by state",
		[]string{"state"}, nil,
	)
	queueDepthDesc = prometheus.NewDesc(
		"k2p_job_queue_depth",
		"Number of jobs in QUEUED state",
		nil, nil,
	)
	lastFinishedDesc = prometheus.NewDesc(
		"k2p_last_job_finished_timestamp_seconds",
		"Unix timestamp of most recently finished job",
		nil, nil,
	)
)

// StoreCollector derives gauges from the job store at scrape time.
type StoreCollector struct {
	storage interfaces.JobStorage
}

// NewStoreCollector creates a collector over the given store.
func NewStoreCollector(storage interfaces.JobStorage) *StoreCollector {
	return &StoreCollector{storage: storage}
}

func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsByStateDesc
	ch <- queueDepthDesc
	ch <- lastFinishedDesc
}

func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx := context.Background()

	for _, status := range models.AllStatuses {
		count, err := c.storage.CountJobsByStatus(ctx, status)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(jobsByStateDesc, prometheus.GaugeValue, float64(count), string(status))
		if status == models.JobStatusQueued {
			ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(count))
		}
	}

	if last, err := c.storage.LastFinishedAt(ctx); err == nil {
		ts := 0.0
		if !last.IsZero() {
			ts = float64(last.Unix())
		}
		ch <- prometheus.MustNewConstMetric(lastFinishedDesc, prometheus.GaugeValue, ts)
	}
}
