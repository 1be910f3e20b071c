package metrics

import (
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/log"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/storage"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
)

// Collector periodically scans the store and refreshes gauge metrics
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	logger := log.WithComponent("metrics")

	jobs, err := c.store.ListJobs()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list jobs")
		return
	}

	jobCounts := make(map[types.JobStatus]int)
	taskCounts := make(map[[2]string]int)
	for _, job := range jobs {
		jobCounts[job.Status]++

		tasks, err := c.store.ListTasks(job.ID)
		if err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to list tasks")
			continue
		}
		for _, task := range tasks {
			taskCounts[[2]string{string(task.Status), task.Phase}]++
		}
	}

	JobsTotal.Reset()
	for status, n := range jobCounts {
		JobsTotal.WithLabelValues(string(status)).Set(float64(n))
	}

	TasksTotal.Reset()
	for key, n := range taskCounts {
		TasksTotal.WithLabelValues(key[0], key[1]).Set(float64(n))
	}

	depth, err := c.store.QueueDepth()
	if err != nil {
		logger.Error().Err(err).Msg("failed to read queue depth")
	} else {
		QueueDepth.Set(float64(depth))
	}

	buckets, err := c.store.ListBuckets()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list rate buckets")
		return
	}
	for _, bucket := range buckets {
		BucketAvailable.WithLabelValues(bucket.Endpoint, bucket.Credential).Set(bucket.Available)
	}
}
