package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// JobLogSink subscribes to the broker and appends every event carrying a
// job_id to that job's log file, one JSON line per event. The files back the
// logs API endpoint.
type JobLogSink struct {
	dir    string
	broker *Broker
	sub    Subscriber

	mu    sync.Mutex
	files map[string]*os.File

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewJobLogSink creates a sink writing under dir
func NewJobLogSink(dir string, broker *Broker) (*JobLogSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &JobLogSink{
		dir:    dir,
		broker: broker,
		files:  make(map[string]*os.File),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start subscribes and begins draining events
func (s *JobLogSink) Start() {
	s.sub = s.broker.Subscribe()
	go s.run()
}

// Stop unsubscribes and closes all open log files
func (s *JobLogSink) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.broker.Unsubscribe(s.sub)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		_ = f.Close()
	}
	s.files = make(map[string]*os.File)
}

func (s *JobLogSink) run() {
	defer close(s.doneCh)
	for {
		select {
		case event, ok := <-s.sub:
			if !ok {
				return
			}
			s.write(event)
		case <-s.stopCh:
			return
		}
	}
}

func (s *JobLogSink) write(event *Event) {
	jobID := event.Metadata["job_id"]
	if jobID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[jobID]
	if !ok {
		var err error
		f, err = os.OpenFile(filepath.Join(s.dir, jobID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		s.files[jobID] = f
	}

	line, err := json.Marshal(map[string]any{
		"time":     event.Timestamp,
		"type":     event.Type,
		"message":  event.Message,
		"metadata": event.Metadata,
	})
	if err != nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}
