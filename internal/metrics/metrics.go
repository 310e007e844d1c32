package metrics

import "sync/atomic"

// Metrics captures shared operational stats for the agent.
type Metrics struct {
	queueLength   int64
	queueCapacity int64
	workerCount   int64

	jobsSucceeded int64
	jobsFailed    int64

	predictions   int64
	elevated      int64
	rejectedFiles int64
	notifications int64
}

// Snapshot is a read-only view of the counters.
type Snapshot struct {
	QueueLength   int   `json:"queue_length"`
	QueueCapacity int   `json:"queue_capacity"`
	WorkerCount   int   `json:"worker_count"`
	JobsSucceeded int64 `json:"jobs_succeeded"`
	JobsFailed    int64 `json:"jobs_failed"`
	Predictions   int64 `json:"predictions"`
	Elevated      int64 `json:"elevated"`
	RejectedFiles int64 `json:"rejected_files"`
	Notifications int64 `json:"notifications"`
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) UpdateQueue(length, capacity, workers int) {
	atomic.StoreInt64(&m.queueLength, int64(length))
	atomic.StoreInt64(&m.queueCapacity, int64(capacity))
	atomic.StoreInt64(&m.workerCount, int64(workers))
}

// RecordJobCompletion increments the succeeded or failed counter based on err.
func (m *Metrics) RecordJobCompletion(err error) {
	if err != nil {
		atomic.AddInt64(&m.jobsFailed, 1)
		return
	}
	atomic.AddInt64(&m.jobsSucceeded, 1)
}

// RecordPrediction counts a backend prediction; elevated marks high concern or retake.
func (m *Metrics) RecordPrediction(elevated bool) {
	atomic.AddInt64(&m.predictions, 1)
	if elevated {
		atomic.AddInt64(&m.elevated, 1)
	}
}

func (m *Metrics) RecordRejected()     { atomic.AddInt64(&m.rejectedFiles, 1) }
func (m *Metrics) RecordNotification() { atomic.AddInt64(&m.notifications, 1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		QueueLength:   int(atomic.LoadInt64(&m.queueLength)),
		QueueCapacity: int(atomic.LoadInt64(&m.queueCapacity)),
		WorkerCount:   int(atomic.LoadInt64(&m.workerCount)),
		JobsSucceeded: atomic.LoadInt64(&m.jobsSucceeded),
		JobsFailed:    atomic.LoadInt64(&m.jobsFailed),
		Predictions:   atomic.LoadInt64(&m.predictions),
		Elevated:      atomic.LoadInt64(&m.elevated),
		RejectedFiles: atomic.LoadInt64(&m.rejectedFiles),
		Notifications: atomic.LoadInt64(&m.notifications),
	}
}
