package events

import (
	"sync"
	"time"
)

// Event kinds published by the agent.
const (
	KindJobQueued   = "job.queued"
	KindJobStarted  = "job.started"
	KindJobFinished = "job.finished"
	KindPrediction  = "prediction"
	KindExported    = "exported"
)

// Event is a job or prediction notification.
type Event struct {
	Kind    string    `json:"kind"`
	JobID   int64     `json:"job_id,omitempty"`
	Subject string    `json:"subject,omitempty"`
	Stage   string    `json:"stage,omitempty"`
	Status  string    `json:"status,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Bus provides in-process pub/sub. Slow subscribers miss events rather than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (b *Bus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subs {
		if ch == sub {
			close(ch)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
