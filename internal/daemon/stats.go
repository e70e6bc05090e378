package daemon

import (
	"sync"

	"github.com/mgriffin/sphered/internal/events"
	"github.com/mgriffin/sphered/internal/model"
)

// Stats accumulates job lifecycle counters from the event bus. Counters are
// in-memory only and reset on every daemon start.
type Stats struct {
	mu            sync.Mutex
	started       int
	succeeded     int
	failed        int
	startFailures int
	skipped       int
}

// StatsSnapshot is the wire form served by the status command.
type StatsSnapshot struct {
	Started       int `json:"started"`
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`
	StartFailures int `json:"start_failures"`
	Skipped       int `json:"skipped"`
}

// NewStats creates a Stats collector subscribed to bus. The returned stop
// function detaches the subscriptions.
func NewStats(bus *events.Bus) (*Stats, func()) {
	s := &Stats{}

	unsubStart := bus.Subscribe(events.EventJobStarted, func(events.Event) {
		s.mu.Lock()
		s.started++
		s.mu.Unlock()
	})
	unsubFinish := bus.Subscribe(events.EventJobFinished, func(e events.Event) {
		status, _ := e.Data["status"].(string)
		s.mu.Lock()
		switch model.JobStatus(status) {
		case model.StatusSucceeded:
			s.succeeded++
		case model.StatusStartFailure:
			s.startFailures++
		default:
			s.failed++
		}
		s.mu.Unlock()
	})
	unsubSkip := bus.Subscribe(events.EventFileSkipped, func(events.Event) {
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
	})

	stop := func() {
		unsubStart()
		unsubFinish()
		unsubSkip()
	}
	return s, stop
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Started:       s.started,
		Succeeded:     s.succeeded,
		Failed:        s.failed,
		StartFailures: s.startFailures,
		Skipped:       s.skipped,
	}
}
