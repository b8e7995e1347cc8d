package pipeline

import "fmt"

// EventType enumerates the messages a job worker emits.
type EventType string

const (
	EventProgress      EventType = "progress"
	EventLog           EventType = "log"
	EventStatusChanged EventType = "status_changed"
	EventCompleted     EventType = "completed"
	EventFailed        EventType = "failed"
	EventCancelled     EventType = "cancelled"
)

// Event is an immutable message emitted by a job worker. Exactly one terminal
// event (Completed, Failed, or Cancelled) is emitted per job, and no further
// events follow it.
type Event struct {
	JobID int64
	Type  EventType
	// Fraction is the overall completion in [0,1]; set for Progress events.
	Fraction float64
	// Message carries progress/log/status text, or the failure description.
	Message string
	// Result maps stem names to output locations; set for Completed events.
	Result map[string]string
}

// Terminal reports whether the event ends the job's lifecycle.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	default:
		return false
	}
}

// ComponentID returns the dispatcher component id a job's events target.
func ComponentID(jobID int64) string {
	return fmt.Sprintf("job/%d", jobID)
}

// EventSink receives events emitted by job workers. Publish is called from
// worker goroutines and must be safe for concurrent use.
type EventSink interface {
	Publish(Event)
}
