package rotation

import "time"

// Event describes a finished rotation or a failed step.
type Event struct {
	SecretID string
	Token    string
	Step     Step
	// State is the state reached, or the state the failed step started from.
	State State
	Err   error
	Time  time.Time
}

// Notifier defines the interface for sending notifications about rotation events.
type Notifier interface {
	NotifyRotation(event Event)
	NotifyError(event Event)
}

// Outcome labels reported to a Recorder.
const (
	OutcomeSuccess = "success"
	OutcomeNoop    = "noop"
	OutcomeError   = "error"
)

// Recorder receives one observation per handled step.
type Recorder interface {
	ObserveStep(step Step, outcome string, duration time.Duration)
}

type nopNotifier struct{}

func (nopNotifier) NotifyRotation(Event) {}
func (nopNotifier) NotifyError(Event)    {}

type nopRecorder struct{}

func (nopRecorder) ObserveStep(Step, string, time.Duration) {}
