package jobstate

import "time"

// Transition is one applied status change of a sub-job.
type Transition struct {
	Key   SubJobKey
	JobID string
	From  Status
	To    Status
	Stage string
	At    time.Time

	// Source names what caused the change: scheduler, filesystem, submit,
	// reset, dedup or default.
	Source string
}

// Observer is notified of applied status changes.
type Observer interface {
	ObserveTransition(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

// ObserveTransition implements Observer.
func (f ObserverFunc) ObserveTransition(t Transition) { f(t) }

// Observers fans a transition out to several observers.
type Observers []Observer

// ObserveTransition implements Observer.
func (obs Observers) ObserveTransition(t Transition) {
	for _, o := range obs {
		o.ObserveTransition(t)
	}
}
