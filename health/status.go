package health

import "time"

// State is a component's health classification.
type State string

// Health states, ordered from best to worst.
const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// Status is one component's reported health.
type Status struct {
	Component string    `json:"component"`
	State     State     `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Children  []Status  `json:"children,omitempty"`
}

// Healthy reports whether the component is fully operational.
func (s Status) Healthy() bool {
	return s.State == StateHealthy
}

// Serving reports whether the component can still take traffic.
// Degraded components serve; unhealthy ones do not.
func (s Status) Serving() bool {
	return s.State == StateHealthy || s.State == StateDegraded
}

// Healthy builds a healthy status for a component.
func Healthy(component, message string) Status {
	return Status{Component: component, State: StateHealthy, Message: message, Timestamp: time.Now()}
}

// Degraded builds a degraded status for a component.
func Degraded(component, message string) Status {
	return Status{Component: component, State: StateDegraded, Message: message, Timestamp: time.Now()}
}

// Unhealthy builds an unhealthy status for a component.
func Unhealthy(component, message string) Status {
	return Status{Component: component, State: StateUnhealthy, Message: message, Timestamp: time.Now()}
}

// Aggregate folds component statuses into one parent status: any
// unhealthy child makes the parent unhealthy, otherwise any degraded
// child makes it degraded.
func Aggregate(component string, children []Status) Status {
	if len(children) == 0 {
		return Healthy(component, "no components reporting")
	}

	state := StateHealthy
	message := "all components healthy"
	for _, c := range children {
		switch c.State {
		case StateUnhealthy:
			state = StateUnhealthy
			message = "one or more components unhealthy"
		case StateDegraded:
			if state == StateHealthy {
				state = StateDegraded
				message = "one or more components degraded"
			}
		}
	}

	out := Status{Component: component, State: state, Message: message, Timestamp: time.Now()}
	out.Children = make([]Status, len(children))
	copy(out.Children, children)
	return out
}
