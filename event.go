package durable

import (
	"encoding/json"
	"fmt"
)

// EventType defines the types of events that can occur in a saga's timeline.
type EventType int

const (
	EventOrchestrationStarted EventType = iota
	EventActivityScheduled
	EventActivityCompleted
	EventActivityFailed
	EventOrchestrationCompleted
)

// String returns the string representation of the EventType.
func (t EventType) String() string {
	switch t {
	case EventOrchestrationStarted:
		return "orchestration_started"
	case EventActivityScheduled:
		return "activity_scheduled"
	case EventActivityCompleted:
		return "activity_completed"
	case EventActivityFailed:
		return "activity_failed"
	case EventOrchestrationCompleted:
		return "orchestration_completed"
	default:
		return fmt.Sprintf("Unknown EventType: %d", int(t))
	}
}

// MarshalJSON implements the json.Marshaler interface for EventType.
func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for EventType.
func (t *EventType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "orchestration_started":
		*t = EventOrchestrationStarted
	case "activity_scheduled":
		*t = EventActivityScheduled
	case "activity_completed":
		*t = EventActivityCompleted
	case "activity_failed":
		*t = EventActivityFailed
	case "orchestration_completed":
		*t = EventOrchestrationCompleted
	default:
		return fmt.Errorf("invalid EventType: %s", str)
	}

	return nil
}

// Event is one entry in an instance's history: a discriminated record of
// something that happened in the saga's timeline. Events are append-only and
// immutable; the ordered sequence of events for an instance is the sole
// durable representation of its progress.
//
// Field usage by type:
//
//   - OrchestrationStarted: Input holds the saga input.
//   - ActivityScheduled: Activity and Input describe the dispatched call.
//   - ActivityCompleted: Activity names the call, Result holds its output.
//   - ActivityFailed: Activity names the call, Failure holds the outcome.
//   - OrchestrationCompleted: Final holds the terminal result.
type Event struct {
	Type     EventType       `json:"type"`
	Activity string          `json:"activity,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Failure  *Failure        `json:"failure,omitempty"`
	Final    *Result         `json:"final,omitempty"`
}

// String implements the fmt.Stringer interface for Event.
func (e *Event) String() string {
	if e.Activity != "" {
		return fmt.Sprintf("%s %s", e.Type, e.Activity)
	}
	return e.Type.String()
}

// NewStartedEvent creates the first event of an instance's history.
func NewStartedEvent(input json.RawMessage) Event {
	return Event{Type: EventOrchestrationStarted, Input: input}
}

// NewScheduledEvent records the dispatch of an activity call.
func NewScheduledEvent(activity string, input json.RawMessage) Event {
	return Event{Type: EventActivityScheduled, Activity: activity, Input: input}
}

// NewCompletedEvent records the successful outcome of an activity call.
func NewCompletedEvent(activity string, result json.RawMessage) Event {
	return Event{Type: EventActivityCompleted, Activity: activity, Result: result}
}

// NewFailedEvent records the failed outcome of an activity call.
func NewFailedEvent(activity string, failure *Failure) Event {
	return Event{Type: EventActivityFailed, Activity: activity, Failure: failure}
}

// NewCompletedOrchestrationEvent records the terminal result of an instance.
func NewCompletedOrchestrationEvent(result *Result) Event {
	return Event{Type: EventOrchestrationCompleted, Final: result}
}
