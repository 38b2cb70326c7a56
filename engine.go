package durable

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/btree"
)

// DecisionKind discriminates the engine's possible decisions.
type DecisionKind int

const (
	// DecisionSchedule instructs the supervisor to dispatch one activity call.
	DecisionSchedule DecisionKind = iota
	// DecisionComplete instructs the supervisor to finish the instance with
	// the attached terminal result.
	DecisionComplete
)

// String returns the string representation of the DecisionKind.
func (k DecisionKind) String() string {
	switch k {
	case DecisionSchedule:
		return "schedule"
	case DecisionComplete:
		return "complete"
	default:
		return fmt.Sprintf("Unknown DecisionKind: %d", int(k))
	}
}

// Decision is the engine's next action for an instance. Exactly one decision
// is produced for every well-formed history.
type Decision struct {
	Kind     DecisionKind
	Activity string
	Input    json.RawMessage
	Result   *Result
}

// Result is the terminal outcome of a saga instance.
//
// On success, Data maps each step's ResultKey to its recorded output. On
// failure, Error carries the failure that triggered compensation, and
// CompensationFailure is set when a compensating activity itself failed --
// an undefined-recovery situation that must surface rather than pass for a
// clean unwind.
type Result struct {
	Success             bool                       `json:"success"`
	Data                map[string]json.RawMessage `json:"data,omitempty"`
	Error               *Failure                   `json:"error,omitempty"`
	CompensationFailure *Failure                   `json:"compensationFailure,omitempty"`
}

// replay is the engine's working state, reconstructed from scratch on every
// decision by folding over the history. It is a derived view and is never
// persisted.
type replay struct {
	def   *Definition
	input json.RawMessage

	// Forward progress. results is parallel to def.Steps; outputs holds the
	// same payloads keyed by ResultKey for terminal result assembly.
	next    int
	results []json.RawMessage
	outputs *btree.Map[string, json.RawMessage]

	// Compensation progress, entered on the first forward failure. comps
	// holds the indices of completed steps that have a compensation, in
	// reverse completion order.
	failure     *Failure
	comps       []int
	nextComp    int
	compFailure *Failure

	inflight bool
	terminal *Result
}

func newReplay(def *Definition) *replay {
	return &replay{
		def:     def,
		next:    0,
		results: make([]json.RawMessage, len(def.Steps)),
		outputs: btree.NewMap[string, json.RawMessage](8),
	}
}

// expected returns the activity and input the engine would schedule at the
// current position, or ok=false when the saga is at a terminal position.
func (r *replay) expected() (activity string, input json.RawMessage, ok bool) {
	if r.compFailure != nil {
		return "", nil, false
	}
	if r.failure == nil {
		if r.next < len(r.def.Steps) {
			return r.def.Steps[r.next].Activity, r.input, true
		}
		return "", nil, false
	}
	if r.nextComp < len(r.comps) {
		step := r.comps[r.nextComp]
		return r.def.Steps[step].Compensation, r.results[step], true
	}
	return "", nil, false
}

// apply folds one event into the replay state, validating that the event is
// one the engine could have produced at this position.
func (r *replay) apply(seq int, event Event) error {
	switch event.Type {
	case EventOrchestrationStarted:
		if seq != 0 {
			return fmt.Errorf("%w: event %d restarts the orchestration", ErrCorruptHistory, seq)
		}
		r.input = event.Input
		return nil

	case EventActivityScheduled:
		if r.inflight {
			return fmt.Errorf("%w: event %d schedules %s while a call is in flight", ErrCorruptHistory, seq, event.Activity)
		}
		expected, _, ok := r.expected()
		if !ok {
			return fmt.Errorf("%w: event %d schedules %s after a terminal position", ErrCorruptHistory, seq, event.Activity)
		}
		if event.Activity != expected {
			return &DeterminismError{Recorded: event.Activity, Expected: expected}
		}
		r.inflight = true
		return nil

	case EventActivityCompleted:
		if err := r.resolve(seq, event.Activity); err != nil {
			return err
		}
		if r.failure == nil {
			step := r.def.Steps[r.next]
			r.results[r.next] = event.Result
			r.outputs.Set(step.ResultKey, event.Result)
			r.next++
		} else {
			r.nextComp++
		}
		return nil

	case EventActivityFailed:
		if err := r.resolve(seq, event.Activity); err != nil {
			return err
		}
		if event.Failure == nil {
			return fmt.Errorf("%w: event %d records a failure without a cause", ErrCorruptHistory, seq)
		}
		if r.failure == nil {
			r.failure = event.Failure
			// Compensations run strictly in reverse order of the steps that
			// had already completed.
			for i := r.next - 1; i >= 0; i-- {
				if r.def.Steps[i].Compensation != "" {
					r.comps = append(r.comps, i)
				}
			}
		} else {
			r.compFailure = &Failure{Kind: FailureCompensation, Message: event.Failure.Message}
		}
		return nil

	case EventOrchestrationCompleted:
		if r.inflight {
			return fmt.Errorf("%w: event %d completes the orchestration with a call in flight", ErrCorruptHistory, seq)
		}
		if _, _, ok := r.expected(); ok {
			return fmt.Errorf("%w: event %d completes the orchestration before its final step", ErrCorruptHistory, seq)
		}
		if event.Final == nil {
			return fmt.Errorf("%w: event %d completes the orchestration without a result", ErrCorruptHistory, seq)
		}
		r.terminal = event.Final
		return nil

	default:
		return fmt.Errorf("%w: event %d has unknown type %d", ErrCorruptHistory, seq, int(event.Type))
	}
}

// resolve validates an activity outcome event against the in-flight call.
func (r *replay) resolve(seq int, activity string) error {
	if !r.inflight {
		return fmt.Errorf("%w: event %d resolves %s which was never scheduled", ErrCorruptHistory, seq, activity)
	}
	expected, _, _ := r.expected()
	if activity != expected {
		return fmt.Errorf("%w: event %d resolves %s while %s is in flight", ErrCorruptHistory, seq, activity, expected)
	}
	r.inflight = false
	return nil
}

// Decide is the orchestrator core: a pure, deterministic function from an
// instance's history to its next decision. It walks forward through the
// recorded events without emitting side effects for steps already recorded,
// then returns exactly one ScheduleActivity or Complete decision.
//
// Decide must never read the clock, draw randomness, or perform I/O;
// re-running it on the same history prefix always yields the same decision,
// which is what makes crash recovery correct. A history whose recorded
// schedule diverges from replay yields a DeterminismError; an event sequence
// the engine could never have produced yields ErrCorruptHistory.
func Decide(def *Definition, history []Event) (Decision, error) {
	if len(history) == 0 {
		return Decision{}, fmt.Errorf("%w: history is empty", ErrCorruptHistory)
	}
	if history[0].Type != EventOrchestrationStarted {
		return Decision{}, fmt.Errorf("%w: history does not begin with %s", ErrCorruptHistory, EventOrchestrationStarted)
	}

	r := newReplay(def)
	for seq, event := range history {
		if err := r.apply(seq, event); err != nil {
			return Decision{}, err
		}
	}

	// Terminal histories re-yield the recorded completion so replay stays
	// idempotent.
	if r.terminal != nil {
		return Decision{Kind: DecisionComplete, Result: r.terminal}, nil
	}

	if r.compFailure != nil {
		return Decision{Kind: DecisionComplete, Result: &Result{
			Success:             false,
			Error:               r.failure,
			CompensationFailure: r.compFailure,
		}}, nil
	}

	// A scheduled call without a recorded outcome is re-issued as the same
	// decision: dispatch is at-least-once, and the supervisor appends exactly
	// one outcome event per logical call.
	if activity, input, ok := r.expected(); ok {
		return Decision{Kind: DecisionSchedule, Activity: activity, Input: input}, nil
	}

	if r.failure != nil {
		return Decision{Kind: DecisionComplete, Result: &Result{
			Success: false,
			Error:   r.failure,
		}}, nil
	}

	data := make(map[string]json.RawMessage, r.outputs.Len())
	r.outputs.Scan(func(key string, value json.RawMessage) bool {
		data[key] = value
		return true
	})
	return Decision{Kind: DecisionComplete, Result: &Result{
		Success: true,
		Data:    data,
	}}, nil
}
