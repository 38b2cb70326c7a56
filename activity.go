package durable

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// Activity is a single remote operation invoked by the saga. Activities are
// pure request/response: they receive a JSON-serializable input and return a
// JSON-serializable result or an error, with no awareness of the saga that
// called them. The serialization boundary is what keeps the engine free of
// non-replayable state.
type Activity interface {
	Name() string
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// ActivityFn is the typed function signature wrapped by ActivityFunc.
type ActivityFn[In, Out any] func(ctx context.Context, input In) (Out, error)

// ActivityFunc is an Activity implementation backed by an ordinary typed
// function. It handles decoding the input and validating that the output can
// round-trip through JSON before the result is recorded.
type ActivityFunc[In, Out any] struct {
	name string
	fn   ActivityFn[In, Out]
}

// NewActivityFunc constructs a new ActivityFunc.
func NewActivityFunc[In, Out any](name string, fn ActivityFn[In, Out]) *ActivityFunc[In, Out] {
	return &ActivityFunc[In, Out]{name: name, fn: fn}
}

// Name implements the Activity interface for ActivityFunc.
func (a *ActivityFunc[In, Out]) Name() string {
	return a.name
}

// Execute implements the Activity interface for ActivityFunc.
func (a *ActivityFunc[In, Out]) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in In
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode %s input: %w", a.name, err)
	}

	out, err := a.fn(ctx, in)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", a.name, err)
	}
	return data, nil
}

// String implements the fmt.Stringer interface for ActivityFunc.
func (a *ActivityFunc[In, Out]) String() string {
	return fmt.Sprintf("ActivityFunc[%s]", a.name)
}

// Registry holds the activities available to sagas, keyed by name.
//
// Saga definitions reference activities only by name. When an instance is
// restored from persisted history, the concrete activity types are erased and
// the name is the only mechanism left to recover them, so every activity a
// definition references must be registered before the instance runs.
type Registry struct {
	activities *xsync.MapOf[string, Activity]
}

// NewRegistry creates a new Registry.
func NewRegistry() *Registry {
	return &Registry{
		activities: xsync.NewMapOf[string, Activity](),
	}
}

// Register adds an activity to the registry.
func (r *Registry) Register(activity Activity) error {
	if _, ok := r.activities.Load(activity.Name()); ok {
		return fmt.Errorf("activity with name '%s' already registered", activity.Name())
	}
	r.activities.Store(activity.Name(), activity)
	return nil
}

// Get retrieves an activity from the registry by its name.
func (r *Registry) Get(name string) (Activity, bool) {
	return r.activities.Load(name)
}
