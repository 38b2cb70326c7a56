package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// instance is the supervisor's record of one running saga.
type instance struct {
	id string

	mu     sync.Mutex
	status Status
	result *Result
	err    error
	done   chan struct{}
}

func newInstance(id string) *instance {
	return &instance{
		id:     id,
		status: StatusRunning,
		done:   make(chan struct{}),
	}
}

func (i *instance) finish(status Status, result *Result, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.status != StatusRunning {
		return
	}
	i.status = status
	i.result = result
	i.err = err
	close(i.done)
}

func (i *instance) snapshot() (Status, *Result, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status, i.result, i.err
}

// Supervisor owns the mapping from instance ID to orchestration state. It
// seeds new instances, re-enters the engine when new events arrive, and
// persists the engine's decisions back into the history store.
//
// Each instance executes as an independent sequential state machine: the run
// loop is the instance's only dispatcher, which guarantees exactly one
// in-flight activity call per instance and exactly one outcome event per
// dispatched call. Instances share nothing but the store, whose appends are
// atomic per instance.
type Supervisor struct {
	def       *Definition
	store     HistoryStore
	invoker   *Invoker
	logger    zerolog.Logger
	metrics   *Metrics
	instances *xsync.MapOf[string, *instance]
	wg        sync.WaitGroup
}

// NewSupervisor creates a supervisor for one saga definition. Metrics may be
// nil.
func NewSupervisor(def *Definition, store HistoryStore, invoker *Invoker, logger zerolog.Logger, metrics *Metrics) (*Supervisor, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	return &Supervisor{
		def:       def,
		store:     store,
		invoker:   invoker,
		logger:    logger,
		metrics:   metrics,
		instances: xsync.NewMapOf[string, *instance](),
	}, nil
}

// Start allocates a fresh instance, seeds its history with the input, and
// begins driving it asynchronously. It returns the instance ID, the sole
// handle for observing progress.
func (s *Supervisor) Start(ctx context.Context, input any) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal saga input: %w", err)
	}

	id := uuid.NewString()
	if err := s.store.Append(ctx, id, NewStartedEvent(data)); err != nil {
		return "", fmt.Errorf("seed history for %s: %w", id, err)
	}

	inst := newInstance(id)
	s.instances.Store(id, inst)
	s.metrics.observeStarted()

	s.logger.Info().Str("instance_id", id).Str("saga", s.def.Name).Msg("saga started")

	s.wg.Add(1)
	go s.run(context.WithoutCancel(ctx), inst)

	return id, nil
}

// Resume re-enters an instance from its persisted history, continuing exactly
// where it left off without re-executing side effects that are already
// recorded. It is a no-op for instances the supervisor is already driving.
func (s *Supervisor) Resume(ctx context.Context, instanceID string) error {
	if _, err := s.store.Load(ctx, instanceID); err != nil {
		return err
	}

	inst := newInstance(instanceID)
	if _, loaded := s.instances.LoadOrStore(instanceID, inst); loaded {
		return nil
	}

	s.logger.Info().Str("instance_id", instanceID).Str("saga", s.def.Name).Msg("saga resumed")

	s.wg.Add(1)
	go s.run(context.WithoutCancel(ctx), inst)

	return nil
}

// ResumeAll resumes every instance the store can enumerate. Instances whose
// histories are already terminal finish immediately without side effects.
func (s *Supervisor) ResumeAll(ctx context.Context) error {
	lister, ok := s.store.(InstanceLister)
	if !ok {
		return fmt.Errorf("history store cannot enumerate instances")
	}

	ids, err := lister.Instances(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	for _, id := range ids {
		if err := s.Resume(ctx, id); err != nil {
			return fmt.Errorf("resume %s: %w", id, err)
		}
	}
	return nil
}

// Status reports the lifecycle state of an instance.
func (s *Supervisor) Status(instanceID string) (Status, bool) {
	inst, ok := s.instances.Load(instanceID)
	if !ok {
		return "", false
	}
	status, _, _ := inst.snapshot()
	return status, true
}

// Result returns the terminal result of an instance, or nil while it is
// still running.
func (s *Supervisor) Result(instanceID string) (*Result, bool) {
	inst, ok := s.instances.Load(instanceID)
	if !ok {
		return nil, false
	}
	_, result, _ := inst.snapshot()
	return result, true
}

// Wait blocks until the instance reaches a terminal state and returns its
// result. A Failed instance yields the error that stopped it.
func (s *Supervisor) Wait(ctx context.Context, instanceID string) (*Result, error) {
	inst, ok := s.instances.Load(instanceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}

	select {
	case <-inst.done:
		_, result, err := inst.snapshot()
		return result, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown waits for all running instances to reach a terminal state.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives one instance to a terminal state: load history, decide, apply
// the decision, append the resulting event, repeat. The engine walks forward
// through history on every iteration, so a crash between any two appends
// resumes here without repeating recorded work.
func (s *Supervisor) run(ctx context.Context, inst *instance) {
	defer s.wg.Done()

	logger := s.logger.With().Str("instance_id", inst.id).Logger()

	for {
		history, err := s.store.Load(ctx, inst.id)
		if err != nil {
			s.abort(inst, logger, fmt.Errorf("load history: %w", err))
			return
		}

		decision, err := Decide(s.def, history)
		if err != nil {
			// Determinism violations and corrupt histories are integrity
			// errors: the instance stops here, never silently resolved.
			s.abort(inst, logger, err)
			return
		}

		switch decision.Kind {
		case DecisionComplete:
			s.complete(ctx, inst, logger, history, decision.Result)
			return

		case DecisionSchedule:
			if err := s.dispatch(ctx, inst.id, logger, history, decision); err != nil {
				s.abort(inst, logger, err)
				return
			}
		}
	}
}

// dispatch appends the schedule event (unless the call is already recorded
// as in flight), invokes the activity, and appends its single outcome event.
func (s *Supervisor) dispatch(ctx context.Context, instanceID string, logger zerolog.Logger, history []Event, decision Decision) error {
	last := history[len(history)-1]
	reissued := last.Type == EventActivityScheduled && last.Activity == decision.Activity
	if !reissued {
		if err := s.store.Append(ctx, instanceID, NewScheduledEvent(decision.Activity, decision.Input)); err != nil {
			return fmt.Errorf("append schedule of %s: %w", decision.Activity, err)
		}
	}

	s.metrics.observeDispatch()
	logger.Debug().Str("activity", decision.Activity).Bool("reissued", reissued).Msg("dispatching activity")

	result, failure := s.invoker.Invoke(ctx, decision.Activity, decision.Input)

	var outcome Event
	if failure != nil {
		s.metrics.observeActivityFailure(failure.Kind)
		logger.Warn().
			Str("activity", decision.Activity).
			Str("kind", failure.Kind.String()).
			Str("message", failure.Message).
			Msg("activity failed")
		outcome = NewFailedEvent(decision.Activity, failure)
	} else {
		logger.Debug().Str("activity", decision.Activity).Msg("activity completed")
		outcome = NewCompletedEvent(decision.Activity, result)
	}

	if err := s.store.Append(ctx, instanceID, outcome); err != nil {
		return fmt.Errorf("append outcome of %s: %w", decision.Activity, err)
	}
	return nil
}

// complete records the terminal event if history does not already hold one,
// then settles the instance.
func (s *Supervisor) complete(ctx context.Context, inst *instance, logger zerolog.Logger, history []Event, result *Result) {
	if history[len(history)-1].Type != EventOrchestrationCompleted {
		if err := s.store.Append(ctx, inst.id, NewCompletedOrchestrationEvent(result)); err != nil {
			s.abort(inst, logger, fmt.Errorf("append completion: %w", err))
			return
		}
	}

	status := StatusCompleted
	if result.CompensationFailure != nil {
		// A failed compensation has no defined recovery; the instance is
		// parked as failed with the compensation failure attached.
		status = StatusFailed
	}

	inst.finish(status, result, nil)
	s.metrics.observeTerminal(status, result)

	logger.Info().
		Str("status", string(status)).
		Bool("success", result.Success).
		Msg("saga finished")
}

// abort parks the instance as failed with an engine or store error.
func (s *Supervisor) abort(inst *instance, logger zerolog.Logger, err error) {
	inst.finish(StatusFailed, nil, err)
	s.metrics.observeTerminal(StatusFailed, nil)

	var determinism *DeterminismError
	event := logger.Error().Err(err)
	if errors.As(err, &determinism) {
		event = event.Str("recorded", determinism.Recorded).Str("expected", determinism.Expected)
	}
	event.Msg("saga aborted")
}
