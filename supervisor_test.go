package durable

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tripRequest drives the trip booking test saga. The flags steer failure
// injection in individual activities.
type tripRequest struct {
	Traveler  string `json:"traveler"`
	FailHotel bool   `json:"failHotel"`
	Flaky     bool   `json:"flaky"`
}

// tripActivities implements the trip saga's activities with execution
// counters so tests can assert which side effects actually ran.
type tripActivities struct {
	flights       atomic.Int32
	hotels        atomic.Int32
	notifications atomic.Int32
	cancelFlights atomic.Int32
	cancelHotels  atomic.Int32
	hotelAttempts atomic.Int32
}

func (a *tripActivities) register(t *testing.T, registry *Registry) {
	t.Helper()

	require.NoError(t, registry.Register(NewActivityFunc("ReserveFlight",
		func(ctx context.Context, req tripRequest) (map[string]string, error) {
			a.flights.Add(1)
			return map[string]string{"flight": "F-" + req.Traveler}, nil
		})))

	require.NoError(t, registry.Register(NewActivityFunc("ReserveHotel",
		func(ctx context.Context, req tripRequest) (map[string]string, error) {
			attempt := a.hotelAttempts.Add(1)
			if req.Flaky && attempt == 1 {
				return nil, errors.New("connection reset")
			}
			if req.FailHotel {
				return nil, NewBusinessFailure("no rooms")
			}
			a.hotels.Add(1)
			return map[string]string{"hotel": "H-" + req.Traveler}, nil
		})))

	require.NoError(t, registry.Register(NewActivityFunc("NotifyTraveler",
		func(ctx context.Context, req tripRequest) (map[string]bool, error) {
			a.notifications.Add(1)
			return map[string]bool{"sent": true}, nil
		})))

	require.NoError(t, registry.Register(NewActivityFunc("CancelFlight",
		func(ctx context.Context, in map[string]string) (struct{}, error) {
			a.cancelFlights.Add(1)
			return struct{}{}, nil
		})))

	require.NoError(t, registry.Register(NewActivityFunc("CancelHotel",
		func(ctx context.Context, in map[string]string) (struct{}, error) {
			a.cancelHotels.Add(1)
			return struct{}{}, nil
		})))
}

func newTripSupervisor(t *testing.T, store HistoryStore) (*Supervisor, *tripActivities) {
	t.Helper()

	activities := &tripActivities{}
	registry := NewRegistry()
	activities.register(t, registry)

	invoker := NewInvoker(registry, InvokerConfig{MaxAttempts: 3}, zerolog.Nop())
	supervisor, err := NewSupervisor(tripDefinition(), store, invoker, zerolog.Nop(), nil)
	require.NoError(t, err)

	return supervisor, activities
}

func waitForResult(t *testing.T, supervisor *Supervisor, instanceID string) *Result {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := supervisor.Wait(ctx, instanceID)
	require.NoError(t, err)
	return result
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, event := range events {
		types[i] = event.Type
	}
	return types
}

func TestSupervisorRunsSagaToCompletion(t *testing.T) {
	store := NewMemoryHistoryStore()
	supervisor, activities := newTripSupervisor(t, store)

	instanceID, err := supervisor.Start(context.Background(), tripRequest{Traveler: "pat"})
	require.NoError(t, err)

	result := waitForResult(t, supervisor, instanceID)
	require.True(t, result.Success)
	assert.JSONEq(t, `{"flight":"F-pat"}`, string(result.Data["flight"]))
	assert.JSONEq(t, `{"hotel":"H-pat"}`, string(result.Data["hotel"]))

	status, ok := supervisor.Status(instanceID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, status)

	// Each forward step ran exactly once and nothing was compensated.
	assert.Equal(t, int32(1), activities.flights.Load())
	assert.Equal(t, int32(1), activities.hotels.Load())
	assert.Equal(t, int32(1), activities.notifications.Load())
	assert.Equal(t, int32(0), activities.cancelFlights.Load())
	assert.Equal(t, int32(0), activities.cancelHotels.Load())

	events, err := store.Load(context.Background(), instanceID)
	require.NoError(t, err)
	assert.Equal(t, []EventType{
		EventOrchestrationStarted,
		EventActivityScheduled, EventActivityCompleted,
		EventActivityScheduled, EventActivityCompleted,
		EventActivityScheduled, EventActivityCompleted,
		EventOrchestrationCompleted,
	}, eventTypes(events))
}

func TestSupervisorCompensatesOnFailure(t *testing.T) {
	store := NewMemoryHistoryStore()
	supervisor, activities := newTripSupervisor(t, store)

	instanceID, err := supervisor.Start(context.Background(), tripRequest{Traveler: "pat", FailHotel: true})
	require.NoError(t, err)

	result := waitForResult(t, supervisor, instanceID)
	require.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, FailureBusiness, result.Error.Kind)
	assert.Equal(t, "no rooms", result.Error.Message)
	assert.Nil(t, result.CompensationFailure)

	// The compensated path still ends Completed; only undefined-recovery
	// situations park the instance as Failed.
	status, ok := supervisor.Status(instanceID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, status)

	// Only the completed flight step was compensated.
	assert.Equal(t, int32(1), activities.cancelFlights.Load())
	assert.Equal(t, int32(0), activities.cancelHotels.Load())
	assert.Equal(t, int32(0), activities.notifications.Load())
}

func TestSupervisorRetriesTransientFailureWithOneOutcome(t *testing.T) {
	store := NewMemoryHistoryStore()
	supervisor, activities := newTripSupervisor(t, store)

	instanceID, err := supervisor.Start(context.Background(), tripRequest{Traveler: "pat", Flaky: true})
	require.NoError(t, err)

	result := waitForResult(t, supervisor, instanceID)
	require.True(t, result.Success)

	// Two attempts at the hotel, but exactly one outcome event per
	// scheduled call in the history.
	assert.Equal(t, int32(2), activities.hotelAttempts.Load())

	events, err := store.Load(context.Background(), instanceID)
	require.NoError(t, err)

	scheduled := 0
	outcomes := 0
	for _, event := range events {
		switch event.Type {
		case EventActivityScheduled:
			scheduled++
		case EventActivityCompleted, EventActivityFailed:
			outcomes++
		}
	}
	assert.Equal(t, scheduled, outcomes)
}

func TestSupervisorInstanceIsolation(t *testing.T) {
	store := NewMemoryHistoryStore()
	supervisor, _ := newTripSupervisor(t, store)

	okID, err := supervisor.Start(context.Background(), tripRequest{Traveler: "pat"})
	require.NoError(t, err)
	failID, err := supervisor.Start(context.Background(), tripRequest{Traveler: "sam", FailHotel: true})
	require.NoError(t, err)

	okResult := waitForResult(t, supervisor, okID)
	failResult := waitForResult(t, supervisor, failID)

	require.True(t, okResult.Success)
	assert.JSONEq(t, `{"flight":"F-pat"}`, string(okResult.Data["flight"]))

	require.False(t, failResult.Success)
	assert.Equal(t, "no rooms", failResult.Error.Message)

	// Neither instance's history leaked into the other's.
	okEvents, err := store.Load(context.Background(), okID)
	require.NoError(t, err)
	failEvents, err := store.Load(context.Background(), failID)
	require.NoError(t, err)

	for _, event := range okEvents {
		assert.NotContains(t, string(event.Input), "sam")
	}
	for _, event := range failEvents {
		assert.NotContains(t, string(event.Input), "pat")
	}
}

func TestSupervisorResumeSkipsRecordedSteps(t *testing.T) {
	store := NewMemoryHistoryStore()
	ctx := context.Background()

	// Histories as a crashed process would have left them: the flight call
	// completed and was recorded, then the process died.
	input, err := json.Marshal(tripRequest{Traveler: "pat"})
	require.NoError(t, err)

	instanceID := "recovered-instance"
	require.NoError(t, store.Append(ctx, instanceID, NewStartedEvent(input)))
	require.NoError(t, store.Append(ctx, instanceID, NewScheduledEvent("ReserveFlight", input)))
	require.NoError(t, store.Append(ctx, instanceID, NewCompletedEvent("ReserveFlight", raw(`{"flight":"F-pat"}`))))

	supervisor, activities := newTripSupervisor(t, store)
	require.NoError(t, supervisor.Resume(ctx, instanceID))

	result := waitForResult(t, supervisor, instanceID)
	require.True(t, result.Success)

	// The recorded flight reservation was not re-executed.
	assert.Equal(t, int32(0), activities.flights.Load())
	assert.Equal(t, int32(1), activities.hotels.Load())
	assert.JSONEq(t, `{"flight":"F-pat"}`, string(result.Data["flight"]))
}

func TestSupervisorResumeRedispatchesInFlightCall(t *testing.T) {
	store := NewMemoryHistoryStore()
	ctx := context.Background()

	// The crash happened after the schedule event but before the outcome.
	input, err := json.Marshal(tripRequest{Traveler: "pat"})
	require.NoError(t, err)

	instanceID := "mid-dispatch-instance"
	require.NoError(t, store.Append(ctx, instanceID, NewStartedEvent(input)))
	require.NoError(t, store.Append(ctx, instanceID, NewScheduledEvent("ReserveFlight", input)))

	supervisor, activities := newTripSupervisor(t, store)
	require.NoError(t, supervisor.Resume(ctx, instanceID))

	result := waitForResult(t, supervisor, instanceID)
	require.True(t, result.Success)

	// The in-flight call was re-issued once, without a duplicate schedule
	// event.
	assert.Equal(t, int32(1), activities.flights.Load())

	events, err := store.Load(ctx, instanceID)
	require.NoError(t, err)
	scheduledFlights := 0
	for _, event := range events {
		if event.Type == EventActivityScheduled && event.Activity == "ReserveFlight" {
			scheduledFlights++
		}
	}
	assert.Equal(t, 1, scheduledFlights)
}

func TestSupervisorResumeTerminalInstance(t *testing.T) {
	store := NewMemoryHistoryStore()
	ctx := context.Background()

	input, err := json.Marshal(tripRequest{Traveler: "pat"})
	require.NoError(t, err)

	recorded := &Result{Success: false, Error: NewBusinessFailure("no seats left")}
	instanceID := "finished-instance"
	require.NoError(t, store.Append(ctx, instanceID, NewStartedEvent(input)))
	require.NoError(t, store.Append(ctx, instanceID, NewScheduledEvent("ReserveFlight", input)))
	require.NoError(t, store.Append(ctx, instanceID, NewFailedEvent("ReserveFlight", NewBusinessFailure("no seats left"))))
	require.NoError(t, store.Append(ctx, instanceID, NewCompletedOrchestrationEvent(recorded)))

	supervisor, activities := newTripSupervisor(t, store)
	require.NoError(t, supervisor.Resume(ctx, instanceID))

	result := waitForResult(t, supervisor, instanceID)
	assert.Equal(t, recorded, result)

	// Nothing re-ran and no new events were appended.
	assert.Equal(t, int32(0), activities.flights.Load())
	events, err := store.Load(ctx, instanceID)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestSupervisorResumeAll(t *testing.T) {
	store := NewMemoryHistoryStore()
	ctx := context.Background()

	input, err := json.Marshal(tripRequest{Traveler: "pat"})
	require.NoError(t, err)

	for _, instanceID := range []string{"instance-a", "instance-b"} {
		require.NoError(t, store.Append(ctx, instanceID, NewStartedEvent(input)))
	}

	supervisor, _ := newTripSupervisor(t, store)
	require.NoError(t, supervisor.ResumeAll(ctx))

	for _, instanceID := range []string{"instance-a", "instance-b"} {
		result := waitForResult(t, supervisor, instanceID)
		assert.True(t, result.Success)
	}
}

func TestSupervisorAbortsOnDeterminismViolation(t *testing.T) {
	store := NewMemoryHistoryStore()
	ctx := context.Background()

	input, err := json.Marshal(tripRequest{Traveler: "pat"})
	require.NoError(t, err)

	// History claims the hotel was scheduled first, which this definition
	// could never have decided.
	instanceID := "skewed-instance"
	require.NoError(t, store.Append(ctx, instanceID, NewStartedEvent(input)))
	require.NoError(t, store.Append(ctx, instanceID, NewScheduledEvent("ReserveHotel", input)))

	supervisor, activities := newTripSupervisor(t, store)
	require.NoError(t, supervisor.Resume(ctx, instanceID))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = supervisor.Wait(waitCtx, instanceID)
	require.Error(t, err)

	var determinism *DeterminismError
	assert.ErrorAs(t, err, &determinism)

	status, ok := supervisor.Status(instanceID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, status)

	// The instance was parked without dispatching anything.
	assert.Equal(t, int32(0), activities.flights.Load())
	assert.Equal(t, int32(0), activities.hotels.Load())
}

func TestSupervisorWaitUnknownInstance(t *testing.T) {
	supervisor, _ := newTripSupervisor(t, NewMemoryHistoryStore())

	_, err := supervisor.Wait(context.Background(), "no-such-instance")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestSupervisorShutdownWaitsForInstances(t *testing.T) {
	supervisor, _ := newTripSupervisor(t, NewMemoryHistoryStore())

	instanceID, err := supervisor.Start(context.Background(), tripRequest{Traveler: "pat"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, supervisor.Shutdown(ctx))

	status, ok := supervisor.Status(instanceID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, status)
}
