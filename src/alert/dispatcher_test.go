// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package alert

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gotest.tools/v3/assert"

	"taskdispatch/src/geo"
	"taskdispatch/src/model"
	"taskdispatch/src/presence"
	"taskdispatch/src/push"
	"taskdispatch/src/realtime"
	"taskdispatch/src/store"
)

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []string
	fails map[string]bool
}

func (n *recordingNotifier) SendToWorker(_ context.Context, workerID string, _ push.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, workerID)
	if n.fails[workerID] {
		return errors.New("device unreachable")
	}
	return nil
}

func (n *recordingNotifier) recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := append([]string(nil), n.sent...)
	sort.Strings(out)
	return out
}

type fixture struct {
	store    *store.Memory
	registry *presence.Registry
	hub      *realtime.Hub
	notifier *recordingNotifier
	disp     *Dispatcher
	now      time.Time
	task     model.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemory(),
		registry: presence.NewRegistry(5),
		hub:      realtime.NewHub(),
		notifier: &recordingNotifier{fails: map[string]bool{}},
		now:      time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.disp = NewDispatcher(f.store, geo.NewMatcher(f.registry), f.notifier, f.hub,
		WithClock(func() time.Time { return f.now }))

	f.task = model.Task{
		ID:       "t1",
		Status:   model.TaskSearching,
		PosterID: "p1",
		Title:    "Move sofa",
		Location: model.Location{Lat: 12.97, Lng: 77.59, Area: "MG Road"},
		Budget:   decimal.NewFromInt(500),
	}
	assert.NilError(t, f.store.CreateTask(context.Background(), f.task))

	near := model.Location{Lat: 12.975, Lng: 77.595}
	for _, w := range []string{"w1", "w2"} {
		_, err := f.registry.SetOnline(w, &near, 5, "conn-"+w)
		assert.NilError(t, err)
	}
	return f
}

func TestCreatedDispatchReachesMatchedWorkers(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Subscribe("w1")
	defer sub.Close()

	res, err := f.disp.Dispatch(context.Background(), f.task, ReasonCreated)
	assert.NilError(t, err)
	f.disp.Wait()

	assert.Assert(t, res.Dispatched)
	assert.DeepEqual(t, res.Recipients, []string{"w1", "w2"})
	assert.DeepEqual(t, f.notifier.recipients(), []string{"w1", "w2"})

	ev := <-sub.Events
	assert.Equal(t, ev.Name, realtime.EventNewTask)
	assert.Equal(t, ev.TaskID, "t1")

	stored, err := f.store.FindTaskByID(context.Background(), "t1")
	assert.NilError(t, err)
	assert.Assert(t, stored.LastAlertedAt != nil)
	assert.Equal(t, *stored.LastAlertedAt, f.now)
}

func TestCreatedDispatchIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.disp.Dispatch(ctx, f.task, ReasonCreated)
	assert.NilError(t, err)
	second, err := f.disp.Dispatch(ctx, f.task, ReasonCreated)
	assert.NilError(t, err)
	f.disp.Wait()

	assert.Assert(t, first.Dispatched)
	assert.Assert(t, !second.Dispatched)
	assert.Equal(t, len(f.notifier.recipients()), 2)
}

func TestReAlertCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.disp.Dispatch(ctx, f.task, ReasonCreated)
	assert.NilError(t, err)

	f.now = f.now.Add(time.Hour)
	res, err := f.disp.Dispatch(ctx, created.Task, ReasonReAlerted)
	assert.NilError(t, err)
	assert.Assert(t, !res.Dispatched, "inside cooldown")

	f.now = f.now.Add(2 * time.Hour)
	res, err = f.disp.Dispatch(ctx, created.Task, ReasonReAlerted)
	assert.NilError(t, err)
	assert.Assert(t, res.Dispatched, "exactly at cooldown boundary")
	assert.Equal(t, *res.Task.LastAlertedAt, f.now)

	f.now = f.now.Add(time.Minute)
	res, err = f.disp.Dispatch(ctx, res.Task, ReasonReAlerted)
	assert.NilError(t, err)
	assert.Assert(t, !res.Dispatched)

	f.disp.Wait()
	assert.Equal(t, len(f.notifier.recipients()), 4)
}

func TestReAlertOnlyWhileSearching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.UpdateTask(ctx, model.TaskFilter{ID: "t1"}, model.TaskUpdate{
		Status:    model.Ptr(model.TaskAccepted),
		WorkerID:  model.Ptr("w1"),
		UpdatedAt: f.now,
	})
	assert.NilError(t, err)

	res, err := f.disp.Dispatch(ctx, f.task, ReasonReAlerted)
	assert.NilError(t, err)
	assert.Assert(t, !res.Dispatched)
}

func TestPushFailureDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	f.notifier.fails["w1"] = true

	res, err := f.disp.Dispatch(context.Background(), f.task, ReasonCreated)
	assert.NilError(t, err)
	f.disp.Wait()
	assert.Assert(t, res.Dispatched)
	assert.DeepEqual(t, f.notifier.recipients(), []string{"w1", "w2"})
}

func TestPosterAndOfflineWorkersSkipped(t *testing.T) {
	f := newFixture(t)
	here := f.task.Location
	_, err := f.registry.SetOnline("p1", &here, 5, "conn-p1")
	assert.NilError(t, err)
	f.registry.SetOffline("w2")

	res, err := f.disp.Dispatch(context.Background(), f.task, ReasonCreated)
	assert.NilError(t, err)
	f.disp.Wait()
	assert.DeepEqual(t, res.Recipients, []string{"w1"})
}

func TestUnknownReason(t *testing.T) {
	f := newFixture(t)
	_, err := f.disp.Dispatch(context.Background(), f.task, Reason("boost"))
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

type flakyUpdater struct {
	TaskUpdater
	fail bool
}

func (u *flakyUpdater) UpdateTask(ctx context.Context, filter model.TaskFilter, update model.TaskUpdate) (int64, error) {
	if u.fail {
		return 0, errors.New("connection reset")
	}
	return u.TaskUpdater.UpdateTask(ctx, filter, update)
}

func TestClaimFailureEndsSpanWithError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	f := newFixture(t)
	updater := &flakyUpdater{TaskUpdater: f.store, fail: true}
	disp := NewDispatcher(updater, geo.NewMatcher(f.registry), f.notifier, f.hub)
	_, err := disp.Dispatch(context.Background(), f.task, ReasonCreated)
	assert.ErrorContains(t, err, "claim lastAlertedAt")

	var dispatchSpans int
	for _, span := range recorder.Ended() {
		if span.Name() != "alert.Dispatch" {
			continue
		}
		dispatchSpans++
		var recorded bool
		for _, ev := range span.Events() {
			if ev.Name == "exception" {
				recorded = true
			}
		}
		assert.Assert(t, recorded, "claim error recorded on the span")
	}
	assert.Equal(t, dispatchSpans, 1)

	// The failed claim releases its dedupe key, so a retry goes through.
	updater.fail = false
	res, err := disp.Dispatch(context.Background(), f.task, ReasonCreated)
	assert.NilError(t, err)
	disp.Wait()
	assert.Assert(t, res.Dispatched)
}
