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
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"

	"taskdispatch/src/geo"
	"taskdispatch/src/logging"
	"taskdispatch/src/model"
	"taskdispatch/src/push"
	"taskdispatch/src/realtime"
)

type Reason string

const (
	ReasonCreated   Reason = "created"
	ReasonReAlerted Reason = "reAlerted"
)

const (
	defaultCooldown     = 3 * time.Hour
	defaultPushTimeout  = 5 * time.Second
	defaultDedupeWindow = 4096
)

// TaskUpdater is the conditional-update half of the task store.
type TaskUpdater interface {
	UpdateTask(ctx context.Context, filter model.TaskFilter, update model.TaskUpdate) (int64, error)
}

// Matcher picks the workers that should hear about a task.
type Matcher interface {
	Match(task model.Task) []geo.Candidate
}

// Result tells the caller whether a broadcast happened. A cooldown refusal
// is a normal outcome, not an error.
type Result struct {
	Dispatched bool
	Recipients []string
	Task       model.Task
}

type Dispatcher struct {
	tasks       TaskUpdater
	matcher     Matcher
	notifier    push.Notifier
	outbox      realtime.Outbox
	cooldown    time.Duration
	pushTimeout time.Duration
	clock       func() time.Time

	// recent holds the dedupe keys of dispatches already under way.
	recent *lru.Cache[string, struct{}]

	inflight sync.WaitGroup
}

type Option func(*Dispatcher)

func WithCooldown(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d >= 0 {
			disp.cooldown = d
		}
	}
}

func WithPushTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.pushTimeout = d
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(disp *Dispatcher) {
		if clock != nil {
			disp.clock = clock
		}
	}
}

func NewDispatcher(tasks TaskUpdater, matcher Matcher, notifier push.Notifier, outbox realtime.Outbox, opts ...Option) *Dispatcher {
	recent, _ := lru.New[string, struct{}](defaultDedupeWindow)
	d := &Dispatcher{
		tasks:       tasks,
		matcher:     matcher,
		notifier:    notifier,
		outbox:      outbox,
		cooldown:    defaultCooldown,
		pushTimeout: defaultPushTimeout,
		clock:       time.Now,
		recent:      recent,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Cooldown() time.Duration {
	return d.cooldown
}

// Dispatch broadcasts task to its matched workers. A created dispatch always
// sends; a reAlerted one only sends once the cooldown since lastAlertedAt
// has passed. Either way lastAlertedAt is claimed with a conditional update
// before anything is sent.
func (d *Dispatcher) Dispatch(ctx context.Context, task model.Task, reason Reason) (res Result, err error) {
	ctx, span := logging.StartSpan(ctx, "alert.Dispatch",
		attribute.String("task.id", task.ID), attribute.String("reason", string(reason)))
	defer func() {
		logging.EndSpan(span, err)
	}()

	key := dedupeKey(task, reason)
	if !d.mark(key) {
		logging.Log(fmt.Sprintf("alert: duplicate %s dispatch for task %s skipped", reason, task.ID), slog.LevelDebug)
		return Result{Task: task}, nil
	}

	now := d.clock()
	filter := model.TaskFilter{ID: task.ID, Statuses: []model.TaskStatus{model.TaskSearching}}
	switch reason {
	case ReasonCreated:
	case ReasonReAlerted:
		cutoff := now.Add(-d.cooldown)
		filter.AlertedBefore = &cutoff
	default:
		d.unmark(key)
		return Result{Task: task}, fmt.Errorf("%w: unknown alert reason %q", model.ErrInvalidInput, reason)
	}

	matched, err := d.tasks.UpdateTask(ctx, filter, model.TaskUpdate{LastAlertedAt: &now})
	if err != nil {
		d.unmark(key)
		return Result{Task: task}, fmt.Errorf("alert: claim lastAlertedAt: %w", err)
	}
	if matched == 0 {
		d.unmark(key)
		return Result{Task: task}, nil
	}
	task.LastAlertedAt = &now

	candidates := d.matcher.Match(task)
	recipients := make([]string, 0, len(candidates))
	for _, c := range candidates {
		recipients = append(recipients, c.WorkerID)
		if err := d.outbox.Publish(ctx, realtime.TaskEvent(realtime.EventNewTask, c.WorkerID, task)); err != nil {
			logging.Log(fmt.Sprintf("alert: emit new_task to %s failed: %v", c.WorkerID, err), slog.LevelWarn)
		}
		d.sendPush(ctx, task, c, reason)
	}

	logging.Count(ctx, "dispatch_alerts_sent", int64(len(recipients)), attribute.String("reason", string(reason)))
	logging.Log(fmt.Sprintf("alert: task %s %s to %d workers", task.ID, reason, len(recipients)), slog.LevelInfo)
	return Result{Dispatched: true, Recipients: recipients, Task: task}, nil
}

// sendPush fires one push without waiting for it. Failures are logged and
// never retried.
func (d *Dispatcher) sendPush(ctx context.Context, task model.Task, c geo.Candidate, reason Reason) {
	payload := push.Payload{
		TaskID:     task.ID,
		Title:      task.Title,
		Body:       fmt.Sprintf("%s • %s", task.Budget.StringFixed(2), task.Location.Area),
		Reason:     string(reason),
		DistanceKm: c.DistanceKm,
	}
	base := context.WithoutCancel(ctx)

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		pctx, cancel := context.WithTimeout(base, d.pushTimeout)
		defer cancel()
		if err := d.notifier.SendToWorker(pctx, c.WorkerID, payload); err != nil {
			logging.Count(pctx, "dispatch_push_failures", 1)
			logging.Log(fmt.Sprintf("alert: push to %s for task %s failed: %v", c.WorkerID, task.ID, err), slog.LevelWarn)
		}
	}()
}

// Wait blocks until every in-flight push has returned.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func dedupeKey(task model.Task, reason Reason) string {
	var epoch int64
	if reason == ReasonReAlerted && task.LastAlertedAt != nil {
		epoch = task.LastAlertedAt.UnixNano()
	}
	return fmt.Sprintf("%s:%s:%d", task.ID, reason, epoch)
}

// mark records key and reports whether it was new.
func (d *Dispatcher) mark(key string) bool {
	seen, _ := d.recent.ContainsOrAdd(key, struct{}{})
	return !seen
}

func (d *Dispatcher) unmark(key string) {
	d.recent.Remove(key)
}
