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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"taskdispatch/src/alert"
	"taskdispatch/src/cancellation"
	"taskdispatch/src/config"
	"taskdispatch/src/engine"
	"taskdispatch/src/geo"
	"taskdispatch/src/logging"
	"taskdispatch/src/presence"
	"taskdispatch/src/push"
	"taskdispatch/src/realtime"
	"taskdispatch/src/store"
)

var counters = []struct{ name, description, unit string }{
	{"dispatch_tasks_created", "Number of tasks posted", "Task"},
	{"dispatch_tasks_accepted", "Number of tasks accepted by a worker", "Task"},
	{"dispatch_tasks_completed", "Number of tasks confirmed complete", "Task"},
	{"dispatch_tasks_cancelled", "Number of tasks cancelled, by role", "Task"},
	{"dispatch_accept_conflicts", "Number of accept attempts that lost the race", "Request"},
	{"dispatch_alerts_sent", "Number of new_task alerts sent to workers", "Alert"},
	{"dispatch_realerts_refused", "Number of re-alerts refused by the cooldown", "Request"},
	{"dispatch_push_failures", "Number of failed push deliveries", "Push"},
	{"dispatch_presence_changes", "Number of workers going online or offline", "Worker"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to setup OTel SDK: %v", err))
	}
	defer func() {
		// Ensure OTel flushes spans before exiting
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	for _, c := range counters {
		_, _ = logging.InitializeCounter(c.name, c.description, c.unit)
	}

	instanceID := uuid.New().String()
	logging.Log(fmt.Sprintf("Starting dispatch engine %s (store=%s)", instanceID, cfg.StoreDriver), slog.LevelInfo)

	hub := realtime.NewHub()
	defer hub.Close()

	var (
		st     store.Store
		outbox realtime.Outbox = hub
	)
	switch cfg.StoreDriver {
	case "memory":
		st = store.NewMemory()
	default:
		pg, err := store.OpenPostgres(ctx, cfg.DB.DSN())
		if err != nil {
			panic(err)
		}
		if err := pg.Migrate(ctx); err != nil {
			panic(err)
		}
		st = pg

		// Events go through Postgres so every instance reaches the sockets it holds.
		relay := realtime.NewPGRelay(pg.DB(), cfg.DB.DSN(), cfg.EventChannel, hub)
		outbox = relay
		go func() {
			if err := relay.Run(ctx); err != nil {
				logging.Log(fmt.Sprintf("Event relay stopped: %v", err), slog.LevelError)
			}
		}()
	}
	defer st.Close()

	var notifier push.Notifier = push.LogOnly{}
	if cfg.PushWebhookURL != "" {
		notifier = push.NewWebhook(cfg.PushWebhookURL, cfg.PushTimeout)
	}

	registry := presence.NewRegistry(cfg.Policy.DefaultRadiusKm)
	defer registry.Close()

	dispatcher := alert.NewDispatcher(st, geo.NewMatcher(registry), notifier, outbox,
		alert.WithCooldown(cfg.Policy.ReAlertCooldown),
		alert.WithPushTimeout(cfg.PushTimeout))

	eng := engine.New(engine.Deps{
		Store:         st,
		Presence:      registry,
		Cancellations: cancellation.NewPolicy(st, cfg.Policy.CancelLimit, nil),
		Alerts:        dispatcher,
		Outbox:        outbox,
	})

	logging.Log(fmt.Sprintf("Policy: cancel limit %d/day, re-alert cooldown %s, default radius %.1fkm",
		cfg.Policy.CancelLimit, cfg.Policy.ReAlertCooldown, cfg.Policy.DefaultRadiusKm), slog.LevelInfo)

	srv := NewAPIServer(instanceID, eng, hub)
	if err := StartAPIServer(ctx, cfg.APIPort, srv.Routes()); err != nil {
		logging.Log(err.Error(), slog.LevelError)
	}

	logging.Log("Waiting for in-flight pushes...", slog.LevelInfo)
	dispatcher.Wait()
}
