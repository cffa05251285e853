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

package realtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"taskdispatch/src/logging"
)

// PGRelay fans events out across instances. Publish sends each event with
// pg_notify; Run listens on the same channel and hands every notification to
// the local outbox, so each instance delivers to the sockets it holds.
type PGRelay struct {
	db      *sql.DB
	dsn     string
	channel string
	local   Outbox
}

func NewPGRelay(db *sql.DB, dsn, channel string, local Outbox) *PGRelay {
	return &PGRelay{db: db, dsn: dsn, channel: channel, local: local}
}

// Publish delivers locally first; the echo from Postgres is dropped by the
// hub's event id dedupe.
func (r *PGRelay) Publish(ctx context.Context, events ...Event) error {
	firstErr := r.local.Publish(ctx, events...)
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("realtime: encode event: %w", err)
		}
		if _, err := r.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, r.channel, string(payload)); err != nil {
			logging.Log(fmt.Sprintf("realtime: notify %s failed: %v", event.Name, err), slog.LevelError)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run blocks until ctx is done.
func (r *PGRelay) Run(ctx context.Context) error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Log(fmt.Sprintf("Listener error: %v", err), slog.LevelError)
		}
	}

	listener := pq.NewListener(r.dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(r.channel); err != nil {
		listener.Close()
		return fmt.Errorf("realtime: listen %s: %w", r.channel, err)
	}
	defer listener.Close()

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	logging.Log("realtime: relay listening on "+r.channel, slog.LevelInfo)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				logging.Log(fmt.Sprintf("realtime: listener ping: %v", err), slog.LevelWarn)
			}
		case n := <-listener.Notify:
			// nil after a reconnect; anything sent while down is lost.
			if n == nil {
				continue
			}
			r.forward(ctx, n.Extra)
		}
	}
}

func (r *PGRelay) forward(ctx context.Context, raw string) {
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		logging.Log(fmt.Sprintf("realtime: bad notification payload: %v", err), slog.LevelWarn)
		return
	}
	if err := r.local.Publish(ctx, event); err != nil {
		logging.Log(fmt.Sprintf("realtime: local delivery failed: %v", err), slog.LevelWarn)
	}
}
