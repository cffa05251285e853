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

package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"taskdispatch/src/logging"
)

// Payload is what a worker's device receives for a new task.
type Payload struct {
	TaskID     string  `json:"taskId"`
	Title      string  `json:"title"`
	Body       string  `json:"body"`
	Reason     string  `json:"reason"`
	DistanceKm float64 `json:"distanceKm"`
}

// Notifier sends a push to one worker. Callers treat it as fire-and-forget.
type Notifier interface {
	SendToWorker(ctx context.Context, workerID string, payload Payload) error
}

// Webhook posts each push as JSON to an external push gateway.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type webhookRequest struct {
	WorkerID string  `json:"workerId"`
	Payload  Payload `json:"payload"`
}

func (w *Webhook) SendToWorker(ctx context.Context, workerID string, payload Payload) error {
	body, err := json.Marshal(webhookRequest{WorkerID: workerID, Payload: payload})
	if err != nil {
		return fmt.Errorf("push: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: send to %s: %w", workerID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push: gateway returned %s for %s", resp.Status, workerID)
	}
	return nil
}

// LogOnly records pushes instead of sending them; used when no gateway is
// configured.
type LogOnly struct{}

func (LogOnly) SendToWorker(_ context.Context, workerID string, payload Payload) error {
	logging.Log(fmt.Sprintf("push (log only) to %s: task %s %q", workerID, payload.TaskID, payload.Title), slog.LevelInfo)
	return nil
}
