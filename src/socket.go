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
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"taskdispatch/src/logging"
	"taskdispatch/src/model"
	"taskdispatch/src/presence"
	"taskdispatch/src/realtime"
)

const (
	msgGoOnline       = "go_online"
	msgGoOffline      = "go_offline"
	msgUpdateLocation = "update_location"

	socketWriteWait  = 10 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = 50 * time.Second
	socketReadLimit  = 4096
)

// socketMessage is a client -> server frame.
type socketMessage struct {
	Type     string          `json:"type"`
	Location *model.Location `json:"location,omitempty"`
	RadiusKm float64         `json:"radiusKm,omitempty"`
}

// socketReply acknowledges one client frame.
type socketReply struct {
	Type     string             `json:"type"`
	OK       bool               `json:"ok"`
	Error    string             `json:"error,omitempty"`
	Message  string             `json:"message,omitempty"`
	Presence *presence.Presence `json:"presence,omitempty"`
}

// socketHandler upgrades /ws?userId= and streams that user's events. The
// same connection carries a worker's presence updates; closing it takes the
// worker offline if this connection was the one that brought it online.
func (s *APIServer) socketHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, fmt.Errorf("%w: userId is required", model.ErrInvalidInput))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Log(fmt.Sprintf("socket: upgrade for %s failed: %v", userID, err), slog.LevelWarn)
		return
	}

	handle := uuid.NewString()
	ctx := context.WithoutCancel(r.Context())
	sub := s.hub.Subscribe(userID)
	replies := make(chan socketReply, 8)
	done := make(chan struct{})

	go s.writeLoop(conn, sub, replies, done)

	defer func() {
		close(done)
		sub.Close()
		if s.engine.DropConnection(ctx, userID, handle) {
			logging.Log(fmt.Sprintf("socket: %s disconnected, now offline", userID), slog.LevelInfo)
		}
		conn.Close()
	}()

	conn.SetReadLimit(socketReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	for {
		var msg socketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Log(fmt.Sprintf("socket: read from %s: %v", userID, err), slog.LevelDebug)
			}
			return
		}
		reply := s.handleSocketMessage(ctx, userID, handle, msg)
		select {
		case replies <- reply:
		default:
			logging.Log("socket: reply dropped for "+userID, slog.LevelDebug)
		}
	}
}

func (s *APIServer) handleSocketMessage(ctx context.Context, userID, handle string, msg socketMessage) socketReply {
	var (
		p   presence.Presence
		err error
	)
	switch msg.Type {
	case msgGoOnline:
		p, err = s.engine.SetWorkerOnline(ctx, userID, msg.Location, msg.RadiusKm, handle)
	case msgGoOffline:
		s.engine.SetWorkerOffline(ctx, userID)
		return socketReply{Type: msg.Type, OK: true}
	case msgUpdateLocation:
		if msg.Location == nil {
			err = model.ErrLocationRequired
			break
		}
		p, err = s.engine.UpdateWorkerLocation(ctx, userID, *msg.Location)
	default:
		err = fmt.Errorf("%w: unknown message type %q", model.ErrInvalidInput, msg.Type)
	}
	if err != nil {
		return socketReply{Type: msg.Type, Error: model.ErrorCode(err), Message: err.Error()}
	}
	return socketReply{Type: msg.Type, OK: true, Presence: &p}
}

// writeLoop owns every write on conn.
func (s *APIServer) writeLoop(conn *websocket.Conn, sub realtime.Subscription, replies <-chan socketReply, done <-chan struct{}) {
	ping := time.NewTicker(socketPingPeriod)
	defer func() {
		ping.Stop()
		conn.Close()
	}()

	for {
		var frame any
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(socketWriteWait))
				return
			}
			frame = ev
		case reply := <-replies:
			frame = reply
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait)); err != nil {
				return
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		if err := conn.WriteJSON(frame); err != nil {
			logging.Log(fmt.Sprintf("socket: write failed: %v", err), slog.LevelDebug)
			return
		}
	}
}
