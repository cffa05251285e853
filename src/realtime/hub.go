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
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"taskdispatch/src/logging"
)

const (
	defaultSubscriberCapacity = 64
	defaultBacklogLimit       = 20
	defaultBacklogUsers       = 10000
	defaultBacklogTTL         = 10 * time.Minute
	defaultDedupeWindow       = 2048
)

type HubOption func(*Hub)

func WithSubscriberCapacity(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.channelSize = n
		}
	}
}

func WithBacklogLimit(n int) HubOption {
	return func(h *Hub) {
		if n >= 0 {
			h.backlogLimit = n
		}
	}
}

// WithBacklogUsers caps how many offline users keep a backlog. The least
// recently written one is evicted first.
func WithBacklogUsers(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.backlogUsers = n
		}
	}
}

// WithBacklogTTL drops a user's backlog once nothing was added to it for d.
func WithBacklogTTL(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.backlogTTL = d
		}
	}
}

// Hub delivers events to the sockets of each connected user. Events for
// users with no live subscription are held in a small per-user backlog and
// flushed on the next Subscribe.
type Hub struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      *expirable.LRU[string, []Event]
	recentIDs    *lru.Cache[string, struct{}]
	channelSize  int
	backlogLimit int
	backlogUsers int
	backlogTTL   time.Duration
	closed       bool
}

// Subscription is one live connection's view of the hub.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subscribers:  map[string]map[*subscriber]struct{}{},
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		backlogUsers: defaultBacklogUsers,
		backlogTTL:   defaultBacklogTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.backlog = expirable.NewLRU[string, []Event](h.backlogUsers, nil, h.backlogTTL)
	h.recentIDs, _ = lru.New[string, struct{}](defaultDedupeWindow)
	return h
}

// Subscribe registers a connection for userID and replays its backlog.
func (h *Hub) Subscribe(userID string) Subscription {
	user := normalizeUser(userID)
	sub := newSubscriber(h.channelSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return Subscription{Events: sub.channel()}
	}
	if h.subscribers[user] == nil {
		h.subscribers[user] = map[*subscriber]struct{}{}
	}
	h.subscribers[user][sub] = struct{}{}
	backlog, _ := h.backlog.Peek(user)
	h.backlog.Remove(user)
	h.mu.Unlock()

	for _, event := range backlog {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() { h.removeSubscriber(user, sub) },
	}
}

// Connected reports whether userID has at least one live subscription.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[normalizeUser(userID)]) > 0
}

// Publish implements Outbox.
func (h *Hub) Publish(_ context.Context, events ...Event) error {
	for _, event := range events {
		h.route(event)
	}
	return nil
}

func (h *Hub) route(event Event) {
	if event.ID != "" && h.isDuplicate(event.ID) {
		return
	}
	user := normalizeUser(event.UserID)
	if user == "" {
		return
	}

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers[user]))
	for sub := range h.subscribers[user] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		h.bufferEvent(user, event)
		return
	}
	for _, sub := range subs {
		sub.deliver(event)
	}
}

func (h *Hub) removeSubscriber(user string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subscribers[user]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subscribers, user)
		}
	}
	sub.close()
}

func (h *Hub) bufferEvent(user string, event Event) {
	if h.backlogLimit == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	queue, _ := h.backlog.Peek(user)
	if len(queue) >= h.backlogLimit {
		queue = queue[1:]
		logging.Log("realtime: backlog drop for "+user, slog.LevelDebug)
	}
	h.backlog.Add(user, append(queue, event))
}

func (h *Hub) isDuplicate(id string) bool {
	seen, _ := h.recentIDs.ContainsOrAdd(id, struct{}{})
	return seen
}

// Close ends every subscription. Called at shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for user, subs := range h.subscribers {
		for sub := range subs {
			sub.close()
		}
		delete(h.subscribers, user)
	}
}

func normalizeUser(id string) string {
	return strings.TrimSpace(id)
}

type subscriber struct {
	ch      chan Event
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(capacity int) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{ch: make(chan Event, capacity)}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

// deliver never blocks. A full buffer loses its oldest event.
func (s *subscriber) deliver(event Event) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	select {
	case dropped := <-s.ch:
		logging.Log("realtime: dropped "+dropped.Name+" for "+dropped.UserID+" (queue overflow)", slog.LevelWarn)
	default:
	}
	select {
	case s.ch <- event:
	default:
	}
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
