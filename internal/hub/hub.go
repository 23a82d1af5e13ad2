package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/fetchd/internal/job"
	"github.com/NamanBalaji/fetchd/internal/logger"
)

// EventType discriminates frames delivered to subscribers.
type EventType string

const (
	// EventSnapshot carries a job state snapshot.
	EventSnapshot EventType = "snapshot"
	// EventHeartbeat is a periodic keep-alive so intermediary proxies do not
	// time out idle connections.
	EventHeartbeat EventType = "heartbeat"
)

// Event is one frame delivered to a subscriber.
type Event struct {
	Type EventType
	Job  *job.Snapshot
}

// Subscriber is one live listener interested in a single job's updates.
type Subscriber struct {
	ID          uuid.UUID
	JobID       uuid.UUID
	Events      chan Event
	ConnectedAt time.Time

	closed bool // guarded by the hub mutex
}

// Hub fans out job snapshots to subscribers. A slow or broken subscriber
// never affects delivery to others.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[uuid.UUID]*Subscriber
	grace  time.Duration
	closed bool
}

const subscriberBuffer = 16

// New creates a hub. grace is how long after the final event a job's
// subscribers are kept open so clients can finish reading it.
func New(grace time.Duration) *Hub {
	return &Hub{
		subs:  make(map[uuid.UUID]map[uuid.UUID]*Subscriber),
		grace: grace,
	}
}

// Subscribe registers a listener for one job's updates.
func (h *Hub) Subscribe(jobID uuid.UUID) *Subscriber {
	sub := &Subscriber{
		ID:          uuid.New(),
		JobID:       jobID,
		Events:      make(chan Event, subscriberBuffer),
		ConnectedAt: time.Now(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		sub.closed = true
		close(sub.Events)

		return sub
	}

	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[uuid.UUID]*Subscriber)
	}

	h.subs[jobID][sub.ID] = sub

	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call more
// than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscriber) {
	if sub.closed {
		return
	}

	sub.closed = true
	close(sub.Events)

	if jobSubs, ok := h.subs[sub.JobID]; ok {
		delete(jobSubs, sub.ID)
		if len(jobSubs) == 0 {
			delete(h.subs, sub.JobID)
		}
	}
}

// Publish delivers a snapshot to every live subscriber of that job. When the
// snapshot is terminal it is the final event: the job's subscribers are closed
// from the server side after the grace delay.
func (h *Hub) Publish(snap job.Snapshot) {
	h.mu.RLock()

	subs := make([]*Subscriber, 0, len(h.subs[snap.ID]))
	for _, sub := range h.subs[snap.ID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	ev := Event{Type: EventSnapshot, Job: &snap}
	for _, sub := range subs {
		h.send(sub, ev)
	}

	if snap.Status.IsTerminal() && len(subs) > 0 {
		jobID := snap.ID
		time.AfterFunc(h.grace, func() {
			h.closeJob(jobID)
		})
	}
}

// send delivers an event without ever blocking the publisher. A subscriber
// whose buffer is full has stopped reading; its events are dropped and the
// connection layer will tear it down.
func (h *Hub) send(sub *Subscriber, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if sub.closed {
		return
	}

	select {
	case sub.Events <- ev:
	default:
		logger.Debugf("dropping event for slow subscriber %s (job %s)", sub.ID, sub.JobID)
	}
}

// closeJob closes every remaining subscriber of the job.
func (h *Hub) closeJob(jobID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs[jobID] {
		h.removeLocked(sub)
	}
}

// Heartbeat sends a keep-alive frame to every subscriber.
func (h *Hub) Heartbeat() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, jobSubs := range h.subs {
		for _, sub := range jobSubs {
			if sub.closed {
				continue
			}

			select {
			case sub.Events <- Event{Type: EventHeartbeat}:
			default:
			}
		}
	}
}

// Run emits heartbeats on a ticker until ctx is cancelled, then closes every
// subscriber.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Heartbeat()
		case <-ctx.Done():
			h.Close()

			return
		}
	}
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for _, jobSubs := range h.subs {
		for _, sub := range jobSubs {
			if !sub.closed {
				sub.closed = true
				close(sub.Events)
			}
		}
	}

	h.subs = make(map[uuid.UUID]map[uuid.UUID]*Subscriber)
}
