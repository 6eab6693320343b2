// SPDX-License-Identifier: MIT

// Package broker is the in-memory state broker: it owns the
// authoritative queue/job/worker/health snapshots and fans events out
// to pattern-matched subscribers. A single mutex serializes state
// mutations and broadcast, which is what makes per-job event ordering
// monotonic for every subscriber.
package broker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/metrics"
)

// Well-known topics.
const (
	TopicQueueStatus  = "queue:status"
	TopicQueueJobs    = "queue:jobs"
	TopicSystemHealth = "system:health"
	TopicAllWorkers   = "worker:*:status"
	TopicScanProgress = "scan:progress"
)

// WorkerTopic returns the status topic of one worker.
func WorkerTopic(workerID string) string {
	return "worker:" + workerID + ":status"
}

// Event types.
const (
	TypeSnapshot     = "snapshot"
	TypeStateUpdate  = "state_update"
	TypeJobUpdate    = "job_update"
	TypeWorkerUpdate = "worker_update"
	TypeJobRemoved   = "job_removed"
	TypeScanProgress = "scan_progress"
)

// Event is one pub-sub message. Snapshot and live events share this
// shape; only Type differs.
type Event struct {
	Topic       string         `json:"topic"`
	Type        string         `json:"type"`
	TimestampMs int64          `json:"timestamp_ms"`
	Payload     map[string]any `json:"payload"`
}

// maxHealthErrors bounds the retained error list.
const maxHealthErrors = 10

type client struct {
	id        string
	ch        chan Event
	patterns  []string
	createdAt time.Time
}

// Broker holds all ephemeral daemon state behind one lock.
type Broker struct {
	mu sync.Mutex

	queueState  map[string]any
	jobsState   map[int64]map[string]any
	workerState map[string]map[string]any

	healthStatus string
	lastErrors   []string

	clients    map[string]*client
	bufferSize int
	closed     bool

	now func() time.Time
}

// New creates a broker. bufferSize caps each subscriber's queue;
// values below 1 fall back to 1000.
func New(bufferSize int) *Broker {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	return &Broker{
		queueState:   make(map[string]any),
		jobsState:    make(map[int64]map[string]any),
		workerState:  make(map[string]map[string]any),
		healthStatus: "ok",
		clients:      make(map[string]*client),
		bufferSize:   bufferSize,
		now:          time.Now,
	}
}

// Subscribe registers a client for all topics matching any of the
// glob patterns and returns its id and event stream. Snapshots for
// every matching well-known topic are enqueued before Subscribe
// returns, so the caller sees snapshot-then-live with no gap.
func (b *Broker) Subscribe(patterns []string) (string, <-chan Event, error) {
	if len(patterns) == 0 {
		return "", nil, fmt.Errorf("broker: at least one pattern required")
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return "", nil, fmt.Errorf("broker: invalid pattern %q", p)
		}
	}

	c := &client{
		id:        uuid.NewString(),
		ch:        make(chan Event, b.bufferSize),
		patterns:  patterns,
		createdAt: time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", nil, fmt.Errorf("broker: closed")
	}

	b.clients[c.id] = c
	metrics.SetSubscribers(len(b.clients))

	b.sendSnapshots(c)

	log.WithComponent("broker").Debug().
		Str(log.FieldClientID, c.id).
		Strs("patterns", patterns).
		Msg("subscriber registered")

	return c.id, c.ch, nil
}

// Unsubscribe removes a client and closes its stream. Unknown ids are
// a no-op.
func (b *Broker) Unsubscribe(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[clientID]
	if !ok {
		return
	}
	delete(b.clients, clientID)
	close(c.ch)
	metrics.SetSubscribers(len(b.clients))
}

// Close drops every subscriber. Publishing into a closed broker is a
// silent no-op so shutdown ordering stays forgiving.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, c := range b.clients {
		delete(b.clients, id)
		close(c.ch)
	}
	metrics.SetSubscribers(0)
}

// SubscriberCount returns the number of registered clients.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// UpdateQueueState merges fields into the aggregate queue snapshot and
// broadcasts it on queue:status.
func (b *Broker) UpdateQueueState(fields map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range fields {
		b.queueState[k] = v
	}
	b.broadcast(TopicQueueStatus, TypeStateUpdate, copyMap(b.queueState))
}

// UpdateJobState merges fields into one job's snapshot and broadcasts
// a job_update on queue:jobs.
func (b *Broker) UpdateJobState(jobID int64, fields map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.jobsState[jobID]
	if !ok {
		snap = make(map[string]any, len(fields)+1)
		b.jobsState[jobID] = snap
	}
	for k, v := range fields {
		snap[k] = v
	}
	payload := copyMap(snap)
	payload["job_id"] = jobID
	b.broadcast(TopicQueueJobs, TypeJobUpdate, payload)
}

// RemoveJob drops a job from the snapshot map and broadcasts a
// job_removed event.
func (b *Broker) RemoveJob(jobID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobsState, jobID)
	b.broadcast(TopicQueueJobs, TypeJobRemoved, map[string]any{"job_id": jobID})
}

// UpdateWorkerState merges fields into one worker's snapshot and
// broadcasts it on the worker's own topic.
func (b *Broker) UpdateWorkerState(workerID string, fields map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.workerState[workerID]
	if !ok {
		snap = make(map[string]any, len(fields)+1)
		b.workerState[workerID] = snap
	}
	for k, v := range fields {
		snap[k] = v
	}
	payload := copyMap(snap)
	payload["worker_id"] = workerID
	b.broadcast(WorkerTopic(workerID), TypeWorkerUpdate, payload)
}

// PublishScanProgress broadcasts one scan progress tick. Progress is
// not retained for snapshots; a fresh subscriber waits for the next
// tick of a running scan.
func (b *Broker) PublishScanProgress(fields map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast(TopicScanProgress, TypeScanProgress, fields)
}

// UpdateHealth sets the system status, retains the last errors
// (bounded) and broadcasts on system:health.
func (b *Broker) UpdateHealth(status string, errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthStatus = status
	if errMsg != "" {
		b.lastErrors = append(b.lastErrors, errMsg)
		if len(b.lastErrors) > maxHealthErrors {
			b.lastErrors = b.lastErrors[len(b.lastErrors)-maxHealthErrors:]
		}
	}
	b.broadcast(TopicSystemHealth, TypeStateUpdate, b.healthPayload())
}

// broadcast fans one event out to every matching client. Callers hold
// b.mu. Slow subscribers lose the event; publishers never block.
func (b *Broker) broadcast(topic, eventType string, payload map[string]any) {
	if b.closed {
		return
	}
	ev := Event{
		Topic:       topic,
		Type:        eventType,
		TimestampMs: b.now().UnixMilli(),
		Payload:     payload,
	}
	metrics.IncEventPublished(topic)

	for _, c := range b.clients {
		if !matchAny(c.patterns, topic) {
			continue
		}
		select {
		case c.ch <- ev:
		default:
			metrics.IncEventDrop(topic, "full")
			log.WithComponent("broker").Warn().
				Str(log.FieldClientID, c.id).
				Str(log.FieldTopic, topic).
				Msg("subscriber buffer full, event dropped")
		}
	}
}

// sendSnapshots enqueues one snapshot per well-known topic matching
// the client's patterns. Callers hold b.mu.
func (b *Broker) sendSnapshots(c *client) {
	deliver := func(topic string, payload map[string]any) {
		if !matchAny(c.patterns, topic) {
			return
		}
		ev := Event{
			Topic:       topic,
			Type:        TypeSnapshot,
			TimestampMs: b.now().UnixMilli(),
			Payload:     payload,
		}
		select {
		case c.ch <- ev:
		default:
			metrics.IncEventDrop(topic, "full")
		}
	}

	deliver(TopicQueueStatus, copyMap(b.queueState))
	deliver(TopicQueueJobs, b.jobsSnapshot())
	for workerID, snap := range b.workerState {
		payload := copyMap(snap)
		payload["worker_id"] = workerID
		deliver(WorkerTopic(workerID), payload)
	}
	deliver(TopicSystemHealth, b.healthPayload())
}

// jobsSnapshot builds the queue:jobs snapshot payload, jobs ordered by
// id so consumers see a stable listing.
func (b *Broker) jobsSnapshot() map[string]any {
	ids := make([]int64, 0, len(b.jobsState))
	for id := range b.jobsState {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	jobs := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		snap := copyMap(b.jobsState[id])
		snap["job_id"] = id
		jobs = append(jobs, snap)
	}
	return map[string]any{"jobs": jobs}
}

func (b *Broker) healthPayload() map[string]any {
	errs := make([]string, len(b.lastErrors))
	copy(errs, b.lastErrors)
	return map[string]any{
		"status":      b.healthStatus,
		"last_errors": errs,
	}
}

// matchAny reports whether topic matches any shell-style glob pattern.
func matchAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, topic); err == nil && ok {
			return true
		}
	}
	return false
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
