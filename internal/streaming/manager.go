// Package streaming provides in-memory pub/sub for evaluation run
// events, with bounded replay so SSE clients can resume after a
// disconnect.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/agentbeats/fabench/internal/metrics"
)

// EventType labels one step of an evaluation run.
type EventType string

const (
	EventRunStarted       EventType = "RUN_STARTED"
	EventRunFinished      EventType = "RUN_FINISHED"
	EventTaskAssigned     EventType = "TASK_ASSIGNED"
	EventResponseReceived EventType = "RESPONSE_RECEIVED"
	EventResponseTimeout  EventType = "RESPONSE_TIMEOUT"
	EventLookaheadFlagged EventType = "LOOKAHEAD_FLAGGED"
	EventDimensionScored  EventType = "DIMENSION_SCORED"
	EventChallengeSent    EventType = "CHALLENGE_SENT"
	EventRebuttalReceived EventType = "REBUTTAL_RECEIVED"
	EventRebuttalTimeout  EventType = "REBUTTAL_TIMEOUT"
	EventDebateScored     EventType = "DEBATE_SCORED"
	EventScoreFinal       EventType = "SCORE_FINAL"
	EventTaskFailed       EventType = "TASK_FAILED"
)

// Event is one streamed step of a run.
type Event struct {
	RunID     string                 `json:"run_id"`
	Type      EventType              `json:"type"`
	TaskID    string                 `json:"task_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides in-memory pub/sub for run events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-run ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int
}

var (
	defaultMgr      *Manager
	once            sync.Once
	defaultCapacity = 256
)

// Get returns the global streaming manager, initializing it lazily.
func Get() *Manager {
	once.Do(func() {
		defaultMgr = &Manager{
			subscribers: make(map[string]map[chan Event]struct{}),
			history:     make(map[string]*ring),
			capacity:    defaultCapacity,
		}
	})
	return defaultMgr
}

// Configure sets the replay capacity for rings created after the call.
func Configure(capacity int) {
	if capacity <= 0 {
		return
	}
	defaultCapacity = capacity
	if defaultMgr != nil {
		defaultMgr.mu.Lock()
		defaultMgr.capacity = capacity
		defaultMgr.mu.Unlock()
	}
}

// Subscribe adds a subscriber channel for a run; the caller must drain
// it and call Unsubscribe.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribersActive.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, member := subs[ch]; !member {
			return
		}
		delete(subs, ch)
		close(ch)
		metrics.StreamSubscribersActive.Dec()
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish assigns the event a sequence number, records it for replay,
// and fans it out without blocking. Slow subscribers lose events; the
// ring lets them catch up. The fan-out happens under the lock so a
// concurrent Unsubscribe cannot close a channel mid-send; the sends
// never block, so the hold time stays bounded.
func (m *Manager) Publish(runID string, evt Event) {
	evt.RunID = runID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	for ch := range m.subscribers[runID] {
		select {
		case ch <- evt:
		default:
		}
	}
	m.mu.Unlock()

	metrics.StreamEventsPublished.Inc()
}

// ReplaySince returns events with Seq > since, best-effort within the
// ring capacity.
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[runID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Drop forgets a finished run's history and closes any remaining
// subscribers.
func (m *Manager) Drop(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, runID)
	if subs, ok := m.subscribers[runID]; ok {
		for ch := range subs {
			close(ch)
			metrics.StreamSubscribersActive.Dec()
		}
		delete(m.subscribers, runID)
	}
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

// Sequence numbers start at 1 so ReplaySince(run, 0) means "from the
// beginning", matching SSE clients with no Last-Event-ID.
func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
