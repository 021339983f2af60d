// Package streaming provides in-memory pub/sub for workload output and
// agent lifecycle events, with a small per-key replay ring so a late
// subscriber (SSE reconnect, admin UI) can catch up.
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the supervisor.
const (
	TypeText        = "text"
	TypeThinking    = "thinking"
	TypeToolUse     = "tool_use"
	TypeStatus      = "status"
	TypeError       = "error"
	TypeAgentStatus = "agent_status"
)

// Event is one streamed occurrence scoped to a group key. AgentID is
// set for sub-agent lifecycle events.
type Event struct {
	Key       string    `json:"key"`
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Marshal returns the event as JSON for SSE payloads or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager fans events out to subscribers per key.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a manager whose replay rings hold capacity events.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe registers a buffered channel for key; the caller must drain
// it and call Unsubscribe when done.
func (m *Manager) Subscribe(key string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[key]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[key] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (m *Manager) Unsubscribe(key string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[key]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, key)
		}
	}
}

// Publish assigns a sequence number, records the event for replay, and
// delivers it to all subscribers of key without blocking. Slow
// subscribers miss events rather than stalling the supervisor.
func (m *Manager) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.mu.Lock()
	rg := m.history[evt.Key]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.Key] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	subs := m.subscribers[evt.Key]
	m.mu.Unlock()

	for ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ReplaySince returns buffered events with Seq > since, best effort
// within ring capacity.
func (m *Manager) ReplaySince(key string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[key]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history for a key (used when a sub-agent is
// reclaimed so its ring does not outlive the record).
func (m *Manager) Forget(key string) {
	m.mu.Lock()
	delete(m.history, key)
	m.mu.Unlock()
}

type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
