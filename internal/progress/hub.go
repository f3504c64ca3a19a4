package progress

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Update is one progress event for a running execution, progress in [0,1].
type Update struct {
	ExecutionUUID string          `json:"executionId"`
	TaskID        int64           `json:"taskId,omitempty"`
	Progress      float64         `json:"progress"`
	Step          string          `json:"step,omitempty"`
	StepNumber    *int            `json:"stepNumber,omitempty"`
	TotalSteps    *int            `json:"totalSteps,omitempty"`
	Message       string          `json:"message,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// terminal steps end every subscription for the execution once progress
// reaches 1.0.
var terminalSteps = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
}

func (u Update) Terminal() bool {
	return u.Progress >= 1.0 && terminalSteps[u.Step]
}

// Filter narrows what a subscriber receives. Zero values mean "everything".
type Filter struct {
	MinProgressDelta float64
	MaxFrequency     time.Duration
	StepFilter       []string
	IncludeData      bool
}

func (f Filter) matchesStep(step string) bool {
	if len(f.StepFilter) == 0 {
		return true
	}
	for _, s := range f.StepFilter {
		if s == step {
			return true
		}
	}
	return false
}

// Subscription is a registered sink for one execution's updates. Updates
// arrive on C; Close detaches the subscription and releases the channel.
type Subscription struct {
	ID            string
	ExecutionUUID string
	C             <-chan Update

	hub    *Hub
	filter Filter
	ch     chan Update

	mu            sync.Mutex
	lastProgress  float64
	lastDelivered time.Time
	delivered     bool
	closed        bool
}

func (s *Subscription) Close() {
	s.hub.Unsubscribe(s.ID)
}

// admit applies the filter against the subscription's delivery history.
func (s *Subscription) admit(u Update) (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.filter.matchesStep(u.Step) {
		return Update{}, false
	}

	// terminal updates always pass so subscribers see the end
	if !u.Terminal() && s.delivered {
		if s.filter.MinProgressDelta > 0 && u.Progress-s.lastProgress < s.filter.MinProgressDelta {
			return Update{}, false
		}
		if s.filter.MaxFrequency > 0 && time.Since(s.lastDelivered) < s.filter.MaxFrequency {
			return Update{}, false
		}
	}

	if !s.filter.IncludeData {
		u.Data = nil
	}

	s.delivered = true
	s.lastProgress = u.Progress
	s.lastDelivered = time.Now()
	return u, true
}

// Hub fans worker progress out to subscribers without knowing their
// transport. Delivery is best-effort: a full subscriber channel drops the
// update and bumps a counter.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription          // id -> sub
	byExec  map[string]map[string]*Subscription // execution uuid -> id -> sub
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]*Subscription),
		byExec: make(map[string]map[string]*Subscription),
	}
}

func (h *Hub) Subscribe(executionUUID string, filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}

	ch := make(chan Update, buffer)
	sub := &Subscription{
		ID:            uuid.NewString(),
		ExecutionUUID: executionUUID,
		C:             ch,
		ch:            ch,
		filter:        filter,
	}
	sub.hub = h

	h.mu.Lock()
	defer h.mu.Unlock()

	h.subs[sub.ID] = sub
	if h.byExec[executionUUID] == nil {
		h.byExec[executionUUID] = make(map[string]*Subscription)
	}
	h.byExec[executionUUID][sub.ID] = sub

	return sub
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id)
}

func (h *Hub) removeLocked(id string) {
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)

	if m := h.byExec[sub.ExecutionUUID]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(h.byExec, sub.ExecutionUUID)
		}
	}

	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish fans the update out to every matching subscription. Updates for a
// given execution are delivered in the order they are published; publishers
// must not call concurrently for the same execution.
func (h *Hub) Publish(u Update) {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.byExec[u.ExecutionUUID]))
	for _, sub := range h.byExec[u.ExecutionUUID] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		filtered, ok := sub.admit(u)
		if !ok {
			continue
		}

		select {
		case sub.ch <- filtered:
		default:
			h.dropped.Add(1)
		}
	}

	if u.Terminal() {
		h.mu.Lock()
		for id := range h.byExec[u.ExecutionUUID] {
			h.removeLocked(id)
		}
		h.mu.Unlock()
	}
}

// Dropped reports how many updates were discarded on full channels.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// SubscriberCount reports live subscriptions for an execution.
func (h *Hub) SubscriberCount(executionUUID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byExec[executionUUID])
}
