// Package notify fans committed change events out to live subscriptions.
//
// The publisher (the record store's writer path) is serialized, so events for
// a table are published in commit order. Delivery channels are bounded;
// publication never blocks on a consumer. A subscription whose channel is
// full is evicted instead.
package notify

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"shrike/internal/metrics"
)

// Kind is the mutation kind of a change event.
type Kind uint8

const (
	KindCreate Kind = iota + 1
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	}
	return "unknown"
}

// MarshalJSON encodes the kind as its lowercase name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// Event is one committed mutation of one record. Seq increases monotonically
// per table in commit order. Value carries the record's exposed projection;
// it is nil for deletes (tombstone).
type Event struct {
	Table    string         `json:"table"`
	RecordID string         `json:"record_id"`
	Kind     Kind           `json:"kind"`
	Seq      uint64         `json:"seq"`
	Value    map[string]any `json:"value,omitempty"`
}

// State is the lifecycle state of a subscription.
type State int32

const (
	StateActive State = iota
	StateDraining
	StateClosed
)

// Subscription is one registered consumer of a table's (or record's) events.
type Subscription struct {
	ID       string
	Table    string
	RecordID string // empty for table-wide subscriptions

	ch      chan Event
	mu      sync.Mutex
	state   State
	cursor  uint64 // last delivered sequence
	evicted bool
}

// Events returns the delivery channel. It is closed once the subscription
// leaves Active; events buffered before that remain readable.
func (s *Subscription) Events() <-chan Event { return s.ch }

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Evicted reports whether the subscription was force-closed as a slow
// consumer.
func (s *Subscription) Evicted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// Advance records delivery of an event to the consumer. The cursor never
// moves backward.
func (s *Subscription) Advance(seq uint64) {
	s.mu.Lock()
	if seq > s.cursor {
		s.cursor = seq
	}
	s.mu.Unlock()
}

// Cursor returns the last delivered sequence.
func (s *Subscription) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Subscription) matches(ev Event) bool {
	return s.RecordID == "" || s.RecordID == ev.RecordID
}

// Manager registers subscriptions and assigns per-table sequence numbers.
// A Manager is also the ChangeNotifier: Publish is called by the store once
// per committed mutation, under the store's writer serialization.
type Manager struct {
	buffer int

	mu      sync.Mutex
	seq     map[string]uint64
	subs    map[string]map[string]*Subscription // table -> sub id -> sub
	entropy *ulid.MonotonicEntropy
}

// NewManager constructs a manager with the given per-subscription channel
// capacity.
func NewManager(buffer int) *Manager {
	if buffer <= 0 {
		buffer = 64
	}
	return &Manager{
		buffer:  buffer,
		seq:     make(map[string]uint64),
		subs:    make(map[string]map[string]*Subscription),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Subscribe registers a consumer for a table, optionally filtered to a single
// record id. The subscription starts Active.
func (m *Manager) Subscribe(table, recordID string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &Subscription{
		ID:       ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String(),
		Table:    table,
		RecordID: recordID,
		ch:       make(chan Event, m.buffer),
	}
	if m.subs[table] == nil {
		m.subs[table] = make(map[string]*Subscription)
	}
	m.subs[table][sub.ID] = sub
	metrics.SubscriptionsActive.Inc()
	return sub
}

// Publish assigns the next sequence number for the table and enqueues the
// event to every matching Active subscription. It never blocks: a full
// channel evicts its subscription.
func (m *Manager) Publish(table, recordID string, kind Kind, value map[string]any) Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq[table]++
	ev := Event{Table: table, RecordID: recordID, Kind: kind, Seq: m.seq[table], Value: value}
	metrics.EventsPublished.WithLabelValues(table, kind.String()).Inc()

	for _, sub := range m.subs[table] {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// slow consumer: close rather than block the committing writer
			m.evictLocked(sub)
		}
	}
	return ev
}

// Drain moves a subscription to Draining: it is unregistered so no new events
// are admitted, its channel is closed, and events already enqueued stay
// readable until the consumer observes the close and calls Close.
func (m *Manager) Drain(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub.mu.Lock()
	if sub.state != StateActive {
		sub.mu.Unlock()
		return
	}
	sub.state = StateDraining
	sub.mu.Unlock()

	m.unregisterLocked(sub)
	close(sub.ch)
}

// Close releases a subscription. Draining subscriptions transition here once
// the consumer is done; calling Close on an Active subscription drains it
// first (dropping whatever was still buffered).
func (m *Manager) Close(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub.mu.Lock()
	switch sub.state {
	case StateActive:
		sub.state = StateClosed
		sub.mu.Unlock()
		m.unregisterLocked(sub)
		close(sub.ch)
		return
	case StateDraining:
		sub.state = StateClosed
	}
	sub.mu.Unlock()
}

// evictLocked force-closes a slow consumer. Caller holds m.mu; closing the
// channel is safe because all sends happen under m.mu as well.
func (m *Manager) evictLocked(sub *Subscription) {
	sub.mu.Lock()
	if sub.state != StateActive {
		sub.mu.Unlock()
		return
	}
	sub.state = StateClosed
	sub.evicted = true
	sub.mu.Unlock()

	m.unregisterLocked(sub)
	close(sub.ch)
	metrics.SlowConsumerEvictions.Inc()
}

func (m *Manager) unregisterLocked(sub *Subscription) {
	byID := m.subs[sub.Table]
	if byID == nil {
		return
	}
	if _, ok := byID[sub.ID]; !ok {
		return
	}
	delete(byID, sub.ID)
	if len(byID) == 0 {
		delete(m.subs, sub.Table)
	}
	metrics.SubscriptionsActive.Dec()
}

// Sequence returns the last sequence number assigned for a table.
func (m *Manager) Sequence(table string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq[table]
}
