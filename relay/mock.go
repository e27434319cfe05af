package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/opd-ai/dmcore/event"
)

// MockRelay is an in-memory Client for tests and offline development. It
// stores published envelopes, answers filtered fetches, and fans new
// envelopes out to live subscriptions.
type MockRelay struct {
	mu     sync.Mutex
	events []*event.Envelope
	subs   map[int]*mockSub
	nextID int

	// PublishErr, when set, makes every Publish fail on all endpoints.
	PublishErr error
}

type mockSub struct {
	filter event.Filter
	ch     chan *event.Envelope
}

// NewMockRelay creates an empty mock relay.
func NewMockRelay() *MockRelay {
	return &MockRelay{subs: make(map[int]*mockSub)}
}

// FetchEnvelopes returns stored envelopes matching the filter, newest
// first, bounded by the filter limit.
func (m *MockRelay) FetchEnvelopes(_ context.Context, filter event.Filter) ([]*event.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*event.Envelope
	for _, env := range m.events {
		if filter.Matches(env) {
			matched = append(matched, env)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt > matched[j].CreatedAt
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Subscribe registers a live subscription. The channel closes when ctx is
// cancelled, never on its own.
func (m *MockRelay) Subscribe(ctx context.Context, filter event.Filter) (<-chan *event.Envelope, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	sub := &mockSub{filter: filter, ch: make(chan *event.Envelope, 64)}
	m.subs[id] = sub
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		// Closing under the lock keeps Inject from sending on a closed
		// channel.
		m.mu.Lock()
		delete(m.subs, id)
		close(sub.ch)
		m.mu.Unlock()
	}()

	return sub.ch, nil
}

// Publish stores the envelope and delivers it to matching subscriptions.
func (m *MockRelay) Publish(_ context.Context, env *event.Envelope) (PublishResult, error) {
	if m.PublishErr != nil {
		return PublishResult{Failed: map[string]error{"mock": m.PublishErr}}, m.PublishErr
	}
	m.Inject(env)
	return PublishResult{Acked: []string{"mock"}}, nil
}

// Inject stores an envelope and fans it out, simulating arrival from the
// network without a local publish.
func (m *MockRelay) Inject(env *event.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, env)
	for _, sub := range m.subs {
		if sub.filter.Matches(env) {
			select {
			case sub.ch <- env:
			default:
				// Slow consumer: drop, matching best-effort delivery.
			}
		}
	}
}

// Stored returns a copy of everything the relay holds.
func (m *MockRelay) Stored() []*event.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*event.Envelope, len(m.events))
	copy(out, m.events)
	return out
}
