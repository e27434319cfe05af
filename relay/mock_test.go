package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dmcore/event"
)

func testEnvelope(id string) *event.Envelope {
	return &event.Envelope{
		ID:        id,
		Author:    "author",
		CreatedAt: 1,
		Kind:      event.KindLegacyDM,
		Content:   "ct",
	}
}

func TestMockRelaySubscribeDelivers(t *testing.T) {
	m := NewMockRelay()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Subscribe(ctx, event.Filter{})
	require.NoError(t, err)

	m.Inject(testEnvelope("a"))

	select {
	case env := <-ch:
		assert.Equal(t, "a", env.ID)
	case <-time.After(time.Second):
		t.Fatal("envelope never delivered")
	}
}

func TestMockRelaySubscriptionClosesOnCancel(t *testing.T) {
	m := NewMockRelay()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := m.Subscribe(ctx, event.Filter{})
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open, "channel must close after cancellation")
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}
}

// Injections racing subscription teardown must never send on a closed
// channel.
func TestMockRelayInjectDuringCancel(t *testing.T) {
	m := NewMockRelay()

	var cancels []context.CancelFunc
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		if _, err := m.Subscribe(ctx, event.Filter{}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		cancels = append(cancels, cancel)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			m.Inject(testEnvelope("race"))
		}
	}()
	go func() {
		defer wg.Done()
		for _, cancel := range cancels {
			cancel()
		}
	}()
	wg.Wait()
}
