package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/dmcore/event"
)

// StartLive opens the standing subscription for envelopes naming the local
// user as recipient or author, with a short look-back window to catch
// near-simultaneous events. Opening twice is a no-op; the subscription runs
// until Close or the parent context ends.
func (m *Manager) StartLive(ctx context.Context) error {
	m.mu.Lock()
	if m.liveCancel != nil {
		m.mu.Unlock()
		return nil
	}
	liveCtx, cancel := context.WithCancel(ctx)
	m.liveCancel = cancel
	m.mu.Unlock()

	since := time.Now().Add(-m.cfg.LookBack).Unix()

	incoming, err := m.deps.Relay.Subscribe(liveCtx, event.Filter{
		Kinds:      dmKinds(),
		Recipients: []string{m.user},
		Since:      since,
	})
	if err != nil {
		m.clearLive(cancel)
		return fmt.Errorf("failed to open incoming subscription: %w", err)
	}

	outgoing, err := m.deps.Relay.Subscribe(liveCtx, event.Filter{
		Kinds:   dmKinds(),
		Authors: []string{m.user},
		Since:   since,
	})
	if err != nil {
		m.clearLive(cancel)
		return fmt.Errorf("failed to open outgoing subscription: %w", err)
	}

	m.bg.Add(1)
	go m.consumeLive(liveCtx, incoming, outgoing)

	m.logger.Debug("Live subscription opened")
	return nil
}

func (m *Manager) clearLive(cancel context.CancelFunc) {
	cancel()
	m.mu.Lock()
	m.liveCancel = nil
	m.mu.Unlock()
}

// consumeLive drains both live streams until the context ends.
func (m *Manager) consumeLive(ctx context.Context, incoming, outgoing <-chan *event.Envelope) {
	defer m.bg.Done()

	for incoming != nil || outgoing != nil {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			m.handleEnvelope(ctx, env, true)
		case env, ok := <-outgoing:
			if !ok {
				outgoing = nil
				continue
			}
			m.handleEnvelope(ctx, env, true)
		}
	}
}
