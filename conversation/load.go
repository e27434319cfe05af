package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/opd-ai/dmcore/event"
	"github.com/opd-ai/dmcore/persist"
)

// Load performs the historical load path: render the persisted snapshot
// first, fetch envelopes sent by and addressed to the user, merge and
// deduplicate them, decrypt the newest slice synchronously, and decrypt the
// remainder in the background.
func (m *Manager) Load(ctx context.Context) error {
	m.loadSnapshot(ctx)

	since := time.Now().Add(-m.cfg.HistoryWindow).Unix()

	sent, sentErr := m.deps.Relay.FetchEnvelopes(ctx, event.Filter{
		Kinds:   dmKinds(),
		Authors: []string{m.user},
		Since:   since,
		Limit:   m.cfg.HistoryLimit,
	})
	received, recvErr := m.deps.Relay.FetchEnvelopes(ctx, event.Filter{
		Kinds:      dmKinds(),
		Recipients: []string{m.user},
		Since:      since,
		Limit:      m.cfg.HistoryLimit,
	})

	if sentErr != nil && recvErr != nil {
		return fmt.Errorf("failed to fetch history: %w", errors.Join(sentErr, recvErr))
	}
	if sentErr != nil {
		m.logger.WithField("error", sentErr).Warn("Sent-history fetch failed, continuing with received only")
	}
	if recvErr != nil {
		m.logger.WithField("error", recvErr).Warn("Received-history fetch failed, continuing with sent only")
	}

	merged := mergeHistory(sent, received)
	m.logger.WithField("envelopes", len(merged)).Debug("Loaded message history")

	// Newest slice decrypts synchronously, bounding interactive latency
	// and signer-prompt count on large histories.
	head := merged
	var tail []*event.Envelope
	if len(merged) > m.cfg.SyncDecryptLimit {
		head = merged[:m.cfg.SyncDecryptLimit]
		tail = merged[m.cfg.SyncDecryptLimit:]
	}

	for _, env := range head {
		m.handleEnvelope(ctx, env, false)
	}

	if len(tail) > 0 {
		m.bg.Add(1)
		go func() {
			defer m.bg.Done()

			// Ends on caller cancellation or session Close, whichever
			// comes first, so logout never drains the backlog.
			tailCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-m.stopCtx.Done():
					cancel()
				case <-tailCtx.Done():
				}
			}()

			for _, env := range tail {
				select {
				case <-tailCtx.Done():
					return
				default:
				}
				m.handleEnvelope(tailCtx, env, false)
			}
			m.saveSnapshot(tailCtx)
		}()
	}

	m.saveSnapshot(ctx)
	return nil
}

// mergeHistory deduplicates the two fetches by envelope id and orders
// newest first by the author-claimed timestamp.
func mergeHistory(sent, received []*event.Envelope) []*event.Envelope {
	seen := make(map[string]struct{}, len(sent)+len(received))
	merged := make([]*event.Envelope, 0, len(sent)+len(received))
	for _, env := range append(append([]*event.Envelope{}, sent...), received...) {
		if env == nil {
			continue
		}
		if _, dup := seen[env.ID]; dup {
			continue
		}
		seen[env.ID] = struct{}{}
		merged = append(merged, env)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt > merged[j].CreatedAt
	})
	return merged
}

// snapshotKey namespaces the cold-start snapshot per user.
func (m *Manager) snapshotKey() string {
	return "snapshot:" + m.user
}

// loadSnapshot restores the bounded recent-message snapshot so the UI has
// content before the network round trip completes.
func (m *Manager) loadSnapshot(ctx context.Context) {
	if m.cfg.SnapshotSize <= 0 || m.deps.Store == nil {
		return
	}

	raw, err := m.deps.Store.Get(ctx, m.snapshotKey())
	if err != nil {
		if !errors.Is(err, persist.ErrNotFound) {
			m.logger.WithField("error", err).Warn("Failed to load snapshot")
		}
		return
	}

	var messages []DirectMessage
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		m.logger.WithField("error", err).Warn("Discarding corrupt snapshot")
		return
	}

	for _, msg := range messages {
		partner := msg.Sender
		if msg.Sender == m.user {
			partner = msg.Recipient
		}
		// Snapshot entries are already decrypted: mark processed so the
		// network load does not re-decrypt them.
		m.deps.Processed.Add(msg.ID)
		m.merge(partner, msg, false)
	}
	m.logger.WithField("messages", len(messages)).Debug("Restored snapshot")
}

// saveSnapshot persists the most recent messages across all conversations.
func (m *Manager) saveSnapshot(ctx context.Context) {
	if m.cfg.SnapshotSize <= 0 || m.deps.Store == nil {
		return
	}

	m.mu.Lock()
	var all []DirectMessage
	for _, conv := range m.convs {
		for _, msg := range conv.Messages {
			if msg.Failed || msg.Pending {
				continue
			}
			all = append(all, msg)
		}
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt > all[j].CreatedAt
	})
	if len(all) > m.cfg.SnapshotSize {
		all = all[:m.cfg.SnapshotSize]
	}

	raw, err := json.Marshal(all)
	if err != nil {
		m.logger.WithField("error", err).Warn("Failed to serialize snapshot")
		return
	}
	if err := m.deps.Store.Set(ctx, m.snapshotKey(), string(raw)); err != nil {
		m.logger.WithField("error", err).Warn("Failed to persist snapshot")
	}
}
