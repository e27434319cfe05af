package conversation

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/broker"
	"github.com/opd-ai/dmcore/event"
	"github.com/opd-ai/dmcore/giftwrap"
	"github.com/opd-ai/dmcore/scheme"
	"github.com/opd-ai/dmcore/signer"
)

// onionCacheEntry is the decrypted-cache payload for onion envelopes, which
// need the recovered sender alongside the plaintext.
type onionCacheEntry struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// handleEnvelope classifies and decrypts one raw envelope from either the
// historical or the live stream, then merges the result. Failures never
// propagate: they become failed placeholders or silent drops per the error
// taxonomy.
func (m *Manager) handleEnvelope(ctx context.Context, env *event.Envelope, live bool) {
	if env == nil || env.Validate() != nil {
		return
	}

	// A relay echo of our own optimistic send: confirm it, do not
	// re-decrypt or duplicate.
	if m.confirmEcho(env.ID) {
		return
	}

	// Deduplicate between historical fetch and live subscription before
	// any decrypt, protecting an interactive authority from duplicate
	// prompts.
	if !m.deps.Processed.Add(env.ID) {
		return
	}

	sch, ok := scheme.FromKind(env.Kind)
	if !ok {
		return
	}

	if sch == scheme.Onion {
		m.handleOnion(ctx, env, live)
		return
	}
	m.handlePairwise(ctx, env, sch, live)
}

// handlePairwise processes legacy and modern envelopes, where the partner
// is derivable from routing tags alone.
func (m *Manager) handlePairwise(ctx context.Context, env *event.Envelope, sch scheme.Scheme, live bool) {
	outgoing := env.Author == m.user

	var partner string
	if outgoing {
		recipient, err := env.RecipientTag()
		if err != nil {
			// Missing recipient tag: expected network noise.
			return
		}
		partner = recipient
	} else {
		partner = env.Author
	}

	plaintext, failed := m.resolvePlaintext(ctx, env, partner, sch, outgoing)

	recipient := m.user
	if outgoing {
		recipient = partner
	}

	msg := DirectMessage{
		ID:         env.ID,
		Sender:     env.Author,
		Recipient:  recipient,
		Content:    plaintext,
		CreatedAt:  env.CreatedAt,
		Encryption: sch,
		Failed:     failed,
	}
	if failed {
		m.rememberRaw(env)
	}
	m.merge(partner, msg, live && !outgoing)
}

// resolvePlaintext consults the decrypted cache, then the broker. Modern
// failures on incoming envelopes downgrade the partner; modern successes
// are the upgrade signal.
func (m *Manager) resolvePlaintext(ctx context.Context, env *event.Envelope, partner string, sch scheme.Scheme, outgoing bool) (string, bool) {
	if cached, ok := m.deps.Decrypted.Get(env.ID); ok {
		return cached, false
	}

	plaintext, err := m.deps.Broker.Decrypt(ctx, partner, env.Content, sch)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"envelope": shortID(env.ID),
			"partner":  shortID(partner),
			"scheme":   sch.String(),
			"error":    err,
		}).Warn("Decrypt failed, recording placeholder")

		if sch == scheme.Modern && !outgoing && confirmedFailure(err) {
			if derr := m.deps.Negotiator.Downgrade(ctx, partner); derr != nil {
				m.logger.WithField("error", derr).Warn("Failed to persist downgrade")
			}
		}
		return FailedContent, true
	}

	m.deps.Decrypted.Put(env.ID, plaintext)
	if sch == scheme.Modern && !outgoing {
		if uerr := m.deps.Negotiator.UpgradeSignal(ctx, partner); uerr != nil {
			m.logger.WithField("error", uerr).Warn("Failed to persist upgrade signal")
		}
	}
	return plaintext, false
}

// confirmedFailure reports whether a decrypt error is a scheme-level
// rejection rather than a delivery problem. Timeouts, shutdown drains,
// cancellations, and a not-yet-ready authority say nothing about the
// partner's scheme support, so they never trigger the sticky downgrade.
func confirmedFailure(err error) bool {
	switch {
	case errors.Is(err, broker.ErrTimeout),
		errors.Is(err, broker.ErrShutdown),
		errors.Is(err, signer.ErrNotReady),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// handleOnion processes giftwrap envelopes through the unwrapper. A failed
// outer or seal decrypt cannot be attributed to a partner (the outer author
// is a throwaway), so onion failures are dropped rather than recorded.
func (m *Manager) handleOnion(ctx context.Context, env *event.Envelope, live bool) {
	if cached, ok := m.deps.Decrypted.Get(env.ID); ok {
		var entry onionCacheEntry
		if err := json.Unmarshal([]byte(cached), &entry); err == nil {
			m.mergeOnion(env, entry, live)
		}
		return
	}

	result, err := m.deps.Unwrapper.Unwrap(ctx, env)
	if err != nil {
		if errors.Is(err, giftwrap.ErrNotAddressedToUs) || errors.Is(err, giftwrap.ErrMalformed) {
			m.logger.WithField("envelope", shortID(env.ID)).Debug("Dropping onion envelope")
		} else {
			m.logger.WithFields(logrus.Fields{
				"envelope": shortID(env.ID),
				"error":    err,
			}).Warn("Onion unwrap failed")
		}
		return
	}

	entry := onionCacheEntry{
		Sender:    result.Sender,
		Content:   result.Plaintext,
		CreatedAt: result.CreatedAt,
	}
	if raw, err := json.Marshal(entry); err == nil {
		m.deps.Decrypted.Put(env.ID, string(raw))
	}
	m.mergeOnion(env, entry, live)
}

func (m *Manager) mergeOnion(env *event.Envelope, entry onionCacheEntry, live bool) {
	createdAt := entry.CreatedAt
	if createdAt == 0 {
		createdAt = env.CreatedAt
	}

	msg := DirectMessage{
		ID:         env.ID,
		Sender:     entry.Sender,
		Recipient:  m.user,
		Content:    entry.Content,
		CreatedAt:  createdAt,
		Encryption: scheme.Onion,
	}
	// The partner is the true sender recovered by the unwrapper, never
	// the throwaway outer author.
	m.merge(entry.Sender, msg, live)
}

// merge upserts a message into its conversation as one read-modify-write
// step over the owned collection.
func (m *Manager) merge(partner string, msg DirectMessage, countUnread bool) {
	m.mu.Lock()
	conv, ok := m.convs[partner]
	if !ok {
		conv = &Conversation{Partner: partner}
		m.convs[partner] = conv
	}

	if conv.contains(msg.ID) {
		m.mu.Unlock()
		return
	}

	conv.insert(msg)
	if countUnread && partner != m.active {
		conv.UnreadCount++
	}
	m.mu.Unlock()

	m.notify(partner)
}

// confirmEcho marks a pending optimistic echo as relay-confirmed. Returns
// true when the id belonged to one.
func (m *Manager) confirmEcho(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conv := range m.convs {
		for i := range conv.Messages {
			if conv.Messages[i].ID == id && conv.Messages[i].Pending {
				conv.Messages[i].Pending = false
				return true
			}
		}
	}
	return false
}

// rememberRaw keeps the envelope of a failed decrypt so an explicit retry
// can re-attempt it.
func (m *Manager) rememberRaw(env *event.Envelope) {
	m.mu.Lock()
	m.raw[env.ID] = env
	m.mu.Unlock()
}

// shortID truncates an identifier for logging.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
