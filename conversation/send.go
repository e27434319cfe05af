package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/event"
	"github.com/opd-ai/dmcore/scheme"
)

// Send encrypts, signs, and publishes a message to a partner, attempting
// the preferred scheme first and falling back once from modern to legacy.
// On success an optimistic echo appears in the conversation immediately;
// the relay-delivered copy later confirms it instead of duplicating it.
// Send-path failures are surfaced to the caller, unlike receive-path ones.
func (m *Manager) Send(ctx context.Context, partner, text string) (*DirectMessage, error) {
	if text == "" {
		return nil, errors.New("conversation: message text cannot be empty")
	}

	sch := m.deps.Negotiator.PreferredSchemeFor(ctx, partner)
	ciphertext, err := m.deps.Broker.Encrypt(ctx, partner, text, sch)
	if err != nil && sch == scheme.Modern {
		// One-way fallback: a modern encrypt failure downgrades the
		// partner and retries legacy. There is no reverse path.
		m.logger.WithFields(logrus.Fields{
			"partner": shortID(partner),
			"error":   err,
		}).Warn("Modern encrypt failed, falling back to legacy")

		if derr := m.deps.Negotiator.Downgrade(ctx, partner); derr != nil {
			m.logger.WithField("error", derr).Warn("Failed to persist downgrade")
		}
		sch = scheme.Legacy
		ciphertext, err = m.deps.Broker.Encrypt(ctx, partner, text, sch)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}

	env := &event.Envelope{
		CreatedAt: time.Now().Unix(),
		Kind:      sch.PublishKind(),
		Content:   ciphertext,
	}
	env.SetRecipientTag(partner)

	if err := m.deps.Signer.Sign(ctx, env); err != nil {
		return nil, fmt.Errorf("failed to sign envelope: %w", err)
	}

	result, err := m.deps.Relay.Publish(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("failed to publish envelope: %w", err)
	}
	if !result.Success() {
		return nil, ErrPublishFailed
	}

	if rerr := m.deps.Negotiator.RememberScheme(ctx, partner, sch); rerr != nil {
		m.logger.WithField("error", rerr).Warn("Failed to persist scheme preference")
	}

	// Optimistic local echo: the plaintext is already known, no decrypt
	// needed when the relay delivers the envelope back.
	msg := DirectMessage{
		ID:         env.ID,
		LocalID:    uuid.NewString(),
		Sender:     m.user,
		Recipient:  partner,
		Content:    text,
		CreatedAt:  env.CreatedAt,
		Encryption: sch,
		Pending:    true,
	}
	m.deps.Decrypted.Put(env.ID, text)
	m.merge(partner, msg, false)

	m.logger.WithFields(logrus.Fields{
		"partner":  shortID(partner),
		"scheme":   sch.String(),
		"envelope": shortID(env.ID),
	}).Debug("Message published")
	return &msg, nil
}

// RetryFailed re-decrypts every currently-failed message in one
// conversation. Explicit and user-triggered: interactive authorities may
// prompt, so nothing retries automatically. Unlike the receive path,
// failures here are returned to the caller.
func (m *Manager) RetryFailed(ctx context.Context, partner string) error {
	m.mu.Lock()
	var envs []*event.Envelope
	if conv, ok := m.convs[partner]; ok {
		for i := range conv.Messages {
			if !conv.Messages[i].Failed {
				continue
			}
			if env, kept := m.raw[conv.Messages[i].ID]; kept {
				envs = append(envs, env)
			}
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, env := range envs {
		if err := m.retryOne(ctx, partner, env); err != nil {
			errs = append(errs, fmt.Errorf("envelope %s: %w", shortID(env.ID), err))
		}
	}
	return errors.Join(errs...)
}

// retryOne re-attempts one failed pairwise decrypt and replaces the
// placeholder in place on success.
func (m *Manager) retryOne(ctx context.Context, partner string, env *event.Envelope) error {
	sch, ok := scheme.FromKind(env.Kind)
	if !ok || sch == scheme.Onion {
		return nil
	}

	plaintext, err := m.deps.Broker.Decrypt(ctx, partner, env.Content, sch)
	if err != nil {
		return err
	}

	m.deps.Decrypted.Put(env.ID, plaintext)

	recipient := m.user
	if env.Author == m.user {
		recipient = partner
	}
	msg := DirectMessage{
		ID:         env.ID,
		Sender:     env.Author,
		Recipient:  recipient,
		Content:    plaintext,
		CreatedAt:  env.CreatedAt,
		Encryption: sch,
	}

	m.mu.Lock()
	if conv, ok := m.convs[partner]; ok {
		conv.replace(msg)
	}
	delete(m.raw, env.ID)
	m.mu.Unlock()

	m.notify(partner)
	return nil
}
