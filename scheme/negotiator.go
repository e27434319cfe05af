package scheme

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/persist"
)

// Negotiator decides, per conversation partner, which pairwise scheme to
// use, and persists decisions across sessions. Downgrades are sticky: once
// a partner is marked legacy, only an observed successful modern decrypt
// from that partner (an upgrade signal) restores modern.
type Negotiator struct {
	mu             sync.Mutex
	store          persist.Store
	userPK         string
	supportsModern bool
	lastWritten    map[string]Scheme
	logger         *logrus.Entry
}

// NewNegotiator creates a negotiator for one authenticated user.
// supportsModern is the active signing authority's capability, queried once
// at session setup.
func NewNegotiator(store persist.Store, userPK string, supportsModern bool) *Negotiator {
	return &Negotiator{
		store:          store,
		userPK:         userPK,
		supportsModern: supportsModern,
		lastWritten:    make(map[string]Scheme),
		logger:         logrus.WithField("component", "SchemeNegotiator"),
	}
}

// PreferredSchemeFor resolves the scheme to attempt first for a partner:
// the stored preference if any, capped at Legacy when the signing authority
// cannot do Modern, otherwise Modern when supported and Legacy when not.
func (n *Negotiator) PreferredSchemeFor(ctx context.Context, partner string) Scheme {
	stored, err := n.storedPreference(ctx, partner)
	if err == nil {
		if stored == Modern && !n.supportsModern {
			return Legacy
		}
		return stored
	}
	if !errors.Is(err, persist.ErrNotFound) {
		n.logger.WithFields(logrus.Fields{
			"partner": shortKey(partner),
			"error":   err,
		}).Warn("Failed to read scheme preference, using default")
	}

	if n.supportsModern {
		return Modern
	}
	return Legacy
}

// RememberScheme persists a scheme decision for a partner. Writes are
// idempotent: an unchanged decision performs no persistence I/O.
func (n *Negotiator) RememberScheme(ctx context.Context, partner string, s Scheme) error {
	n.mu.Lock()
	if last, ok := n.lastWritten[partner]; ok && last == s {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if err := n.store.Set(ctx, n.key(partner), s.String()); err != nil {
		return fmt.Errorf("failed to persist scheme preference: %w", err)
	}

	n.mu.Lock()
	n.lastWritten[partner] = s
	n.mu.Unlock()

	n.logger.WithFields(logrus.Fields{
		"partner": shortKey(partner),
		"scheme":  s.String(),
	}).Debug("Remembered scheme preference")
	return nil
}

// Downgrade marks a partner legacy after a confirmed modern-scheme failure.
func (n *Negotiator) Downgrade(ctx context.Context, partner string) error {
	n.logger.WithField("partner", shortKey(partner)).Info("Downgrading partner to legacy scheme")
	return n.RememberScheme(ctx, partner, Legacy)
}

// UpgradeSignal records that a modern-scheme decrypt from this partner
// succeeded. This is the only path that restores Modern after a downgrade.
func (n *Negotiator) UpgradeSignal(ctx context.Context, partner string) error {
	if !n.supportsModern {
		return nil
	}
	return n.RememberScheme(ctx, partner, Modern)
}

func (n *Negotiator) storedPreference(ctx context.Context, partner string) (Scheme, error) {
	n.mu.Lock()
	if cached, ok := n.lastWritten[partner]; ok {
		n.mu.Unlock()
		return cached, nil
	}
	n.mu.Unlock()

	value, err := n.store.Get(ctx, n.key(partner))
	if err != nil {
		return Legacy, err
	}
	parsed, err := Parse(value)
	if err != nil {
		return Legacy, err
	}

	n.mu.Lock()
	n.lastWritten[partner] = parsed
	n.mu.Unlock()
	return parsed, nil
}

func (n *Negotiator) key(partner string) string {
	return "scheme:" + n.userPK + ":" + partner
}

// shortKey truncates a public key for logging.
func shortKey(pk string) string {
	if len(pk) > 16 {
		return pk[:16]
	}
	return pk
}
