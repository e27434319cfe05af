// Package giftwrap unwraps the three-layer onion envelope scheme: an outer
// wrap authored by a throwaway key and addressed to the real recipient, a
// seal authored by the true sender, and an unsigned rumor carrying the
// plaintext. The true sender recovered here is structurally distinct from
// the throwaway outer author and must never be confused with it.
package giftwrap

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/event"
	"github.com/opd-ai/dmcore/scheme"
)

var (
	// ErrNotAddressedToUs indicates the outer wrap names a different
	// recipient. Such envelopes are dropped without any decrypt attempt.
	ErrNotAddressedToUs = errors.New("giftwrap: envelope not addressed to this identity")
	// ErrMalformed indicates a layer failed to parse. Expected noise from
	// a public, adversarial-input network; dropped silently upstream.
	ErrMalformed = errors.New("giftwrap: malformed envelope layer")
)

// Decrypter resolves ciphertext through the crypto broker.
type Decrypter interface {
	Decrypt(ctx context.Context, peer, ciphertext string, sch scheme.Scheme) (string, error)
}

// Result is a successfully unwrapped onion envelope.
type Result struct {
	// Plaintext is the innermost message content.
	Plaintext string
	// Sender is the true sender identity: the seal author on the full
	// path, the middle layer's own author on the fallback path.
	Sender string
	// Sealed reports whether the full three-layer path was taken, as
	// opposed to the single-layer fallback variant of the scheme.
	Sealed bool
	// CreatedAt is the innermost layer's timestamp when present, the
	// outer timestamp otherwise.
	CreatedAt int64
}

// Unwrapper recursively decrypts onion envelopes for one local identity.
type Unwrapper struct {
	decrypter Decrypter
	userPK    string
	logger    *logrus.Entry
}

// NewUnwrapper creates an unwrapper for the given local identity.
func NewUnwrapper(decrypter Decrypter, userPK string) *Unwrapper {
	return &Unwrapper{
		decrypter: decrypter,
		userPK:    userPK,
		logger:    logrus.WithField("component", "GiftwrapUnwrapper"),
	}
}

// Unwrap peels an onion envelope down to plaintext and the true sender.
// The outer wrap must be addressed to the local identity; nothing is
// decrypted otherwise.
func (u *Unwrapper) Unwrap(ctx context.Context, env *event.Envelope) (*Result, error) {
	recipient, err := env.RecipientTag()
	if err != nil {
		return nil, ErrMalformed
	}
	if recipient != u.userPK {
		// Received but not meant for this identity.
		return nil, ErrNotAddressedToUs
	}

	// Outer layer: encrypted to us by the throwaway author.
	middleJSON, err := u.decrypter.Decrypt(ctx, env.Author, env.Content, scheme.Onion)
	if err != nil {
		return nil, err
	}

	var middle event.Envelope
	if err := json.Unmarshal([]byte(middleJSON), &middle); err != nil {
		u.logger.WithFields(logrus.Fields{
			"envelope": shortID(env.ID),
			"error":    err,
		}).Debug("Middle layer is not valid JSON, dropping")
		return nil, ErrMalformed
	}

	if middle.Kind != event.KindSeal {
		return u.unwrapFallback(env, &middle)
	}
	return u.unwrapSeal(ctx, env, &middle)
}

// unwrapSeal handles the full path: the seal author is the true sender and
// its content decrypts from that sender to us, yielding the rumor.
func (u *Unwrapper) unwrapSeal(ctx context.Context, outer *event.Envelope, seal *event.Envelope) (*Result, error) {
	if seal.Author == "" {
		return nil, ErrMalformed
	}

	rumorJSON, err := u.decrypter.Decrypt(ctx, seal.Author, seal.Content, scheme.Onion)
	if err != nil {
		return nil, err
	}

	var rumor event.Envelope
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		u.logger.WithField("envelope", shortID(outer.ID)).Debug("Rumor layer is not valid JSON, dropping")
		return nil, ErrMalformed
	}

	createdAt := rumor.CreatedAt
	if createdAt == 0 {
		createdAt = outer.CreatedAt
	}

	return &Result{
		Plaintext: rumor.Content,
		Sender:    seal.Author,
		Sealed:    true,
		CreatedAt: createdAt,
	}, nil
}

// unwrapFallback handles the scheme's single-layer predecessor: the middle
// layer is not a seal, so its own content is the plaintext and its own
// author is the closest available real identity.
func (u *Unwrapper) unwrapFallback(outer *event.Envelope, middle *event.Envelope) (*Result, error) {
	sender := middle.Author
	if sender == "" {
		return nil, ErrMalformed
	}

	plaintext := middle.Content
	if plaintext == "" {
		raw, err := json.Marshal(middle)
		if err != nil {
			return nil, ErrMalformed
		}
		plaintext = string(raw)
	}

	createdAt := middle.CreatedAt
	if createdAt == 0 {
		createdAt = outer.CreatedAt
	}

	u.logger.WithFields(logrus.Fields{
		"envelope": shortID(outer.ID),
		"kind":     middle.Kind,
	}).Debug("Unrecognized middle layer kind, using fallback variant")

	return &Result{
		Plaintext: plaintext,
		Sender:    sender,
		Sealed:    false,
		CreatedAt: createdAt,
	}, nil
}

// shortID truncates an envelope id for logging.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
