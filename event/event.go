// Package event defines the broadcast envelope wire format shared by every
// component: the signed JSON event published to and received from relays,
// the kind tags that select an encryption scheme, and the filters used for
// historical fetches and live subscriptions.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags carried on the wire. The kind selects which decrypt path an
// incoming envelope takes and which scheme an outgoing one was encrypted
// under.
const (
	// KindLegacyDM is a direct message encrypted with the legacy pairwise
	// scheme.
	KindLegacyDM = 4
	// KindModernDM is a direct message encrypted with the modern pairwise
	// scheme.
	KindModernDM = 44
	// KindGiftWrap is the outer layer of the onion scheme, authored by a
	// throwaway key and addressed to the real recipient.
	KindGiftWrap = 1059
	// KindSeal is the middle onion layer, authored by the true sender.
	KindSeal = 13
	// KindRumor is the innermost onion layer: an unsigned message record
	// whose content is the final plaintext.
	KindRumor = 14
)

// TagRecipient is the tag name carrying the recipient public key.
const TagRecipient = "p"

var (
	// ErrNoRecipient indicates an envelope without a recipient tag.
	ErrNoRecipient = errors.New("event: envelope has no recipient tag")
)

// Envelope is one broadcast event: possibly-encrypted content plus public
// routing tags. CreatedAt is author-supplied and untrusted.
type Envelope struct {
	ID        string     `json:"id"`
	Author    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig,omitempty"`
}

// RecipientTag returns the public key from the first "p" tag, or
// ErrNoRecipient when the envelope carries none.
func (e *Envelope) RecipientTag() (string, error) {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == TagRecipient {
			return tag[1], nil
		}
	}
	return "", ErrNoRecipient
}

// SetRecipientTag replaces any existing "p" tag with one naming the given
// public key.
func (e *Envelope) SetRecipientTag(pubkey string) {
	tags := make([][]string, 0, len(e.Tags)+1)
	for _, tag := range e.Tags {
		if len(tag) >= 1 && tag[0] == TagRecipient {
			continue
		}
		tags = append(tags, tag)
	}
	e.Tags = append(tags, []string{TagRecipient, pubkey})
}

// ComputeID derives the canonical envelope id: the hex SHA-256 of the
// serialized [0, pubkey, created_at, kind, tags, content] array.
func (e *Envelope) ComputeID() (string, error) {
	if e.Tags == nil {
		e.Tags = [][]string{}
	}
	payload, err := json.Marshal([]interface{}{
		0, e.Author, e.CreatedAt, e.Kind, e.Tags, e.Content,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize envelope for id: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Validate performs the structural checks applied to every envelope taken
// off the network before any crypto is attempted.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return errors.New("event: missing id")
	}
	if e.Author == "" {
		return errors.New("event: missing author")
	}
	if e.Content == "" {
		return errors.New("event: missing content")
	}
	return nil
}

// IsDirectMessage reports whether the kind belongs to the DM subsystem.
func IsDirectMessage(kind int) bool {
	return kind == KindLegacyDM || kind == KindModernDM || kind == KindGiftWrap
}
