// Package conversation reconciles the DM subsystem's event streams into
// per-partner conversations. It merges bulk historical fetches with the
// live subscription, deduplicates across the two, derives the conversation
// partner for every envelope, keeps messages ordered by their claimed
// timestamps, tracks unread counts, and maintains optimistic local echoes
// for just-sent messages until the relay delivers them back.
package conversation

import (
	"sort"

	"github.com/opd-ai/dmcore/scheme"
)

// FailedContent is the sentinel placed in a DirectMessage whose decrypt
// failed. The envelope is kept so an explicit retry can replace it.
const FailedContent = "[failed to decrypt]"

// DirectMessage is one decrypted message. Immutable once constructed,
// except that a failed decrypt may be replaced in place by a successful
// retry under the same ID.
type DirectMessage struct {
	// ID is the envelope identifier, globally unique.
	ID string
	// LocalID correlates an optimistic echo with UI state before and
	// after relay confirmation.
	LocalID string
	// Sender and Recipient are public-key identities.
	Sender    string
	Recipient string
	// Content is the plaintext, or FailedContent.
	Content string
	// CreatedAt is seconds since epoch, author-supplied and untrusted.
	CreatedAt int64
	// Encryption tags which scheme carried the message.
	Encryption scheme.Scheme
	// Failed marks a message whose decrypt did not succeed.
	Failed bool
	// Pending marks an optimistic local echo not yet seen back from the
	// relay.
	Pending bool
}

// Conversation is the ordered message history with one partner.
type Conversation struct {
	Partner     string
	Messages    []DirectMessage
	LastMessage string
	UnreadCount int
	LastUpdated int64
}

// insert places a message by CreatedAt, ties broken by arrival order, and
// refreshes the preview fields.
func (c *Conversation) insert(msg DirectMessage) {
	// Insert after any message with an equal or earlier timestamp so
	// arrival order breaks ties.
	pos := sort.Search(len(c.Messages), func(i int) bool {
		return c.Messages[i].CreatedAt > msg.CreatedAt
	})
	c.Messages = append(c.Messages, DirectMessage{})
	copy(c.Messages[pos+1:], c.Messages[pos:])
	c.Messages[pos] = msg

	c.refreshPreview()
}

// replace swaps the message with the same ID, keeping its position.
func (c *Conversation) replace(msg DirectMessage) bool {
	for i := range c.Messages {
		if c.Messages[i].ID == msg.ID {
			c.Messages[i] = msg
			c.refreshPreview()
			return true
		}
	}
	return false
}

// contains reports whether a message with the given envelope id exists.
func (c *Conversation) contains(id string) bool {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return true
		}
	}
	return false
}

func (c *Conversation) refreshPreview() {
	if len(c.Messages) == 0 {
		c.LastMessage = ""
		return
	}
	last := c.Messages[len(c.Messages)-1]
	c.LastMessage = last.Content
	if last.CreatedAt > c.LastUpdated {
		c.LastUpdated = last.CreatedAt
	}
}

// clone returns a deep copy safe to hand to consumers. All mutation inside
// the manager happens as read-modify-write over the owned collection, never
// through references given out.
func (c *Conversation) clone() *Conversation {
	out := &Conversation{
		Partner:     c.Partner,
		Messages:    make([]DirectMessage, len(c.Messages)),
		LastMessage: c.LastMessage,
		UnreadCount: c.UnreadCount,
		LastUpdated: c.LastUpdated,
	}
	copy(out.Messages, c.Messages)
	return out
}
