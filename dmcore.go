// Package dmcore implements the encrypted direct-message subsystem of a
// decentralized social-network client.
//
// It negotiates a per-peer encryption scheme, brokers all cryptography
// through a concurrency-bounded queue in front of the signing authority,
// unwraps onion-layered envelopes, and reconciles fetched history, live
// subscriptions, and locally sent messages into deduplicated, ordered
// conversations.
//
// Example:
//
//	options := dmcore.NewOptions()
//	options.SecretKeyHex = keyHex
//	options.Relay = relayClient
//
//	dm, err := dmcore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dm.Logout()
//
//	dm.OnConversationUpdate(func(partner string) {
//	    render(dm.Conversation(partner))
//	})
//
//	if err := dm.Load(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	if err := dm.StartLive(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	dm.Send(ctx, partnerKey, "hello")
package dmcore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/broker"
	"github.com/opd-ai/dmcore/cache"
	"github.com/opd-ai/dmcore/conversation"
	"github.com/opd-ai/dmcore/event"
	"github.com/opd-ai/dmcore/giftwrap"
	"github.com/opd-ai/dmcore/persist"
	"github.com/opd-ai/dmcore/relay"
	"github.com/opd-ai/dmcore/scheme"
	"github.com/opd-ai/dmcore/signer"
)

// Options contains configuration for creating a Messenger instance.
type Options struct {
	// Relay delivers envelopes to and from the network. Required.
	Relay relay.Client

	// Signer is the signing authority holding the user's key. When nil, a
	// local signer is built from SecretKeyHex, or a fresh key is
	// generated if that is empty too.
	Signer signer.Signer

	// SecretKeyHex is the hex-encoded secret key for a local signer. Only
	// consulted when Signer is nil.
	SecretKeyHex string

	// Store persists scheme preferences and the conversation snapshot.
	// Defaults to an in-memory store.
	Store persist.Store

	// Broker tunes the crypto queue in front of the authority.
	Broker broker.Config

	// HistoryLimit bounds each historical fetch.
	HistoryLimit int
	// HistoryWindow bounds how far back history is fetched.
	HistoryWindow time.Duration
	// SyncDecryptLimit is how many fetched envelopes are decrypted before
	// Load returns; the rest decrypt in the background.
	SyncDecryptLimit int
	// SnapshotSize bounds the cold-start snapshot. Zero disables it.
	SnapshotSize int

	// DecryptedCacheSize and ProcessedSetSize bound the in-memory
	// plaintext cache and the duplicate-suppression set.
	DecryptedCacheSize int
	ProcessedSetSize   int
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		SyncDecryptLimit:   30,
		SnapshotSize:       100,
		DecryptedCacheSize: cache.DefaultCapacity,
		ProcessedSetSize:   cache.DefaultSetCapacity,
	}
}

// Messenger is the top-level handle on the direct-message subsystem.
// Construct one per authenticated session and Logout when the session
// ends.
type Messenger struct {
	options *Options

	signer     signer.Signer
	broker     *broker.Broker
	negotiator *scheme.Negotiator
	decrypted  *cache.Cache
	processed  *cache.Set
	manager    *conversation.Manager

	mu      sync.Mutex
	running bool

	logger *logrus.Entry
}

// New creates a Messenger with the given options.
func New(options *Options) (*Messenger, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.Relay == nil {
		return nil, errors.New("dmcore: relay client is required")
	}

	sig := options.Signer
	if sig == nil {
		var err error
		if options.SecretKeyHex != "" {
			sig, err = signer.NewLocalSigner(options.SecretKeyHex)
		} else {
			sig, err = signer.GenerateLocalSigner()
		}
		if err != nil {
			return nil, err
		}
	}

	store := options.Store
	if store == nil {
		store = persist.NewMemoryStore()
	}

	b := broker.New(sig, options.Broker)
	neg := scheme.NewNegotiator(store, sig.PublicKey(), sig.Capabilities().SupportsModern)
	decrypted := cache.NewCache(options.DecryptedCacheSize)
	processed := cache.NewSet(options.ProcessedSetSize)

	mgr := conversation.NewManager(conversation.Config{
		HistoryLimit:     options.HistoryLimit,
		HistoryWindow:    options.HistoryWindow,
		SyncDecryptLimit: options.SyncDecryptLimit,
		SnapshotSize:     options.SnapshotSize,
	}, conversation.Deps{
		Signer:     sig,
		Relay:      options.Relay,
		Broker:     b,
		Negotiator: neg,
		Unwrapper:  giftwrap.NewUnwrapper(b, sig.PublicKey()),
		Decrypted:  decrypted,
		Processed:  processed,
		Store:      store,
	})

	m := &Messenger{
		options:    options,
		signer:     sig,
		broker:     b,
		negotiator: neg,
		decrypted:  decrypted,
		processed:  processed,
		manager:    mgr,
		running:    true,
		logger: logrus.WithFields(logrus.Fields{
			"component": "Messenger",
			"user":      shortKey(sig.PublicKey()),
		}),
	}
	m.logger.Info("Direct-message session created")
	return m, nil
}

// PublicKey returns the session user's public key in hex.
func (m *Messenger) PublicKey() string {
	return m.signer.PublicKey()
}

// IsRunning reports whether the session is still alive.
func (m *Messenger) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Load fetches and reconciles historical messages. The UI has usable
// conversations when it returns; remaining decrypts continue in the
// background.
func (m *Messenger) Load(ctx context.Context) error {
	return m.manager.Load(ctx)
}

// StartLive opens the live subscriptions. Safe to call once per session;
// subsequent calls are no-ops until Logout.
func (m *Messenger) StartLive(ctx context.Context) error {
	return m.manager.StartLive(ctx)
}

// Send encrypts, signs, and publishes a direct message, returning the
// optimistic local copy.
func (m *Messenger) Send(ctx context.Context, partner, text string) (*conversation.DirectMessage, error) {
	return m.manager.Send(ctx, partner, text)
}

// SendGroup is a stub for group conversations.
func (m *Messenger) SendGroup(ctx context.Context, partners []string, text string) error {
	return m.manager.SendGroup(ctx, partners, text)
}

// RetryFailed re-attempts decryption of every failed message in the
// conversation with partner.
func (m *Messenger) RetryFailed(ctx context.Context, partner string) error {
	return m.manager.RetryFailed(ctx, partner)
}

// SetActiveConversation marks the conversation the user is looking at,
// resetting its unread count. An empty partner deactivates all.
func (m *Messenger) SetActiveConversation(partner string) {
	m.manager.SetActive(partner)
}

// Conversation returns a copy of the conversation with partner, or nil.
func (m *Messenger) Conversation(partner string) *conversation.Conversation {
	return m.manager.Conversation(partner)
}

// Conversations returns copies of all conversations, most recently
// updated first.
func (m *Messenger) Conversations() []*conversation.Conversation {
	return m.manager.Conversations()
}

// OnConversationUpdate registers the callback invoked after any
// conversation changes.
func (m *Messenger) OnConversationUpdate(fn conversation.UpdateFunc) {
	m.manager.OnUpdate(fn)
}

// PreferredSchemeFor reports the encryption scheme the next message to
// partner will use.
func (m *Messenger) PreferredSchemeFor(ctx context.Context, partner string) scheme.Scheme {
	return m.negotiator.PreferredSchemeFor(ctx, partner)
}

// Envelope re-exports the wire type for callers that inject or inspect
// raw envelopes.
type Envelope = event.Envelope

// Logout tears the session down: live subscriptions stop, queued crypto
// jobs drain with an error, and all per-session state is discarded.
// Persistent scheme preferences survive for the next session.
func (m *Messenger) Logout() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.manager.Close()
	m.broker.Shutdown()
	m.decrypted.Clear()
	m.processed.Clear()
	m.logger.Info("Direct-message session ended")
}

func shortKey(pk string) string {
	if len(pk) <= 8 {
		return pk
	}
	return pk[:8]
}
