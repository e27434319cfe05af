package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/dmcore/broker"
	"github.com/opd-ai/dmcore/cache"
	"github.com/opd-ai/dmcore/event"
	"github.com/opd-ai/dmcore/giftwrap"
	"github.com/opd-ai/dmcore/persist"
	"github.com/opd-ai/dmcore/relay"
	"github.com/opd-ai/dmcore/scheme"
	"github.com/opd-ai/dmcore/signer"
)

var (
	// ErrGroupsUnsupported is returned by the group send stub.
	ErrGroupsUnsupported = errors.New("conversation: group conversations are not supported")
	// ErrPublishFailed indicates no endpoint acknowledged the envelope.
	ErrPublishFailed = errors.New("conversation: publish not acknowledged by any endpoint")
)

// Config tunes the reconciler. Zero values take defaults.
type Config struct {
	// HistoryLimit caps each of the two historical fetches.
	HistoryLimit int
	// HistoryWindow bounds how far back the historical fetches reach.
	HistoryWindow time.Duration
	// SyncDecryptLimit is how many of the newest historical envelopes are
	// decrypted synchronously during Load; the rest decrypt in the
	// background. Bounds interactive latency and signer-prompt count.
	SyncDecryptLimit int
	// LookBack widens the live subscription window to catch envelopes
	// published just before the subscription opened.
	LookBack time.Duration
	// SnapshotSize caps the recent-message snapshot persisted for fast
	// cold-start rendering. Zero disables the snapshot.
	SnapshotSize int
}

func (c *Config) applyDefaults() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 500
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 90 * 24 * time.Hour
	}
	if c.SyncDecryptLimit <= 0 {
		c.SyncDecryptLimit = 30
	}
	if c.LookBack <= 0 {
		c.LookBack = time.Minute
	}
}

// Deps are the collaborators the reconciler drives.
type Deps struct {
	Signer     signer.Signer
	Relay      relay.Client
	Broker     *broker.Broker
	Negotiator *scheme.Negotiator
	Unwrapper  *giftwrap.Unwrapper
	Decrypted  *cache.Cache
	Processed  *cache.Set
	Store      persist.Store
}

// UpdateFunc is invoked after a conversation changes, with the partner key.
// UI-facing stores subscribe through this.
type UpdateFunc func(partner string)

// Manager owns all per-session conversation state. Construct one per
// authenticated session; Close discards everything on logout.
type Manager struct {
	cfg  Config
	deps Deps
	user string

	mu       sync.Mutex
	convs    map[string]*Conversation
	raw      map[string]*event.Envelope // envelope id -> raw, kept for retries
	active   string
	onUpdate UpdateFunc

	// stopCtx ends with the session: Close cancels it so background
	// work abandons queued envelopes instead of draining them.
	stopCtx    context.Context
	stop       context.CancelFunc
	liveCancel context.CancelFunc
	bg         sync.WaitGroup

	logger *logrus.Entry
}

// NewManager creates a reconciler for one authenticated user.
func NewManager(cfg Config, deps Deps) *Manager {
	cfg.applyDefaults()
	stopCtx, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		deps:    deps,
		user:    deps.Signer.PublicKey(),
		convs:   make(map[string]*Conversation),
		raw:     make(map[string]*event.Envelope),
		stopCtx: stopCtx,
		stop:    stop,
		logger:  logrus.WithField("component", "ConversationManager"),
	}
}

// OnUpdate registers the conversation-changed callback.
func (m *Manager) OnUpdate(fn UpdateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// SetActive marks a conversation as the open one and resets its unread
// count. An empty partner deactivates all.
func (m *Manager) SetActive(partner string) {
	m.mu.Lock()
	m.active = partner
	if conv, ok := m.convs[partner]; ok {
		conv.UnreadCount = 0
	}
	m.mu.Unlock()

	if partner != "" {
		m.notify(partner)
	}
}

// Conversation returns a copy of one partner's conversation, or nil.
func (m *Manager) Conversation(partner string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.convs[partner]
	if !ok {
		return nil
	}
	return conv.clone()
}

// Conversations returns copies of every conversation, most recently
// updated first.
func (m *Manager) Conversations() []*Conversation {
	m.mu.Lock()
	out := make([]*Conversation, 0, len(m.convs))
	for _, conv := range m.convs {
		out = append(out, conv.clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdated > out[j].LastUpdated
	})
	return out
}

// SendGroup is a stub: group conversations are out of scope.
func (m *Manager) SendGroup(_ context.Context, _ []string, _ string) error {
	return ErrGroupsUnsupported
}

// Close stops the live subscription, abandons queued background decrypts,
// and discards all conversation state.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.liveCancel
	m.liveCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.stop()
	m.bg.Wait()

	m.mu.Lock()
	m.convs = make(map[string]*Conversation)
	m.raw = make(map[string]*event.Envelope)
	m.active = ""
	m.mu.Unlock()
}

// notify runs the update callback outside the lock.
func (m *Manager) notify(partner string) {
	m.mu.Lock()
	fn := m.onUpdate
	m.mu.Unlock()

	if fn != nil {
		fn(partner)
	}
}

// dmKinds are the envelope kinds this subsystem consumes.
func dmKinds() []int {
	return []int{event.KindLegacyDM, event.KindModernDM, event.KindGiftWrap}
}
