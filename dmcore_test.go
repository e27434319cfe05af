package dmcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dmcore/relay"
	"github.com/opd-ai/dmcore/scheme"
)

func newTestMessenger(t *testing.T, mock *relay.MockRelay) *Messenger {
	t.Helper()

	options := NewOptions()
	options.Relay = mock

	m, err := New(options)
	require.NoError(t, err)
	t.Cleanup(m.Logout)
	return m
}

func TestNewRequiresRelay(t *testing.T) {
	_, err := New(NewOptions())
	assert.Error(t, err)
}

func TestNewGeneratesKeyWhenUnset(t *testing.T) {
	m := newTestMessenger(t, relay.NewMockRelay())
	assert.Len(t, m.PublicKey(), 64)
	assert.True(t, m.IsRunning())
}

func TestTwoSessionsExchangeMessages(t *testing.T) {
	mock := relay.NewMockRelay()
	alice := newTestMessenger(t, mock)
	bob := newTestMessenger(t, mock)
	ctx := context.Background()

	require.NoError(t, alice.Load(ctx))
	require.NoError(t, bob.Load(ctx))
	require.NoError(t, alice.StartLive(ctx))
	require.NoError(t, bob.StartLive(ctx))

	sent, err := alice.Send(ctx, bob.PublicKey(), "hello bob")
	require.NoError(t, err)
	assert.Equal(t, scheme.Modern, sent.Encryption)

	require.Eventually(t, func() bool {
		conv := bob.Conversation(alice.PublicKey())
		return conv != nil && len(conv.Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conv := bob.Conversation(alice.PublicKey())
	assert.Equal(t, "hello bob", conv.Messages[0].Content)
	assert.Equal(t, alice.PublicKey(), conv.Messages[0].Sender)
	assert.Equal(t, 1, conv.UnreadCount)

	bob.SetActiveConversation(alice.PublicKey())
	assert.Zero(t, bob.Conversation(alice.PublicKey()).UnreadCount)
}

func TestUpdateCallbackFires(t *testing.T) {
	mock := relay.NewMockRelay()
	m := newTestMessenger(t, mock)
	ctx := context.Background()

	updated := make(chan string, 8)
	m.OnConversationUpdate(func(partner string) {
		select {
		case updated <- partner:
		default:
		}
	})

	peer := newTestMessenger(t, mock)
	_, err := m.Send(ctx, peer.PublicKey(), "ping")
	require.NoError(t, err)

	select {
	case partner := <-updated:
		assert.Equal(t, peer.PublicKey(), partner)
	case <-time.After(2 * time.Second):
		t.Fatal("update callback never fired")
	}
}

func TestLogoutDiscardsSessionState(t *testing.T) {
	mock := relay.NewMockRelay()
	alice := newTestMessenger(t, mock)
	bob := newTestMessenger(t, mock)
	ctx := context.Background()

	_, err := alice.Send(ctx, bob.PublicKey(), "ephemeral")
	require.NoError(t, err)
	require.NotEmpty(t, alice.Conversations())

	alice.Logout()
	assert.False(t, alice.IsRunning())
	assert.Empty(t, alice.Conversations())

	// Logout is idempotent.
	alice.Logout()
}
