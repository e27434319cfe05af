package scheme

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dmcore/persist"
)

const (
	testUser    = "aaaa000000000000000000000000000000000000000000000000000000000000"
	testPartner = "bbbb000000000000000000000000000000000000000000000000000000000000"
)

func TestDefaultPreference(t *testing.T) {
	ctx := context.Background()

	modern := NewNegotiator(persist.NewMemoryStore(), testUser, true)
	assert.Equal(t, Modern, modern.PreferredSchemeFor(ctx, testPartner),
		"modern-capable authority with no stored preference defaults to modern")

	legacyOnly := NewNegotiator(persist.NewMemoryStore(), testUser, false)
	assert.Equal(t, Legacy, legacyOnly.PreferredSchemeFor(ctx, testPartner),
		"authority without modern support defaults to legacy")
}

func TestStoredPreferenceCappedByCapability(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore()

	capable := NewNegotiator(store, testUser, true)
	require.NoError(t, capable.RememberScheme(ctx, testPartner, Modern))

	// Same store, authority without modern support: stored modern is
	// capped to legacy.
	limited := NewNegotiator(store, testUser, false)
	assert.Equal(t, Legacy, limited.PreferredSchemeFor(ctx, testPartner))
}

func TestDowngradeIsStickyAndOneDirectional(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore()
	n := NewNegotiator(store, testUser, true)

	require.NoError(t, n.RememberScheme(ctx, testPartner, Modern))
	require.NoError(t, n.Downgrade(ctx, testPartner))
	assert.Equal(t, Legacy, n.PreferredSchemeFor(ctx, testPartner))

	// A fresh session over the same store still sees legacy.
	restarted := NewNegotiator(store, testUser, true)
	assert.Equal(t, Legacy, restarted.PreferredSchemeFor(ctx, testPartner))

	// Only an upgrade signal restores modern.
	require.NoError(t, restarted.UpgradeSignal(ctx, testPartner))
	assert.Equal(t, Modern, restarted.PreferredSchemeFor(ctx, testPartner))
}

func TestUpgradeSignalIgnoredWithoutCapability(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore()
	n := NewNegotiator(store, testUser, false)

	require.NoError(t, n.Downgrade(ctx, testPartner))
	require.NoError(t, n.UpgradeSignal(ctx, testPartner))
	assert.Equal(t, Legacy, n.PreferredSchemeFor(ctx, testPartner))
}

// countingStore wraps a store and counts Set calls, to verify idempotent
// persistence writes.
type countingStore struct {
	persist.Store
	sets int
}

func (c *countingStore) Set(ctx context.Context, key, value string) error {
	c.sets++
	return c.Store.Set(ctx, key, value)
}

func TestRememberSchemeIdempotent(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: persist.NewMemoryStore()}
	n := NewNegotiator(store, testUser, true)

	require.NoError(t, n.RememberScheme(ctx, testPartner, Legacy))
	require.NoError(t, n.RememberScheme(ctx, testPartner, Legacy))
	require.NoError(t, n.RememberScheme(ctx, testPartner, Legacy))
	assert.Equal(t, 1, store.sets, "unchanged decisions must not hit the store")

	require.NoError(t, n.RememberScheme(ctx, testPartner, Modern))
	assert.Equal(t, 2, store.sets)
}

func TestSchemeRoundTrip(t *testing.T) {
	for _, s := range []Scheme{Legacy, Modern, Onion} {
		parsed, err := Parse(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := Parse("quantum")
	assert.Error(t, err)
}

func TestPublishKind(t *testing.T) {
	assert.Equal(t, 4, Legacy.PublishKind())
	assert.Equal(t, 44, Modern.PublishKind())
	assert.Equal(t, 1059, Onion.PublishKind())
}
