package giftwrap

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dmcore/event"
	"github.com/opd-ai/dmcore/scheme"
)

const (
	localUser  = "aaaa000000000000000000000000000000000000000000000000000000000000"
	trueSender = "bbbb000000000000000000000000000000000000000000000000000000000000"
	throwaway  = "cccc000000000000000000000000000000000000000000000000000000000000"
)

// mapDecrypter resolves ciphertexts from a fixed table, keyed by
// peer + "|" + ciphertext, and counts invocations.
type mapDecrypter struct {
	table map[string]string
	calls int
}

func (d *mapDecrypter) Decrypt(_ context.Context, peer, ciphertext string, _ scheme.Scheme) (string, error) {
	d.calls++
	plaintext, ok := d.table[peer+"|"+ciphertext]
	if !ok {
		return "", errors.New("decrypt failed")
	}
	return plaintext, nil
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}

func outerEnvelope(recipient string) *event.Envelope {
	env := &event.Envelope{
		ID:        "outer-id",
		Author:    throwaway,
		CreatedAt: 1000,
		Kind:      event.KindGiftWrap,
		Content:   "outer-ct",
	}
	env.SetRecipientTag(recipient)
	return env
}

func TestUnwrapFullSealPath(t *testing.T) {
	rumor := event.Envelope{
		Author:    trueSender,
		CreatedAt: 999,
		Kind:      event.KindRumor,
		Content:   "hey",
	}
	seal := event.Envelope{
		Author:  trueSender,
		Kind:    event.KindSeal,
		Content: "seal-ct",
	}

	d := &mapDecrypter{table: map[string]string{
		throwaway + "|outer-ct": mustJSON(t, seal),
		trueSender + "|seal-ct": mustJSON(t, rumor),
	}}
	u := NewUnwrapper(d, localUser)

	result, err := u.Unwrap(context.Background(), outerEnvelope(localUser))
	require.NoError(t, err)

	assert.Equal(t, "hey", result.Plaintext)
	assert.Equal(t, trueSender, result.Sender, "sender must be the seal author, not the throwaway key")
	assert.True(t, result.Sealed)
	assert.Equal(t, int64(999), result.CreatedAt)
	assert.Equal(t, 2, d.calls)
}

func TestUnwrapNotAddressedToUs(t *testing.T) {
	d := &mapDecrypter{table: map[string]string{}}
	u := NewUnwrapper(d, localUser)

	other := "dddd000000000000000000000000000000000000000000000000000000000000"
	_, err := u.Unwrap(context.Background(), outerEnvelope(other))
	assert.ErrorIs(t, err, ErrNotAddressedToUs)
	assert.Zero(t, d.calls, "no decrypt may be attempted for foreign envelopes")
}

func TestUnwrapMissingRecipientTag(t *testing.T) {
	d := &mapDecrypter{table: map[string]string{}}
	u := NewUnwrapper(d, localUser)

	env := &event.Envelope{ID: "x", Author: throwaway, Kind: event.KindGiftWrap, Content: "ct"}
	_, err := u.Unwrap(context.Background(), env)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Zero(t, d.calls)
}

func TestUnwrapFallbackVariant(t *testing.T) {
	// Middle layer is not a seal: its own author is the sender and its
	// own content is the plaintext.
	middle := event.Envelope{
		Author:    trueSender,
		CreatedAt: 800,
		Kind:      event.KindLegacyDM,
		Content:   "plain fallback text",
	}
	d := &mapDecrypter{table: map[string]string{
		throwaway + "|outer-ct": mustJSON(t, middle),
	}}
	u := NewUnwrapper(d, localUser)

	result, err := u.Unwrap(context.Background(), outerEnvelope(localUser))
	require.NoError(t, err)

	assert.Equal(t, "plain fallback text", result.Plaintext)
	assert.Equal(t, trueSender, result.Sender, "fallback sender is the middle layer author")
	assert.False(t, result.Sealed)
	assert.Equal(t, int64(800), result.CreatedAt)
	assert.Equal(t, 1, d.calls)
}

func TestUnwrapMalformedMiddle(t *testing.T) {
	d := &mapDecrypter{table: map[string]string{
		throwaway + "|outer-ct": "this is not json{",
	}}
	u := NewUnwrapper(d, localUser)

	_, err := u.Unwrap(context.Background(), outerEnvelope(localUser))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnwrapMalformedRumor(t *testing.T) {
	seal := event.Envelope{
		Author:  trueSender,
		Kind:    event.KindSeal,
		Content: "seal-ct",
	}
	d := &mapDecrypter{table: map[string]string{
		throwaway + "|outer-ct": mustJSON(t, seal),
		trueSender + "|seal-ct": "garbage",
	}}
	u := NewUnwrapper(d, localUser)

	_, err := u.Unwrap(context.Background(), outerEnvelope(localUser))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnwrapDecryptFailurePropagates(t *testing.T) {
	d := &mapDecrypter{table: map[string]string{}}
	u := NewUnwrapper(d, localUser)

	_, err := u.Unwrap(context.Background(), outerEnvelope(localUser))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformed)
}
