// Package signer defines the signing-authority collaborator: the exclusive
// holder of key material. Every encrypt, decrypt, and signature the DM
// subsystem needs is delegated to a Signer; the subsystem itself never
// touches private keys.
//
// Two adapters are provided. LocalSigner wraps an in-process key and is
// instant. RemoteSigner speaks to a network-attached authority behind a
// Noise handshake and may be slow, interactive, and rate limited, which is
// why the crypto broker queues calls to it.
package signer

import (
	"context"
	"errors"

	"github.com/opd-ai/dmcore/event"
	"github.com/opd-ai/dmcore/scheme"
)

var (
	// ErrNotReady indicates the remote authority handshake has not
	// completed.
	ErrNotReady = errors.New("signer: authority not ready")
	// ErrSchemeUnsupported indicates the authority cannot perform the
	// requested scheme.
	ErrSchemeUnsupported = errors.New("signer: scheme not supported by authority")
	// ErrClosed indicates the signer was shut down.
	ErrClosed = errors.New("signer: closed")
)

// Placement states where the authority's key material lives. It is declared
// by each adapter, queried once at session setup, never inferred per call.
type Placement uint8

const (
	// PlacementLocal means the authority is in-process and instant; the
	// broker bypasses its queues for it.
	PlacementLocal Placement = iota
	// PlacementRemote means the authority is network-attached, possibly
	// interactive and rate limited; calls to it are queued and paced.
	PlacementRemote
)

// Capabilities advertises what the authority can do.
type Capabilities struct {
	// SupportsModern indicates the authority implements the modern
	// pairwise scheme in addition to legacy.
	SupportsModern bool
}

// Signer is the signing-authority collaborator.
type Signer interface {
	// PublicKey returns the authority's identity as lowercase hex.
	PublicKey() string
	// Placement reports where the key material lives.
	Placement() Placement
	// Capabilities reports scheme support.
	Capabilities() Capabilities
	// WaitReady blocks until the authority can serve calls. Memoized:
	// once ready, subsequent calls return immediately.
	WaitReady(ctx context.Context) error
	// Sign computes the envelope id and signature in place.
	Sign(ctx context.Context, env *event.Envelope) error
	// Encrypt encrypts plaintext to peer under the given scheme.
	Encrypt(ctx context.Context, peer, plaintext string, s scheme.Scheme) (string, error)
	// Decrypt decrypts ciphertext from peer under the given scheme.
	Decrypt(ctx context.Context, peer, ciphertext string, s scheme.Scheme) (string, error)
}
