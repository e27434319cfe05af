package signer

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"

	"github.com/opd-ai/dmcore/event"
	"github.com/opd-ai/dmcore/scheme"
)

// Stream is a framed, reliable byte transport to a remote authority.
type Stream interface {
	WriteFrame(frame []byte) error
	ReadFrame() ([]byte, error)
	Close() error
}

// RemoteConfig configures a RemoteSigner.
type RemoteConfig struct {
	// UserPublicKey is the identity the remote authority holds keys for.
	UserPublicKey string
	// StaticKey is the local Curve25519 private key for the transport
	// handshake. Distinct from the signing identity, which never leaves
	// the authority.
	StaticKey [32]byte
	// AuthorityKey is the authority's Curve25519 public key.
	AuthorityKey [32]byte
	// SupportsModern reports whether the authority implements the modern
	// scheme.
	SupportsModern bool
}

// remoteRequest is one RPC frame to the authority.
type remoteRequest struct {
	ID      string `json:"id"`
	Method  string `json:"method"`
	Peer    string `json:"peer,omitempty"`
	Scheme  string `json:"scheme,omitempty"`
	Payload string `json:"payload"`
}

// remoteResponse is the authority's reply.
type remoteResponse struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RemoteSigner speaks to a network-attached signing authority over a
// Noise-IK protected stream. No call is issued before the handshake has
// completed; WaitReady gates and memoizes that. Calls may be slow or
// interactive, so the crypto broker queues and paces them.
type RemoteSigner struct {
	cfg    RemoteConfig
	stream Stream
	logger *logrus.Entry

	mu   sync.Mutex // serializes RPC round trips
	send *noise.CipherState
	recv *noise.CipherState

	readyOnce sync.Once
	ready     chan struct{}
	readyErr  error
	closed    chan struct{}
	closeOnce sync.Once
}

// NewRemoteSigner creates a remote authority adapter over the given stream.
// The handshake is lazy: it runs on the first WaitReady.
func NewRemoteSigner(stream Stream, cfg RemoteConfig) *RemoteSigner {
	return &RemoteSigner{
		cfg:    cfg,
		stream: stream,
		logger: logrus.WithField("component", "RemoteSigner"),
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// PublicKey returns the identity held by the remote authority.
func (s *RemoteSigner) PublicKey() string {
	return s.cfg.UserPublicKey
}

// Placement reports that the key material is network-attached.
func (s *RemoteSigner) Placement() Placement {
	return PlacementRemote
}

// Capabilities reports scheme support.
func (s *RemoteSigner) Capabilities() Capabilities {
	return Capabilities{SupportsModern: s.cfg.SupportsModern}
}

// WaitReady blocks until the Noise handshake with the authority has
// completed. The handshake runs once; later calls return immediately.
func (s *RemoteSigner) WaitReady(ctx context.Context) error {
	s.readyOnce.Do(func() {
		go func() {
			s.readyErr = s.handshake()
			close(s.ready)
		}()
	})

	select {
	case <-s.ready:
		return s.readyErr
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handshake performs the Noise-IK exchange as initiator.
func (s *RemoteSigner) handshake() error {
	pub, err := curve25519.X25519(s.cfg.StaticKey[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("failed to derive handshake key: %w", err)
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   true,
		StaticKeypair: noise.DHKey{
			Private: s.cfg.StaticKey[:],
			Public:  pub,
		},
		PeerStatic: s.cfg.AuthorityKey[:],
	})
	if err != nil {
		return fmt.Errorf("failed to create handshake state: %w", err)
	}

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("failed to write handshake message: %w", err)
	}
	if err := s.stream.WriteFrame(msg); err != nil {
		return fmt.Errorf("failed to send handshake message: %w", err)
	}

	reply, err := s.stream.ReadFrame()
	if err != nil {
		return fmt.Errorf("failed to read handshake reply: %w", err)
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, reply)
	if err != nil {
		return fmt.Errorf("failed to process handshake reply: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return errors.New("signer: handshake incomplete after reply")
	}

	s.mu.Lock()
	s.send = cs1
	s.recv = cs2
	s.mu.Unlock()

	s.logger.Debug("Remote authority handshake established")
	return nil
}

// Sign sends the envelope to the authority for id computation and
// signature, replacing it with the signed result.
func (s *RemoteSigner) Sign(ctx context.Context, env *event.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}

	result, err := s.call(ctx, "sign", "", "", string(payload))
	if err != nil {
		return err
	}

	var signed event.Envelope
	if err := json.Unmarshal([]byte(result), &signed); err != nil {
		return fmt.Errorf("failed to parse signed envelope: %w", err)
	}
	*env = signed
	return nil
}

// Encrypt asks the authority to encrypt plaintext to peer.
func (s *RemoteSigner) Encrypt(ctx context.Context, peer, plaintext string, sch scheme.Scheme) (string, error) {
	if sch == scheme.Modern && !s.cfg.SupportsModern {
		return "", ErrSchemeUnsupported
	}
	return s.call(ctx, "encrypt", peer, sch.String(), plaintext)
}

// Decrypt asks the authority to decrypt ciphertext from peer.
func (s *RemoteSigner) Decrypt(ctx context.Context, peer, ciphertext string, sch scheme.Scheme) (string, error) {
	if sch == scheme.Modern && !s.cfg.SupportsModern {
		return "", ErrSchemeUnsupported
	}
	return s.call(ctx, "decrypt", peer, sch.String(), ciphertext)
}

// Close tears the adapter down. In-flight calls fail; the readiness gate
// does not survive (a new session builds a new adapter).
func (s *RemoteSigner) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return s.stream.Close()
}

// call performs one encrypted RPC round trip. The stream is serial, so one
// request is in flight at a time; concurrency shaping happens in the broker.
func (s *RemoteSigner) call(ctx context.Context, method, peer, sch, payload string) (string, error) {
	if err := s.WaitReady(ctx); err != nil {
		return "", err
	}
	select {
	case <-s.closed:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	req := remoteRequest{
		ID:      uuid.NewString(),
		Method:  method,
		Peer:    peer,
		Scheme:  sch,
		Payload: payload,
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to serialize request: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.send == nil || s.recv == nil {
		return "", ErrNotReady
	}

	sealed, err := s.send.Encrypt(nil, nil, frame)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt request: %w", err)
	}
	if err := s.stream.WriteFrame(sealed); err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}

	raw, err := s.stream.ReadFrame()
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	plain, err := s.recv.Decrypt(nil, nil, raw)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt response: %w", err)
	}

	var resp remoteResponse
	if err := json.Unmarshal(plain, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.ID != req.ID {
		return "", fmt.Errorf("signer: response id mismatch: %s != %s", resp.ID, req.ID)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("signer: authority rejected %s: %s", method, resp.Error)
	}
	return resp.Result, nil
}
