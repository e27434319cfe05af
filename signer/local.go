package signer

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/opd-ai/dmcore/event"
	"github.com/opd-ai/dmcore/scheme"
)

// modernVersion is the version byte prefixed to modern-scheme payloads.
const modernVersion = 0x02

// hkdfSalt separates modern conversation keys from any other use of the
// shared secret.
var hkdfSalt = []byte("dmcore-conversation-v2")

// LocalSigner is an in-process signing authority wrapping a secp256k1 key.
// It is always ready and never rate limited; the broker bypasses its queues
// for it.
type LocalSigner struct {
	priv           *btcec.PrivateKey
	pubHex         string
	supportsModern bool
}

// NewLocalSigner creates a local authority from a 32-byte hex private key.
func NewLocalSigner(privHex string) (*LocalSigner, error) {
	raw, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, errors.New("signer: private key must be 32 bytes")
	}

	priv, _ := btcec.PrivKeyFromBytes(raw)
	return newLocalSigner(priv), nil
}

// GenerateLocalSigner creates a local authority with a fresh random key.
func GenerateLocalSigner() (*LocalSigner, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return newLocalSigner(priv), nil
}

func newLocalSigner(priv *btcec.PrivateKey) *LocalSigner {
	return &LocalSigner{
		priv:           priv,
		pubHex:         hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		supportsModern: true,
	}
}

// PublicKey returns the authority identity as lowercase hex.
func (s *LocalSigner) PublicKey() string {
	return s.pubHex
}

// Placement reports that the key lives in process.
func (s *LocalSigner) Placement() Placement {
	return PlacementLocal
}

// Capabilities reports scheme support.
func (s *LocalSigner) Capabilities() Capabilities {
	return Capabilities{SupportsModern: s.supportsModern}
}

// WaitReady returns immediately: a local key needs no handshake.
func (s *LocalSigner) WaitReady(_ context.Context) error {
	return nil
}

// Sign fills in the envelope author, id, and schnorr signature.
func (s *LocalSigner) Sign(_ context.Context, env *event.Envelope) error {
	env.Author = s.pubHex

	id, err := env.ComputeID()
	if err != nil {
		return err
	}
	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("failed to decode envelope id: %w", err)
	}

	sig, err := schnorr.Sign(s.priv, idBytes)
	if err != nil {
		return fmt.Errorf("failed to sign envelope: %w", err)
	}

	env.ID = id
	env.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Encrypt encrypts plaintext to peer under the given scheme.
func (s *LocalSigner) Encrypt(_ context.Context, peer, plaintext string, sch scheme.Scheme) (string, error) {
	shared, err := s.sharedSecret(peer)
	if err != nil {
		return "", err
	}

	switch sch {
	case scheme.Legacy:
		return encryptLegacy(shared, plaintext)
	case scheme.Modern, scheme.Onion:
		return encryptModern(shared, plaintext)
	default:
		return "", ErrSchemeUnsupported
	}
}

// Decrypt decrypts ciphertext from peer under the given scheme.
func (s *LocalSigner) Decrypt(_ context.Context, peer, ciphertext string, sch scheme.Scheme) (string, error) {
	shared, err := s.sharedSecret(peer)
	if err != nil {
		return "", err
	}

	switch sch {
	case scheme.Legacy:
		return decryptLegacy(shared, ciphertext)
	case scheme.Modern, scheme.Onion:
		return decryptModern(shared, ciphertext)
	default:
		return "", ErrSchemeUnsupported
	}
}

// sharedSecret derives the ECDH shared secret with a peer identity.
func (s *LocalSigner) sharedSecret(peer string) ([]byte, error) {
	raw, err := hex.DecodeString(peer)
	if err != nil {
		return nil, fmt.Errorf("failed to decode peer key: %w", err)
	}
	pub, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse peer key: %w", err)
	}
	return btcec.GenerateSharedSecret(s.priv, pub), nil
}

// encryptLegacy implements the legacy scheme: AES-256-CBC keyed directly by
// the shared secret, wire format "base64(ct)?iv=base64(iv)".
func encryptLegacy(shared []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(shared)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return base64.StdEncoding.EncodeToString(ct) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

func decryptLegacy(shared []byte, ciphertext string) (string, error) {
	parts := strings.SplitN(ciphertext, "?iv=", 2)
	if len(parts) != 2 {
		return "", errors.New("signer: malformed legacy payload")
	}
	ct, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("failed to decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", errors.New("signer: malformed legacy payload")
	}

	block, err := aes.NewCipher(shared)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// encryptModern implements the modern scheme: a conversation key derived
// from the shared secret via HKDF-SHA256, XChaCha20-Poly1305 payload,
// wire format base64(version || nonce || ct).
func encryptModern(shared []byte, plaintext string) (string, error) {
	aead, err := modernAEAD(shared)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	payload := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	payload = append(payload, modernVersion)
	payload = append(payload, nonce...)
	payload = aead.Seal(payload, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(payload), nil
}

func decryptModern(shared []byte, ciphertext string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode payload: %w", err)
	}

	aead, err := modernAEAD(shared)
	if err != nil {
		return "", err
	}
	if len(payload) < 1+aead.NonceSize()+aead.Overhead() {
		return "", errors.New("signer: malformed modern payload")
	}
	if payload[0] != modernVersion {
		return "", fmt.Errorf("signer: unsupported payload version %d", payload[0])
	}

	nonce := payload[1 : 1+aead.NonceSize()]
	ct := payload[1+aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return string(plaintext), nil
}

func modernAEAD(shared []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, hkdfSalt, nil), key); err != nil {
		return nil, fmt.Errorf("failed to derive conversation key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create aead: %w", err)
	}
	return aead, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("signer: invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, errors.New("signer: invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("signer: invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
