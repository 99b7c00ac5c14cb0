// Package vault encrypts sensitive field values with an authenticated
// cipher under a versioned keyring. The key id travels inside the
// ciphertext envelope, so decryption works across rotations.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required byte length of all keyring material.
const KeySize = chacha20poly1305.KeySize

// envelopeVersion is prepended to every envelope and bound into the
// AEAD as additional authenticated data, so tampering with it fails
// authentication.
const envelopeVersion byte = 0x01

const (
	ReasonUnknownKey     = "unknown_key"
	ReasonTamperDetected = "tamper_detected"
	ReasonDecodeError    = "decode_error"
)

type CryptoError struct {
	Reason string
}

func (e *CryptoError) Error() string {
	return "crypto failed: " + e.Reason
}

type Key struct {
	ID        string
	Material  []byte
	CreatedAt time.Time
	Active    bool
}

// Keyring is an immutable set of versioned keys with exactly one active
// member. Rotation produces a new ring; it never mutates in place.
type Keyring struct {
	keys     map[string]Key
	activeID string
}

func NewKeyring(keys ...Key) (*Keyring, error) {
	ring := &Keyring{keys: make(map[string]Key, len(keys))}
	for _, k := range keys {
		id := strings.TrimSpace(k.ID)
		if id == "" {
			return nil, errors.New("keyring: key id required")
		}
		if len(k.Material) != KeySize {
			return nil, errors.New("keyring: key material must be " + strconv.Itoa(KeySize) + " bytes")
		}
		if _, dup := ring.keys[id]; dup {
			return nil, errors.New("keyring: duplicate key id " + id)
		}
		k.ID = id
		k.Material = append([]byte(nil), k.Material...)
		ring.keys[id] = k
		if k.Active {
			if ring.activeID != "" {
				return nil, errors.New("keyring: multiple active keys")
			}
			ring.activeID = id
		}
	}
	if ring.activeID == "" {
		return nil, errors.New("keyring: exactly one active key required")
	}
	return ring, nil
}

// Rotate returns a new ring in which newKey is the single active key
// and every previous key is retained for decryption.
func (r *Keyring) Rotate(newKey Key) (*Keyring, error) {
	keys := make([]Key, 0, len(r.keys)+1)
	for _, k := range r.keys {
		k.Active = false
		keys = append(keys, k)
	}
	newKey.Active = true
	keys = append(keys, newKey)
	return NewKeyring(keys...)
}

func (r *Keyring) ActiveID() string {
	return r.activeID
}

// Vault holds the current keyring in an atomic slot: readers never
// observe a half-written ring during rotation.
type Vault struct {
	ring atomic.Pointer[Keyring]
}

func New(ring *Keyring) (*Vault, error) {
	if ring == nil {
		return nil, errors.New("vault: keyring required")
	}
	v := &Vault{}
	v.ring.Store(ring)
	return v, nil
}

// Rotate swaps in a rotated ring with newKey active. Ciphertexts under
// earlier keys remain readable.
func (v *Vault) Rotate(newKey Key) error {
	next, err := v.ring.Load().Rotate(newKey)
	if err != nil {
		return err
	}
	v.ring.Store(next)
	return nil
}

func (v *Vault) ActiveKeyID() string {
	return v.ring.Load().activeID
}

// Encrypt seals plaintext under the active key. The envelope layout is
// version || kidlen || kid || nonce || sealed, with the header bound as
// AAD.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	ring := v.ring.Load()
	key := ring.keys[ring.activeID]
	aead, err := chacha20poly1305.NewX(key.Material)
	if err != nil {
		return nil, err
	}
	if len(key.ID) > 255 {
		return nil, errors.New("vault: key id too long")
	}
	header := make([]byte, 0, 2+len(key.ID))
	header = append(header, envelopeVersion, byte(len(key.ID)))
	header = append(header, key.ID...)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(header)+len(nonce)+len(plaintext)+chacha20poly1305.Overhead)
	out = append(out, header...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, header), nil
}

// Decrypt opens an envelope under whichever retained key sealed it.
// Any integrity failure is surfaced as tamper_detected; no partial
// plaintext is ever returned.
func (v *Vault) Decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) < 2 {
		return nil, &CryptoError{Reason: ReasonDecodeError}
	}
	if envelope[0] != envelopeVersion {
		return nil, &CryptoError{Reason: ReasonDecodeError}
	}
	kidLen := int(envelope[1])
	headerLen := 2 + kidLen
	if len(envelope) < headerLen+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, &CryptoError{Reason: ReasonDecodeError}
	}
	header := envelope[:headerLen]
	kid := string(envelope[2:headerLen])
	ring := v.ring.Load()
	key, ok := ring.keys[kid]
	if !ok {
		return nil, &CryptoError{Reason: ReasonUnknownKey}
	}
	aead, err := chacha20poly1305.NewX(key.Material)
	if err != nil {
		return nil, &CryptoError{Reason: ReasonDecodeError}
	}
	nonce := envelope[headerLen : headerLen+chacha20poly1305.NonceSizeX]
	sealed := envelope[headerLen+chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, sealed, header)
	if err != nil {
		return nil, &CryptoError{Reason: ReasonTamperDetected}
	}
	return plaintext, nil
}

// EncryptString seals a string value for embedding in a JSON payload.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	envelope, err := v.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(envelope), nil
}

func (v *Vault) DecryptString(encoded string) (string, error) {
	envelope, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", &CryptoError{Reason: ReasonDecodeError}
	}
	plaintext, err := v.Decrypt(envelope)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// KeyID reports which key sealed an encoded envelope, without opening it.
func KeyID(encoded string) (string, error) {
	envelope, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", &CryptoError{Reason: ReasonDecodeError}
	}
	if len(envelope) < 2 || envelope[0] != envelopeVersion || len(envelope) < 2+int(envelope[1]) {
		return "", &CryptoError{Reason: ReasonDecodeError}
	}
	return string(envelope[2 : 2+int(envelope[1])]), nil
}
