// Package sealer turns an arbitrary payload into an opaque cipher string a caller may send
// instead of plaintext. It is a utility: neither the queue nor the batcher invokes it.
//
// Each string is an argon2id-keyed XChaCha20-Poly1305 envelope with a fresh random salt and
// nonce, so sealing the same payload twice never yields the same string and tampering is
// detected on Open.
package sealer

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16

	kdfTime     = 1
	kdfMemoryKB = 64 * 1024
	kdfThreads  = 1
)

var (
	ErrAuthFailed = errors.New("sealer authentication failed")
	ErrInvalid    = errors.New("sealed payload is invalid")
	ErrNoKey      = errors.New("sealer passphrase is empty")
)

type envelope struct {
	Version    uint32 `json:"v"`
	Salt       []byte `json:"s"`
	Nonce      []byte `json:"n"`
	Ciphertext []byte `json:"c"`
}

// Sealer seals payloads under one passphrase.
type Sealer struct {
	passphrase []byte
}

// New returns a sealer. The passphrase must come from configuration, never from source.
func New(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrNoKey
	}
	return &Sealer{passphrase: []byte(passphrase)}, nil
}

// Seal JSON-encodes v and returns the sealed string.
func (s *Sealer) Seal(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return s.SealBytes(plaintext)
}

// SealBytes seals raw bytes.
func (s *Sealer) SealBytes(plaintext []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := s.deriveKey(salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	raw, err := json.Marshal(envelope{
		Version:    envelopeVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Open reverses Seal, decoding the payload into v.
func (s *Sealer) Open(sealed string, v any) error {
	plaintext, err := s.OpenBytes(sealed)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// OpenBytes reverses SealBytes.
func (s *Sealer) OpenBytes(sealed string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrInvalid
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalid
	}
	if env.Version != envelopeVersion || len(env.Salt) != saltSize || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}

	key := s.deriveKey(env.Salt)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (s *Sealer) deriveKey(salt []byte) []byte {
	return argon2.IDKey(s.passphrase, salt, kdfTime, kdfMemoryKB, kdfThreads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
