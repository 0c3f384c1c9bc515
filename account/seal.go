package account

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	saltSize  = 16
	nonceSize = chacha20poly1305.NonceSize
	keySize   = chacha20poly1305.KeySize

	// DefaultScryptN is the scrypt cost used for key derivation.
	DefaultScryptN = 32768
	scryptR        = 8
	scryptP        = 1
)

// sealer encrypts account secrets with a key derived from the pass phrase.
// Sealed output is salt || nonce || ciphertext.
type sealer struct {
	n int
}

func (s sealer) deriveKey(passPhrase string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(passPhrase), salt, s.n, scryptR, scryptP, keySize)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s sealer) seal(plaintext []byte, passPhrase string) ([]byte, error) {
	salt, err := randomBytes(saltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := s.deriveKey(passPhrase, salt)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD cipher: %w", err)
	}
	nonce, err := randomBytes(nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+nonceSize+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

func (s sealer) open(sealed []byte, passPhrase string) ([]byte, error) {
	if len(sealed) < saltSize+nonceSize {
		return nil, errors.New("sealed secret too short")
	}
	salt := sealed[:saltSize]
	nonce := sealed[saltSize : saltSize+nonceSize]

	key, err := s.deriveKey(passPhrase, salt)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, sealed[saltSize+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// verifier is the salted scrypt hash kept in the key store to check pass phrases.
type verifier struct {
	Salt []byte `json:"salt"`
	Hash []byte `json:"hash"`
	N    int    `json:"n"`
}

func (s sealer) newVerifier(passPhrase string) (*verifier, error) {
	salt, err := randomBytes(saltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	hash, err := s.deriveKey(passPhrase, salt)
	if err != nil {
		return nil, err
	}
	return &verifier{Salt: salt, Hash: hash, N: s.n}, nil
}

func (v *verifier) matches(passPhrase string) (bool, error) {
	hash, err := scrypt.Key([]byte(passPhrase), v.Salt, v.N, scryptR, scryptP, keySize)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(hash, v.Hash) == 1, nil
}
