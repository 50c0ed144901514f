package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"io"

	"github.com/aura-labs/aura"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/xerrors"
)

// KeySize is the size of symmetric keys.
const KeySize = 32

// NonceSize is the AES-GCM nonce size.
const NonceSize = 12

// DeriveKey runs HKDF-SHA256 extract and expand and returns n bytes.
func DeriveKey(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, xerrors.Errorf("hkdf: %v", err)
	}
	return out, nil
}

// ExpandKey runs HKDF-SHA256 expand only, for secrets that are already
// uniformly random.
func ExpandKey(prk, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		return nil, xerrors.Errorf("hkdf expand: %v", err)
	}
	return out, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, aura.Errorf(aura.KindInvalid, "key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Errorf("aes: %v", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts and authenticates plaintext with AES-256-GCM.
func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, aura.Errorf(aura.KindInvalid, "nonce must be %d bytes", aead.NonceSize())
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts and verifies a ciphertext produced by Seal.
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, aura.Errorf(aura.KindInvalid, "nonce must be %d bytes", aead.NonceSize())
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, aura.Errorf(aura.KindInvalidSignature, "aead: %v", err)
	}
	return pt, nil
}
