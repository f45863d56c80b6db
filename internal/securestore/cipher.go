package securestore

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const saltSize = 16

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore value is invalid")
)

// Cipher seals and opens individual store records. The key is derived once
// per open (argon2id over passphrase and salt); each record carries its own
// random nonce, prepended to the ciphertext. A nil Cipher passes values
// through unchanged so callers need no plaintext-mode branches.
type Cipher struct {
	aead cipher.AEAD
}

// NewSalt returns a fresh key-derivation salt, persisted once alongside the
// store it protects.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

func NewCipher(passphrase string, salt []byte) (*Cipher, error) {
	if passphrase == "" {
		return nil, nil
	}
	if len(salt) != saltSize {
		return nil, ErrInvalid
	}
	key := argon2.IDKey([]byte(passphrase), salt, 2, 64*1024, 1, chacha20poly1305.KeySize)
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	if c == nil {
		return plaintext, nil
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *Cipher) Open(value []byte) ([]byte, error) {
	if c == nil {
		return value, nil
	}
	if len(value) < chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	nonce, ciphertext := value[:chacha20poly1305.NonceSizeX], value[chacha20poly1305.NonceSizeX:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
