package securestore

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpenRoundtrip(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("new salt: %v", err)
	}
	c, err := NewCipher("pass", salt)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := c.Seal([]byte("record"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("record")) {
		t.Fatal("sealed value leaks plaintext")
	}
	plain, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plain) != "record" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}
}

func TestOpenTamperedFails(t *testing.T) {
	salt, _ := NewSalt()
	c, err := NewCipher("pass", salt)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, err := c.Seal([]byte("record"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := c.Open(sealed); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestNilCipherPassthrough(t *testing.T) {
	var c *Cipher
	sealed, err := c.Seal([]byte("plain"))
	if err != nil || string(sealed) != "plain" {
		t.Fatalf("nil seal: %v %q", err, sealed)
	}
	opened, err := c.Open(sealed)
	if err != nil || string(opened) != "plain" {
		t.Fatalf("nil open: %v %q", err, opened)
	}
	if got, err := NewCipher("", nil); got != nil || err != nil {
		t.Fatalf("empty passphrase must yield nil cipher, got %v %v", got, err)
	}
}
