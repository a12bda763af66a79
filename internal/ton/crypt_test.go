package ton

import (
	"bytes"
	"testing"
)

func TestKeyCipherRoundTrip(t *testing.T) {
	c, err := NewKeyCipher("test-secret")
	if err != nil {
		t.Fatalf("NewKeyCipher: %v", err)
	}

	seed := []byte("0123456789abcdef0123456789abcdef")
	enc, err := c.Encrypt(seed)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if enc == string(seed) {
		t.Fatal("ciphertext equals plaintext")
	}

	dec, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(dec, seed) {
		t.Errorf("round trip mismatch: got %q", dec)
	}
}

func TestKeyCipherNonceUniqueness(t *testing.T) {
	c, _ := NewKeyCipher("test-secret")
	seed := []byte("0123456789abcdef0123456789abcdef")

	a, _ := c.Encrypt(seed)
	b, _ := c.Encrypt(seed)
	if a == b {
		t.Error("two encryptions of the same plaintext must differ")
	}
}

func TestKeyCipherWrongSecret(t *testing.T) {
	c1, _ := NewKeyCipher("secret-one")
	c2, _ := NewKeyCipher("secret-two")

	enc, err := c1.Encrypt([]byte("key material"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := c2.Decrypt(enc); err == nil {
		t.Error("decrypt with wrong secret must fail")
	}
}

func TestKeyCipherEmptySecret(t *testing.T) {
	if _, err := NewKeyCipher(""); err == nil {
		t.Error("empty secret must be rejected")
	}
}

func TestKeyCipherGarbageInput(t *testing.T) {
	c, _ := NewKeyCipher("test-secret")
	for _, s := range []string{"", "not-base64!!!", "aGVsbG8="} {
		if _, err := c.Decrypt(s); err == nil {
			t.Errorf("Decrypt(%q) must fail", s)
		}
	}
}
