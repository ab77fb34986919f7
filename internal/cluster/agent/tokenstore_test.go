package agent

import (
	"testing"
)

func TestTokenStore_EncryptDecryptRoundTrip(t *testing.T) {
	ts, err := NewTokenStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}

	for _, s := range []string{"", "a", "a secret token value", "unicode: héllo wörld 🔑"} {
		enc, err := ts.Encrypt(s)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", s, err)
		}
		if !IsCiphertext(enc) {
			t.Fatalf("Encrypt(%q) output missing ciphertext prefix: %q", s, enc)
		}
		dec, err := ts.Decrypt(enc)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if dec != s {
			t.Errorf("round trip mismatch: got %q, want %q", dec, s)
		}
	}
}

func TestTokenStore_DecryptRejectsTampering(t *testing.T) {
	ts, err := NewTokenStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}
	enc, err := ts.Encrypt("sensitive")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tampered := enc[:len(enc)-1] + "x"
	if _, err := ts.Decrypt(tampered); err == nil {
		t.Error("tampered ciphertext should fail to decrypt")
	}
}

func TestTokenStore_DecryptRejectsPlaintext(t *testing.T) {
	ts, err := NewTokenStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}
	if _, err := ts.Decrypt("plain-legacy-token"); err == nil {
		t.Error("legacy plaintext should not decrypt as ciphertext")
	}
}

func TestTokenStore_SaltPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ts1, err := NewTokenStore(dir)
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}
	enc, err := ts1.Encrypt("persisted")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	ts2, err := NewTokenStore(dir)
	if err != nil {
		t.Fatalf("NewTokenStore (second instance): %v", err)
	}
	dec, err := ts2.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt with reloaded salt: %v", err)
	}
	if dec != "persisted" {
		t.Errorf("got %q, want %q", dec, "persisted")
	}
}

func TestIsCiphertext(t *testing.T) {
	if IsCiphertext("plain-token-abc123") {
		t.Error("plaintext should not be classified as ciphertext")
	}
	if !IsCiphertext("sv1:abcdef") {
		t.Error("prefixed string should be classified as ciphertext")
	}
}
