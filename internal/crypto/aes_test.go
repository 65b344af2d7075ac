package crypto

import (
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	encoded, err := Encrypt(testKey, "uPlqW3x9secretkey")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if strings.Contains(encoded, "secretkey") {
		t.Fatal("ciphertext must not contain the plaintext")
	}

	decoded, err := Decrypt(testKey, encoded)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if decoded != "uPlqW3x9secretkey" {
		t.Fatalf("round trip mismatch: %q", decoded)
	}
}

func TestEncryptRejectsShortKey(t *testing.T) {
	if _, err := Encrypt("short", "value"); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	if _, err := Decrypt(testKey, "not-base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if _, err := Decrypt(testKey, "QUJD"); err == nil {
		t.Fatal("expected error for truncated ciphertext")
	}
}
