package crypto

import (
	"encoding/base64"
	"reflect"
	"testing"
)

func TestEncryptDecryptHeaders(t *testing.T) {
	m, err := NewManager("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	headers := map[string]string{
		"Authorization": "Bearer sk-123",
		"X-Custom":      "v",
	}
	raw, err := m.EncryptHeaders(headers)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if raw == "" {
		t.Fatalf("expected non-empty envelope")
	}

	out, err := m.DecryptHeaders(raw)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !reflect.DeepEqual(out, headers) {
		t.Fatalf("expected original headers, got %v", out)
	}
}

func TestEmptyHeadersRoundTrip(t *testing.T) {
	m, err := NewManager("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	raw, err := m.EncryptHeaders(nil)
	if err != nil {
		t.Fatalf("encrypt nil: %v", err)
	}
	if raw != "" {
		t.Fatalf("expected empty envelope for nil headers")
	}

	out, err := m.DecryptHeaders("")
	if err != nil {
		t.Fatalf("decrypt empty: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty map, got %v", out)
	}
}

func TestRotationDecryptOldEncryptNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldManager, err := NewManager("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old manager: %v", err)
	}
	legacy := map[string]string{"Authorization": "legacy-token"}
	oldCipher, err := oldManager.EncryptHeaders(legacy)
	if err != nil {
		t.Fatalf("old encrypt: %v", err)
	}

	rotated, err := NewManager("new", map[string][]byte{
		"old": oldKey,
		"new": newKey,
	})
	if err != nil {
		t.Fatalf("rotated manager: %v", err)
	}

	plain, err := rotated.DecryptHeaders(oldCipher)
	if err != nil {
		t.Fatalf("decrypt with old key failed: %v", err)
	}
	if !reflect.DeepEqual(plain, legacy) {
		t.Fatalf("unexpected headers: %v", plain)
	}

	rewrapped, err := rotated.ReEncryptHeaders(oldCipher)
	if err != nil {
		t.Fatalf("re-encrypt: %v", err)
	}
	fresh, err := rotated.DecryptHeaders(rewrapped)
	if err != nil {
		t.Fatalf("decrypt rewrapped: %v", err)
	}
	if !reflect.DeepEqual(fresh, legacy) {
		t.Fatalf("rewrapped headers mismatch: %v", fresh)
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
