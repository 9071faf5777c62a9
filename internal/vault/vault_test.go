package vault

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestNew_EmptySecret(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestNew_RawBase64Key(t *testing.T) {
	raw := bytes.Repeat([]byte{7}, 32)
	v, err := New(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !bytes.Equal(v.key, raw) {
		t.Error("32-byte base64 secret should be used as the key directly")
	}
}

func TestNew_PassphraseIsDerived(t *testing.T) {
	a, err := New("correct horse battery staple")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New("correct horse battery staple")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(a.key) != 32 {
		t.Fatalf("derived key length = %d, want 32", len(a.key))
	}
	if !bytes.Equal(a.key, b.key) {
		t.Error("same passphrase should derive the same key")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	v, err := New("passphrase")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	plain := []byte(`{"email":"a@example.com","password":"hunter2"}`)

	blob, err := v.Encrypt("s-1", plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(blob, []byte("hunter2")) {
		t.Fatal("ciphertext contains plaintext")
	}
	if blob[0] != version1 {
		t.Errorf("version byte = %d, want %d", blob[0], version1)
	}

	got, err := v.Decrypt("s-1", blob)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Decrypt = %q, want %q", got, plain)
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	v, _ := New("passphrase")
	a, _ := v.Encrypt("s-1", []byte("same"))
	b, _ := v.Encrypt("s-1", []byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext should differ")
	}
}

func TestEncryptDecrypt_Empty(t *testing.T) {
	v, _ := New("passphrase")
	blob, err := v.Encrypt("s-1", nil)
	if err != nil || blob != nil {
		t.Fatalf("Encrypt(nil) = %v, %v; want nil, nil", blob, err)
	}
	got, err := v.Decrypt("s-1", nil)
	if err != nil || got != nil {
		t.Fatalf("Decrypt(nil) = %v, %v; want nil, nil", got, err)
	}
}

func TestDecrypt_WrongSender(t *testing.T) {
	v, _ := New("passphrase")
	blob, _ := v.Encrypt("s-1", []byte("secret"))
	if _, err := v.Decrypt("s-2", blob); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Decrypt with other sender = %v, want ErrCorrupt", err)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	a, _ := New("key-a")
	b, _ := New("key-b")
	blob, _ := a.Encrypt("s-1", []byte("secret"))
	if _, err := b.Decrypt("s-1", blob); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Decrypt with other key = %v, want ErrCorrupt", err)
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	v, _ := New("passphrase")
	blob, _ := v.Encrypt("s-1", []byte("secret"))

	flipped := append([]byte(nil), blob...)
	flipped[len(flipped)-1] ^= 0xff
	if _, err := v.Decrypt("s-1", flipped); !errors.Is(err, ErrCorrupt) {
		t.Errorf("tampered blob = %v, want ErrCorrupt", err)
	}

	if _, err := v.Decrypt("s-1", blob[:10]); !errors.Is(err, ErrCorrupt) {
		t.Errorf("truncated blob = %v, want ErrCorrupt", err)
	}

	badVersion := append([]byte(nil), blob...)
	badVersion[0] = 9
	if _, err := v.Decrypt("s-1", badVersion); !errors.Is(err, ErrCorrupt) {
		t.Errorf("unknown version = %v, want ErrCorrupt", err)
	}
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v, err := New(k)
	if err != nil {
		t.Fatalf("New(generated): %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(k)
	if !bytes.Equal(v.key, raw) {
		t.Error("generated key should be used directly")
	}
}
