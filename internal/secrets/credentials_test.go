package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/nacl/secretbox"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func seal(t *testing.T, hexKey string, plaintext string, enc *base64.Encoding) string {
	t.Helper()
	box, err := NewBox(hexKey)
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		t.Fatalf("reading nonce: %v", err)
	}
	sealed := secretbox.Seal(nil, []byte(plaintext), &nonce, &box.key)

	out, err := json.Marshal(envelope{
		Nonce:      enc.EncodeToString(nonce[:]),
		Ciphertext: enc.EncodeToString(sealed),
	})
	if err != nil {
		t.Fatalf("encoding envelope: %v", err)
	}
	return string(out)
}

func TestBoxOpen(t *testing.T) {
	t.Parallel()

	box, err := NewBox(testKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for name, enc := range map[string]*base64.Encoding{
		"url unpadded": base64.RawURLEncoding,
		"standard":     base64.StdEncoding,
	} {
		t.Run(name, func(t *testing.T) {
			stored := seal(t, testKey, `{"username":"ops@example.com","password":"hunter2"}`, enc)

			creds, err := box.Open(stored)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if creds.Username != "ops@example.com" || creds.Password != "hunter2" {
				t.Fatalf("unexpected credentials")
			}
		})
	}
}

func TestBoxOpenFailures(t *testing.T) {
	t.Parallel()

	box, _ := NewBox(testKey)
	otherKey := strings.Repeat("ab", 32)

	if _, err := box.Open(""); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if _, err := box.Open("not json"); err == nil {
		t.Fatalf("expected error for malformed envelope")
	}
	if _, err := box.Open(seal(t, otherKey, `{"username":"a","password":"b"}`, base64.StdEncoding)); err == nil {
		t.Fatalf("expected authentication failure with the wrong key")
	}
	if _, err := box.Open(seal(t, testKey, `{"username":"a"}`, base64.StdEncoding)); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials for partial credentials, got %v", err)
	}
}

func TestNewBoxValidatesKey(t *testing.T) {
	t.Parallel()

	if _, err := NewBox("abc"); err == nil {
		t.Fatalf("expected error for short key")
	}
	if _, err := NewBox(strings.Repeat("zz", 32)); err == nil {
		t.Fatalf("expected error for non-hex key")
	}
}

func TestCredentialsAreRedacted(t *testing.T) {
	t.Parallel()

	creds := Credentials{Username: "ops@example.com", Password: "hunter2"}
	for _, out := range []string{fmt.Sprint(creds), fmt.Sprintf("%v", creds), fmt.Sprintf("%#v", creds)} {
		if strings.Contains(out, "hunter2") || strings.Contains(out, "ops@example.com") {
			t.Fatalf("credentials leaked: %s", out)
		}
	}
}
