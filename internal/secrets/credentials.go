package secrets

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// ErrMissingCredentials is returned when an account has nothing stored to open.
var ErrMissingCredentials = errors.New("no stored credentials")

// Credentials are a portal login. They print as redacted so they never reach logs.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (Credentials) String() string   { return "[redacted]" }
func (Credentials) GoString() string { return "secrets.Credentials{[redacted]}" }

// envelope is the stored form: secretbox output and its nonce, base64 encoded.
type envelope struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Box opens credential envelopes with a shared symmetric key.
type Box struct {
	key [keySize]byte
}

// NewBox parses a 64 character hex key.
func NewBox(hexKey string) (*Box, error) {
	hexKey = strings.TrimSpace(hexKey)
	if len(hexKey) != keySize*2 {
		return nil, fmt.Errorf("credential key must be %d hex characters", keySize*2)
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding credential key: %w", err)
	}

	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// Open decrypts a stored envelope into credentials.
func (b *Box) Open(stored string) (Credentials, error) {
	if strings.TrimSpace(stored) == "" {
		return Credentials{}, ErrMissingCredentials
	}

	var env envelope
	if err := json.Unmarshal([]byte(stored), &env); err != nil {
		return Credentials{}, fmt.Errorf("decoding credential envelope: %w", err)
	}

	nonce, err := decodeBase64(env.Nonce)
	if err != nil {
		return Credentials{}, fmt.Errorf("decoding nonce: %w", err)
	}
	if len(nonce) != nonceSize {
		return Credentials{}, fmt.Errorf("nonce must be %d bytes, got %d", nonceSize, len(nonce))
	}
	sealed, err := decodeBase64(env.Ciphertext)
	if err != nil {
		return Credentials{}, fmt.Errorf("decoding ciphertext: %w", err)
	}

	var n [nonceSize]byte
	copy(n[:], nonce)

	plain, ok := secretbox.Open(nil, sealed, &n, &b.key)
	if !ok {
		return Credentials{}, errors.New("credential envelope failed authentication")
	}

	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decoding credentials: %w", err)
	}
	if creds.Username == "" || creds.Password == "" {
		return Credentials{}, ErrMissingCredentials
	}
	return creds, nil
}

// decodeBase64 accepts the url-safe unpadded form libsodium writes by default
// as well as standard base64.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	} {
		out, err := enc.DecodeString(s)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
