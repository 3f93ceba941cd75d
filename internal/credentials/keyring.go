package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	ErrNoKeyring         = errors.New("sealed credential but no keyring configured")
	ErrInvalidKey        = errors.New("invalid credential key: must be 32 bytes")
	ErrMalformedSealed   = errors.New("malformed sealed value")
	ErrUnknownKeyVersion = errors.New("unknown key version")
	ErrOpenFailed        = errors.New("cannot open sealed value")
)

// Keyring holds versioned AES-256-GCM keys. Sealed values look like
// ENC[v<version>]:base64(nonce|ciphertext).
type Keyring struct {
	keys    map[int]cipher.AEAD
	current int
}

// NewKeyring builds a keyring from raw keys by version.
func NewKeyring(keys map[int][]byte) (*Keyring, error) {
	k := &Keyring{keys: make(map[int]cipher.AEAD, len(keys))}
	for v, raw := range keys {
		if len(raw) != KeySize {
			return nil, fmt.Errorf("key v%d: %w", v, ErrInvalidKey)
		}
		block, err := aes.NewCipher(raw)
		if err != nil {
			return nil, err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		k.keys[v] = aead
		if v > k.current {
			k.current = v
		}
	}
	return k, nil
}

// KeyringFromEnv loads base64 keys from CREDENTIALS_KEY (v1) and
// CREDENTIALS_KEY_V2..V10. It returns nil, nil when no key is set.
func KeyringFromEnv() (*Keyring, error) {
	keys := map[int][]byte{}
	for v := 1; v <= 10; v++ {
		name := "CREDENTIALS_KEY"
		if v > 1 {
			name = fmt.Sprintf("CREDENTIALS_KEY_V%d", v)
		}
		b64 := os.Getenv(name)
		if b64 == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		keys[v] = raw
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return NewKeyring(keys)
}

// Sealed reports whether v is in sealed form.
func Sealed(v string) bool { return strings.HasPrefix(v, "ENC[v") }

// Seal encrypts plaintext with the newest key.
func (k *Keyring) Seal(plaintext string) (string, error) {
	aead, ok := k.keys[k.current]
	if !ok {
		return "", ErrUnknownKeyVersion
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:%s", k.current, base64.StdEncoding.EncodeToString(out)), nil
}

// Open decrypts a sealed value with the key version named in its prefix.
func (k *Keyring) Open(sealed string) (string, error) {
	var version int
	if _, err := fmt.Sscanf(sealed, "ENC[v%d]:", &version); err != nil {
		return "", ErrMalformedSealed
	}
	idx := strings.Index(sealed, "]:")
	if idx < 0 {
		return "", ErrMalformedSealed
	}
	aead, ok := k.keys[version]
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, version)
	}
	data, err := base64.StdEncoding.DecodeString(sealed[idx+2:])
	if err != nil || len(data) < aead.NonceSize() {
		return "", ErrMalformedSealed
	}
	plain, err := aead.Open(nil, data[:aead.NonceSize()], data[aead.NonceSize():], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plain), nil
}
