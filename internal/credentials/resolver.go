// Package credentials resolves a subscription's credential reference into
// exchange API keys. Secrets are stored elsewhere; this package only reads
// what the deployment hands it.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
)

// ErrUnknownCredential is returned when a reference cannot be resolved.
var ErrUnknownCredential = errors.New("unknown credential reference")

// PaperRef is the reference (or prefix) that selects the simulated exchange.
const PaperRef = "paper"

// Credentials are decrypted API keys for one exchange account.
type Credentials struct {
	Exchange  string // binance_spot or paper
	APIKey    string
	APISecret string
	Testnet   bool
}

// Resolver maps a credential reference to credentials.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (Credentials, error)
}

// IsPaper reports whether ref selects the paper exchange.
func IsPaper(ref string) bool {
	return ref == PaperRef || strings.HasPrefix(ref, PaperRef+":")
}

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]+`)

// EnvResolver reads CRED_<REF>_API_KEY / _API_SECRET / _EXCHANGE / _TESTNET
// from the environment. Values in ENC[vN]: form are opened with the keyring.
type EnvResolver struct {
	Prefix  string
	Keyring *Keyring
	Lookup  func(string) (string, bool)
}

// NewEnvResolver creates a resolver over the process environment.
func NewEnvResolver(keyring *Keyring) *EnvResolver {
	return &EnvResolver{Prefix: "CRED", Keyring: keyring, Lookup: os.LookupEnv}
}

// EnvName returns the variable name for a field of ref.
func (r *EnvResolver) EnvName(ref, field string) string {
	key := strings.Trim(nonAlnum.ReplaceAllString(strings.ToUpper(ref), "_"), "_")
	return r.Prefix + "_" + key + "_" + field
}

func (r *EnvResolver) Resolve(ctx context.Context, ref string) (Credentials, error) {
	if IsPaper(ref) {
		return Credentials{Exchange: PaperRef}, nil
	}
	if strings.TrimSpace(ref) == "" {
		return Credentials{}, fmt.Errorf("%w: empty reference", ErrUnknownCredential)
	}

	key, okKey := r.Lookup(r.EnvName(ref, "API_KEY"))
	secret, okSecret := r.Lookup(r.EnvName(ref, "API_SECRET"))
	if !okKey || !okSecret || key == "" || secret == "" {
		return Credentials{}, fmt.Errorf("%w: %s", ErrUnknownCredential, ref)
	}

	var err error
	if key, err = r.open(key); err != nil {
		return Credentials{}, fmt.Errorf("open %s api key: %w", ref, err)
	}
	if secret, err = r.open(secret); err != nil {
		return Credentials{}, fmt.Errorf("open %s api secret: %w", ref, err)
	}

	creds := Credentials{Exchange: "binance_spot", APIKey: key, APISecret: secret}
	if ex, ok := r.Lookup(r.EnvName(ref, "EXCHANGE")); ok && ex != "" {
		creds.Exchange = ex
	}
	if tn, ok := r.Lookup(r.EnvName(ref, "TESTNET")); ok {
		creds.Testnet = tn == "1" || strings.EqualFold(tn, "true")
	}
	return creds, nil
}

func (r *EnvResolver) open(v string) (string, error) {
	if !Sealed(v) {
		return v, nil
	}
	if r.Keyring == nil {
		return "", ErrNoKeyring
	}
	return r.Keyring.Open(v)
}

// StaticResolver serves credentials from memory.
type StaticResolver struct {
	mu    sync.RWMutex
	creds map[string]Credentials
}

// NewStaticResolver creates a resolver with the given entries.
func NewStaticResolver(entries map[string]Credentials) *StaticResolver {
	m := make(map[string]Credentials, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return &StaticResolver{creds: m}
}

// Set adds or replaces an entry.
func (s *StaticResolver) Set(ref string, c Credentials) {
	s.mu.Lock()
	s.creds[ref] = c
	s.mu.Unlock()
}

func (s *StaticResolver) Resolve(ctx context.Context, ref string) (Credentials, error) {
	s.mu.RLock()
	c, ok := s.creds[ref]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}
	if IsPaper(ref) {
		return Credentials{Exchange: PaperRef}, nil
	}
	return Credentials{}, fmt.Errorf("%w: %s", ErrUnknownCredential, ref)
}
