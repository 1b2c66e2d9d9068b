// Package keys manages the RSA signing keys behind RS256 tokens: one
// current key signs, recently rotated keys stay published for verifiers.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianauth/meridian/internal/storage"
)

// ErrNoCurrentKey means the signing_keys table is empty; run keygen.
var ErrNoCurrentKey = errors.New("no current signing key configured")

// PublicationWindow is how long a rotated key stays in JWKS so verifiers
// with cached tokens keep working.
const PublicationWindow = 7 * 24 * time.Hour

// currentKeyRefresh bounds how stale the in-memory current key can be.
const currentKeyRefresh = 5 * time.Minute

// JWK is a single published key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the published key set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// SigningKey pairs a parsed private key with its kid.
type SigningKey struct {
	Kid        string
	PrivateKey *rsa.PrivateKey
}

// Manager loads keys from the master store and caches the current one.
type Manager struct {
	store *storage.Store

	mu        sync.RWMutex
	current   *SigningKey
	loadedAt  time.Time
	verifyKey map[string]*rsa.PublicKey
}

func NewManager(store *storage.Store) *Manager {
	return &Manager{
		store:     store,
		verifyKey: make(map[string]*rsa.PublicKey),
	}
}

// Current returns the signing key, refreshing from the database when the
// cached copy is older than currentKeyRefresh.
func (m *Manager) Current(ctx context.Context) (*SigningKey, error) {
	m.mu.RLock()
	if m.current != nil && time.Since(m.loadedAt) < currentKeyRefresh {
		key := m.current
		m.mu.RUnlock()
		return key, nil
	}
	m.mu.RUnlock()

	row, err := m.store.GetCurrentSigningKey(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoCurrentKey
		}
		return nil, fmt.Errorf("failed to load current signing key: %w", err)
	}

	priv, err := ParsePrivateKeyPEM(row.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("signing key %s: %w", row.Kid, err)
	}

	key := &SigningKey{Kid: row.Kid, PrivateKey: priv}
	m.mu.Lock()
	m.current = key
	m.loadedAt = time.Now()
	m.verifyKey[row.Kid] = &priv.PublicKey
	m.mu.Unlock()
	return key, nil
}

// PublicKey resolves a verification key by kid. Any key still present in
// signing_keys verifies, including rotated ones past the JWKS window.
func (m *Manager) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	m.mu.RLock()
	if pub, ok := m.verifyKey[kid]; ok {
		m.mu.RUnlock()
		return pub, nil
	}
	m.mu.RUnlock()

	row, err := m.store.GetSigningKey(ctx, kid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("unknown signing key %q", kid)
		}
		return nil, fmt.Errorf("failed to load signing key %q: %w", kid, err)
	}

	pub, err := ParsePublicKeyPEM(row.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("signing key %s: %w", kid, err)
	}

	m.mu.Lock()
	m.verifyKey[kid] = pub
	m.mu.Unlock()
	return pub, nil
}

// Rotate installs a freshly generated key as current. The previous key
// keeps verifying and stays in JWKS for the publication window.
func (m *Manager) Rotate(ctx context.Context) (string, error) {
	kid, publicPEM, privatePEM, err := GenerateKeyPair()
	if err != nil {
		return "", err
	}

	if err := m.store.InsertSigningKey(ctx, storage.SigningKey{
		Kid:           kid,
		Algorithm:     "RS256",
		PublicKeyPEM:  publicPEM,
		PrivateKeyPEM: privatePEM,
	}); err != nil {
		return "", fmt.Errorf("failed to install signing key: %w", err)
	}

	m.mu.Lock()
	m.current = nil // force reload
	m.mu.Unlock()
	return kid, nil
}

// JWKS builds the published key set: the current key plus keys rotated
// within the publication window.
func (m *Manager) JWKS(ctx context.Context) (*JWKS, error) {
	rows, err := m.store.ListPublishableSigningKeys(ctx, PublicationWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to list signing keys: %w", err)
	}

	set := &JWKS{Keys: make([]JWK, 0, len(rows))}
	for _, row := range rows {
		pub, err := ParsePublicKeyPEM(row.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("signing key %s: %w", row.Kid, err)
		}
		set.Keys = append(set.Keys, JWK{
			Kty: "RSA",
			Kid: row.Kid,
			Use: "sig",
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return set, nil
}

// GenerateKeyPair creates a 2048-bit RSA keypair and a fresh kid.
func GenerateKeyPair() (kid, publicPEM, privatePEM string, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to generate rsa key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	kid = "sig-" + uuid.NewString()[:8]
	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return kid, publicPEM, privatePEM, nil
}

// ParsePrivateKeyPEM accepts PKCS8 or PKCS1 private keys.
func ParsePrivateKeyPEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the private key")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("key is not of type *rsa.PrivateKey")
		}
		return priv, nil
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return priv, nil
}

// ParsePublicKeyPEM accepts PKIX or PKCS1 public keys.
func ParsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the public key")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("key is not of type *rsa.PublicKey")
		}
		return pub, nil
	}

	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return pub, nil
}
