// Package jwks validates wallet session tokens. Tokens are EdDSA-signed JWTs
// whose subject is the wallet address the bearer signed in with.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	cacheTTL = 5 * time.Minute
	leeway   = 30 * time.Second
)

var (
	ErrUnknownKey     = errors.New("signing key not found")
	ErrInvalidSubject = errors.New("token subject is not a wallet address")

	walletPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // X coordinate
}

// Session is a validated wallet session.
type Session struct {
	Wallet    string
	ExpiresAt time.Time
	Claims    jwt.RegisteredClaims
}

// Client fetches and caches the session-signing keys and validates tokens.
type Client struct {
	jwksURL    string
	issuer     string
	audience   string
	httpClient *http.Client
	static     ed25519.PublicKey

	mu        sync.RWMutex
	keys      map[string]ed25519.PublicKey
	expiresAt time.Time
}

// NewClient returns a client that resolves keys from jwksURL.
func NewClient(jwksURL, issuer, audience string) *Client {
	return &Client{
		jwksURL:    jwksURL,
		issuer:     issuer,
		audience:   audience,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// NewStaticClient validates against a single key regardless of kid. Used in
// tests and single-node development setups.
func NewStaticClient(pub ed25519.PublicKey, issuer, audience string) *Client {
	return &Client{static: pub, issuer: issuer, audience: audience}
}

// ValidateJWT verifies signature, issuer, audience and expiry, and returns
// the wallet named by the subject, lowercased.
func (c *Client) ValidateJWT(ctx context.Context, tokenString string) (*Session, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	)

	var claims jwt.RegisteredClaims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if c.static != nil {
			return c.static, nil
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("missing kid in JWT header")
		}
		return c.key(ctx, kid)
	})
	if err != nil {
		return nil, err
	}

	if !walletPattern.MatchString(claims.Subject) {
		return nil, ErrInvalidSubject
	}
	s := &Session{Wallet: strings.ToLower(claims.Subject), Claims: claims}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// key returns the public key for kid, refetching once on a cache miss so
// rotated keys are picked up before the TTL expires.
func (c *Client) key(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	c.mu.RLock()
	k, ok := c.keys[kid]
	fresh := time.Now().Before(c.expiresAt)
	c.mu.RUnlock()
	if ok && fresh {
		return k, nil
	}

	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if k, ok := c.keys[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
}

func (c *Client) refresh(ctx context.Context) error {
	set, err := c.fetchJWKS(ctx)
	if err != nil {
		return err
	}
	keys := make(map[string]ed25519.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
			continue
		}
		x, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil || len(x) != ed25519.PublicKeySize {
			continue
		}
		keys[jwk.Kid] = ed25519.PublicKey(x)
	}

	c.mu.Lock()
	c.keys = keys
	c.expiresAt = time.Now().Add(cacheTTL)
	c.mu.Unlock()
	return nil
}

func (c *Client) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}
	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &set, nil
}

// PublicJWK renders pub as an Ed25519 JWK.
func PublicJWK(kid string, pub ed25519.PublicKey) JWK {
	return JWK{
		Kty: "OKP",
		Kid: kid,
		Use: "sig",
		Alg: "EdDSA",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}
}
