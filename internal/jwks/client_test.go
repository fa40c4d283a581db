package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "https://auth.dronebid.test"
	audience = "dronebid-market"
	wallet   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func sign(t *testing.T, priv ed25519.PrivateKey, kid string, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		Subject:   wallet,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func TestStaticClientValidates(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	c := NewStaticClient(pub, issuer, audience)

	s, err := c.ValidateJWT(context.Background(), sign(t, priv, "", validClaims()))
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if s.Wallet != "0x70997970c51812dc3a010c7d01b50e0d17dc79c8" {
		t.Errorf("got wallet %s", s.Wallet)
	}
}

func TestValidateJWTRejects(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	_, other, _ := ed25519.GenerateKey(nil)
	c := NewStaticClient(pub, issuer, audience)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongAud := validClaims()
	wrongAud.Audience = jwt.ClaimStrings{"someone-else"}
	wrongIss := validClaims()
	wrongIss.Issuer = "https://evil.test"
	noExp := validClaims()
	noExp.ExpiresAt = nil
	badSub := validClaims()
	badSub.Subject = "did:plc:abc"

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", sign(t, priv, "", expired), jwt.ErrTokenExpired},
		{"audience", sign(t, priv, "", wrongAud), jwt.ErrTokenInvalidAudience},
		{"issuer", sign(t, priv, "", wrongIss), jwt.ErrTokenInvalidIssuer},
		{"no exp", sign(t, priv, "", noExp), jwt.ErrTokenRequiredClaimMissing},
		{"signature", sign(t, other, "", validClaims()), jwt.ErrTokenSignatureInvalid},
		{"malformed", "not.a.jwt", jwt.ErrTokenMalformed},
		{"subject", sign(t, priv, "", badSub), ErrInvalidSubject},
	}
	for _, tt := range tests {
		if _, err := c.ValidateJWT(context.Background(), tt.token); !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v want %v", tt.name, err, tt.want)
		}
	}
}

func TestRemoteKeySetCachedAndRefreshed(t *testing.T) {
	pub1, priv1, _ := ed25519.GenerateKey(nil)
	pub2, priv2, _ := ed25519.GenerateKey(nil)
	var fetches int32
	var rotated atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		set := JWKS{Keys: []JWK{PublicJWK("k1", pub1)}}
		if rotated.Load() {
			set.Keys = append(set.Keys, PublicJWK("k2", pub2))
		}
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, issuer, audience)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.ValidateJWT(ctx, sign(t, priv1, "k1", validClaims())); err != nil {
			t.Fatalf("k1: %v", err)
		}
	}
	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Errorf("got %d fetches want 1", got)
	}

	rotated.Store(true)
	if _, err := c.ValidateJWT(ctx, sign(t, priv2, "k2", validClaims())); err != nil {
		t.Fatalf("k2 after rotation: %v", err)
	}
	if got := atomic.LoadInt32(&fetches); got != 2 {
		t.Errorf("got %d fetches want 2", got)
	}

	if _, err := c.ValidateJWT(ctx, sign(t, priv2, "k3", validClaims())); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("got %v want ErrUnknownKey", err)
	}
}
