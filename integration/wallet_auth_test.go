// Package integration exercises the marketplace API against a remote session
// key set served over HTTP.
package integration

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DroneBid/dronebid-market-go/internal/event"
	"github.com/DroneBid/dronebid-market-go/internal/jwks"
	"github.com/DroneBid/dronebid-market-go/internal/schema"
	"github.com/DroneBid/dronebid-market-go/internal/server"
	"github.com/DroneBid/dronebid-market-go/internal/storage"
	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "https://auth.dronebid.test"
	audience = "dronebid-market"
	wallet   = "0x70997970C51812dc3A010C7d01b50e0D17dc79C8"
)

// keyServer publishes a mutable JWKS document.
type keyServer struct {
	mu      sync.Mutex
	keys    []jwks.JWK
	fetches int
}

func (k *keyServer) add(kid string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = append(k.keys, jwks.PublicJWK(kid, pub))
}

func (k *keyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fetches++
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jwks.JWKS{Keys: k.keys})
}

func signToken(t *testing.T, priv ed25519.PrivateKey, kid string, claims jwt.RegisteredClaims) string {
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

func validClaims(subject string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func newKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	if env.Error == nil {
		return ""
	}
	return env.Error.Code
}

// TestWalletSessions validates session tokens against a remote JWKS, including
// a key rotated in after the first fetch.
func TestWalletSessions(t *testing.T) {
	keys := &keyServer{}
	pub, priv := newKey(t)
	keys.add("key-1", pub)
	jwksSrv := httptest.NewServer(keys)
	defer jwksSrv.Close()

	v, err := schema.NewValidator(nil)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	mux := server.NewMux(server.Deps{
		Store:     storage.NewMemory(),
		Publisher: event.NewRecorder(),
		Validator: v,
		JWKS:      jwks.NewClient(jwksSrv.URL, issuer, audience),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	api := httptest.NewServer(mux)
	defer api.Close()

	post := func(t *testing.T, token, body string) (int, []byte) {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, api.URL+"/api/users", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, b
	}
	userBody := `{"walletAddress":"` + wallet + `","userType":"consumer"}`

	t.Run("ValidJWT", func(t *testing.T) {
		status, body := post(t, signToken(t, priv, "key-1", validClaims(wallet)), userBody)
		if status != http.StatusOK {
			t.Fatalf("got %d %s", status, body)
		}
		var env struct {
			Data struct {
				WalletAddress string `json:"walletAddress"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			t.Fatal(err)
		}
		if env.Data.WalletAddress != strings.ToLower(wallet) {
			t.Errorf("got wallet %q want lowercased %q", env.Data.WalletAddress, strings.ToLower(wallet))
		}
	})

	cases := []struct {
		name   string
		token  func(t *testing.T) string
		status int
		code   string
	}{
		{"MissingToken", func(t *testing.T) string { return "" }, http.StatusUnauthorized, "MKT_AUTHN"},
		{"Garbage", func(t *testing.T) string { return "not.a.jwt" }, http.StatusUnauthorized, "MKT_JWT_MALFORMED"},
		{"InvalidIssuer", func(t *testing.T) string {
			c := validClaims(wallet)
			c.Issuer = "https://elsewhere.test"
			return signToken(t, priv, "key-1", c)
		}, http.StatusUnauthorized, "MKT_JWT_INVALID"},
		{"InvalidAudience", func(t *testing.T) string {
			c := validClaims(wallet)
			c.Audience = jwt.ClaimStrings{"someone-else"}
			return signToken(t, priv, "key-1", c)
		}, http.StatusUnauthorized, "MKT_JWT_INVALID"},
		{"Expired", func(t *testing.T) string {
			c := validClaims(wallet)
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			return signToken(t, priv, "key-1", c)
		}, http.StatusUnauthorized, "MKT_JWT_EXPIRED"},
		{"MissingKid", func(t *testing.T) string {
			return signToken(t, priv, "", validClaims(wallet))
		}, http.StatusUnauthorized, "MKT_JWT_INVALID"},
		{"UnknownKid", func(t *testing.T) string {
			return signToken(t, priv, "key-unknown", validClaims(wallet))
		}, http.StatusUnauthorized, "MKT_JWT_INVALID"},
		{"SubjectNotWallet", func(t *testing.T) string {
			return signToken(t, priv, "key-1", validClaims("did:example:123"))
		}, http.StatusUnauthorized, "MKT_JWT_INVALID"},
		{"WalletMismatch", func(t *testing.T) string {
			return signToken(t, priv, "key-1", validClaims("0x90f79bf6eb2c4f870365e785982e1f101e93b906"))
		}, http.StatusForbidden, "MKT_WALLET_MISMATCH"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := post(t, tc.token(t), userBody)
			if status != tc.status {
				t.Errorf("got status %d want %d: %s", status, tc.status, body)
			}
			if code := errorCode(t, body); code != tc.code {
				t.Errorf("got code %q want %q", code, tc.code)
			}
		})
	}

	t.Run("RotatedKey", func(t *testing.T) {
		pub2, priv2 := newKey(t)
		keys.add("key-2", pub2)
		status, body := post(t, signToken(t, priv2, "key-2", validClaims(wallet)), userBody)
		if status != http.StatusOK {
			t.Fatalf("got %d %s", status, body)
		}
		keys.mu.Lock()
		defer keys.mu.Unlock()
		if keys.fetches < 2 {
			t.Errorf("got %d key set fetches want a refetch on the new kid", keys.fetches)
		}
	})
}
