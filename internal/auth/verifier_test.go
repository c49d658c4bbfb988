package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tripnav/internal/config"
)

func TestVerifyDevToken(t *testing.T) {
	v := NewVerifier(config.AuthConfig{})
	p, err := v.Verify("t1:Driver:drv-9")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Tenant != "t1" || p.Role != RoleDriver || p.DriverID != "drv-9" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if _, err := v.Verify("garbage"); err == nil {
		t.Fatal("expected error for malformed dev token")
	}
}

func TestVerifyHMAC(t *testing.T) {
	v := NewVerifier(config.AuthConfig{Mode: "hmac", HMACSecret: "s3cret"})
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant": "t1", "role": "DISPATCHER", "sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p, err := v.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Tenant != "t1" || p.Role != RoleDispatcher || p.DriverID != "u1" {
		t.Fatalf("unexpected principal: %+v", p)
	}

	bad, _ := tok.SignedString([]byte("other"))
	if _, err := v.Verify(bad); err == nil {
		t.Fatal("expected bad signature error")
	}
}

func TestVerifyHMACRejectsExpiredAndMissingTenant(t *testing.T) {
	v := NewVerifier(config.AuthConfig{Mode: "hmac", HMACSecret: "k"})
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant": "t1", "exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("k"))
	if _, err := v.Verify(expired); err == nil {
		t.Fatal("expected expired token to fail")
	}
	noTenant, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "admin"}).SignedString([]byte("k"))
	if _, err := v.Verify(noTenant); err == nil {
		t.Fatal("expected missing tenant to fail")
	}
}

func TestVerifyJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwks{Keys: []jwk{{
			Kty: "RSA", Kid: "k1", Alg: "RS256",
			N: base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E: base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	v := NewVerifier(config.AuthConfig{Mode: "jwks", JWKSURL: srv.URL})
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"tenant": "t2", "role": "admin"})
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p, err := v.Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Tenant != "t2" || p.Role != RoleAdmin {
		t.Fatalf("unexpected principal: %+v", p)
	}

	tok.Header["kid"] = "unknown"
	other, _ := tok.SignedString(key)
	if _, err := v.Verify(other); err == nil {
		t.Fatal("expected unknown kid to fail")
	}
}
