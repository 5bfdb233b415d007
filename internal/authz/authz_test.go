package authz_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/citeledger/citeledger/internal/authz"
)

func TestVerifyEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	a := authz.New(nil, "")

	as := authz.SignEd25519([]byte("retract document 7"), priv)
	principal, err := a.Verify(as)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if want := authz.Principal(authz.SchemeEd25519, pub); principal != want {
		t.Errorf("principal = %q, want %q", principal, want)
	}

	tampered := as
	tampered.Message = []byte("retract document 8")
	if _, err := a.Verify(tampered); err == nil {
		t.Error("tampered message verified")
	}

	short := as
	short.PublicKey = short.PublicKey[:16]
	if _, err := a.Verify(short); err == nil {
		t.Error("truncated public key verified")
	}
}

func TestVerifyDilithium3(t *testing.T) {
	pk, sk, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	a := authz.New(nil, "")

	as := authz.SignDilithium3([]byte("register fingerprint"), sk)
	principal, err := a.Verify(as)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if want := authz.Principal(authz.SchemeDilithium3, pk.Bytes()); principal != want {
		t.Errorf("principal = %q, want %q", principal, want)
	}

	tampered := as
	tampered.Message = []byte("register other fingerprint")
	if _, err := a.Verify(tampered); err == nil {
		t.Error("tampered message verified")
	}

	garbled := as
	garbled.PublicKey = []byte("not a dilithium key")
	if _, err := a.Verify(garbled); err == nil {
		t.Error("garbled public key verified")
	}
}

func mintToken(t *testing.T, key *rsa.PrivateKey, issuer, subject string, ttl time.Duration) string {
	t.Helper()
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifyJWT(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	const issuer = "https://registrar.example.org"
	a := authz.New(&key.PublicKey, issuer)

	token := mintToken(t, key, issuer, "auditor-7", time.Hour)
	principal, err := a.Verify(authz.Assertion{Scheme: authz.SchemeJWT, Token: token})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if principal != "auditor-7" {
		t.Errorf("principal = %q, want auditor-7", principal)
	}

	cases := map[string]string{
		"wrong issuer": mintToken(t, key, "https://other.example.org", "auditor-7", time.Hour),
		"expired":      mintToken(t, key, issuer, "auditor-7", -time.Minute),
		"no subject":   mintToken(t, key, issuer, "", time.Hour),
		"garbage":      "not.a.jwt",
	}
	for name, bad := range cases {
		if _, err := a.Verify(authz.Assertion{Scheme: authz.SchemeJWT, Token: bad}); err == nil {
			t.Errorf("%s: token verified", name)
		}
	}
}

func TestVerifyJWTRejectsWrongMethod(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	a := authz.New(&key.PublicKey, "")

	claims := jwt.RegisteredClaims{
		Subject:   "auditor-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	hmacToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("shared secret"))
	if err != nil {
		t.Fatalf("sign hmac token: %v", err)
	}
	if _, err := a.Verify(authz.Assertion{Scheme: authz.SchemeJWT, Token: hmacToken}); err == nil {
		t.Error("HS256 token verified against an RSA-only verifier")
	}
}

func TestVerifyUnsupportedScheme(t *testing.T) {
	a := authz.New(nil, "")

	if _, err := a.Verify(authz.Assertion{Scheme: "rsa-pss"}); !errors.Is(err, authz.ErrUnsupportedScheme) {
		t.Errorf("unknown scheme err = %v, want ErrUnsupportedScheme", err)
	}
	// jwt without a configured key is unsupported in this deployment.
	if _, err := a.Verify(authz.Assertion{Scheme: authz.SchemeJWT, Token: "x.y.z"}); !errors.Is(err, authz.ErrUnsupportedScheme) {
		t.Errorf("unconfigured jwt err = %v, want ErrUnsupportedScheme", err)
	}
}

func TestLoadVerifyKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	loaded, err := authz.LoadVerifyKey(pemBytes)
	if err != nil {
		t.Fatalf("LoadVerifyKey: %v", err)
	}
	if loaded.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("loaded key does not match the original")
	}

	if _, err := authz.LoadVerifyKey([]byte("junk")); err == nil {
		t.Error("junk PEM parsed")
	}
}
