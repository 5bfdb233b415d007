// Package authz verifies caller assertions and derives stable principal
// strings from them.
//
// An assertion proves control of a key: either a raw signature over a
// caller-chosen message (ed25519 or the post-quantum dilithium3), or an
// RS256 JWT minted by a trusted issuer. The principal string is what the
// ledger's capability grants are keyed by, so its format is part of the
// deployment contract: signature schemes yield "scheme:base64(publicKey)",
// the jwt scheme yields the token's subject claim.
package authz

import (
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnsupportedScheme is returned for assertion schemes this deployment
// cannot verify.
var ErrUnsupportedScheme = errors.New("unsupported signature scheme")

// Supported assertion schemes.
const (
	SchemeEd25519    = "ed25519"
	SchemeDilithium3 = "dilithium3"
	SchemeJWT        = "jwt"
)

// Assertion is the proof of identity a caller attaches to a mutating
// request. Signature schemes fill Message, Signature and PublicKey; the
// jwt scheme fills Token only. Byte fields travel as base64 in JSON.
type Assertion struct {
	Scheme    string `json:"scheme"`
	Message   []byte `json:"message,omitempty"`
	Signature []byte `json:"signature,omitempty"`
	PublicKey []byte `json:"public_key,omitempty"`
	Token     string `json:"token,omitempty"`
}

// Authorizer verifies assertions. The zero value supports the signature
// schemes; JWT verification needs the issuer key from configuration.
type Authorizer struct {
	jwtKey    *rsa.PublicKey
	jwtIssuer string
}

// New creates an Authorizer. jwtKey may be nil, which disables the jwt
// scheme; jwtIssuer is enforced as the "iss" claim when non-empty.
func New(jwtKey *rsa.PublicKey, jwtIssuer string) *Authorizer {
	return &Authorizer{jwtKey: jwtKey, jwtIssuer: jwtIssuer}
}

// Verify checks the assertion and returns its principal.
func (a *Authorizer) Verify(as Assertion) (string, error) {
	switch as.Scheme {
	case SchemeEd25519:
		if len(as.PublicKey) != ed25519.PublicKeySize {
			return "", fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(as.PublicKey))
		}
		if len(as.Signature) != ed25519.SignatureSize {
			return "", fmt.Errorf("ed25519 signature must be %d bytes, got %d", ed25519.SignatureSize, len(as.Signature))
		}
		if !ed25519.Verify(ed25519.PublicKey(as.PublicKey), as.Message, as.Signature) {
			return "", errors.New("ed25519 signature invalid")
		}
		return Principal(SchemeEd25519, as.PublicKey), nil

	case SchemeDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(as.PublicKey); err != nil {
			return "", fmt.Errorf("invalid dilithium3 public key: %w", err)
		}
		if len(as.Signature) != mode3.SignatureSize {
			return "", fmt.Errorf("dilithium3 signature must be %d bytes, got %d", mode3.SignatureSize, len(as.Signature))
		}
		if !mode3.Verify(&pk, as.Message, as.Signature) {
			return "", errors.New("dilithium3 signature invalid")
		}
		return Principal(SchemeDilithium3, as.PublicKey), nil

	case SchemeJWT:
		if a.jwtKey == nil {
			return "", fmt.Errorf("%w: jwt verification key not configured", ErrUnsupportedScheme)
		}
		return a.verifyJWT(as.Token)

	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, as.Scheme)
	}
}

// Principal renders the principal string for a signature-scheme public key.
func Principal(scheme string, publicKey []byte) string {
	return scheme + ":" + base64.StdEncoding.EncodeToString(publicKey)
}

func (a *Authorizer) verifyJWT(tokenStr string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if a.jwtIssuer != "" {
		opts = append(opts, jwt.WithIssuer(a.jwtIssuer))
	}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&jwt.RegisteredClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return a.jwtKey, nil
		},
		opts...,
	)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// LoadVerifyKey parses a PKIX or PKCS1 PEM RSA public key, as configured
// under authz.jwt_public_key.
func LoadVerifyKey(pemBytes []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse jwt verification key: %w", err)
	}
	return key, nil
}

// SignEd25519 builds a complete assertion over message. Used by the client
// SDK and tests; the server side only ever verifies.
func SignEd25519(message []byte, key ed25519.PrivateKey) Assertion {
	return Assertion{
		Scheme:    SchemeEd25519,
		Message:   message,
		Signature: ed25519.Sign(key, message),
		PublicKey: key.Public().(ed25519.PublicKey),
	}
}

// SignDilithium3 builds a complete assertion over message.
func SignDilithium3(message []byte, key *mode3.PrivateKey) Assertion {
	pub := key.Public().(*mode3.PublicKey)
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(key, message, sig)
	return Assertion{
		Scheme:    SchemeDilithium3,
		Message:   message,
		Signature: sig,
		PublicKey: pub.Bytes(),
	}
}
