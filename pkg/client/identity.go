package client

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
)

// SignEd25519 builds a complete assertion over message. Register, Edit and
// SetRetraction sign for you; use this directly when a custom message is
// needed.
func SignEd25519(message []byte, key ed25519.PrivateKey) Assertion {
	return Assertion{
		Scheme:    "ed25519",
		Message:   message,
		Signature: ed25519.Sign(key, message),
		PublicKey: key.Public().(ed25519.PublicKey),
	}
}

// Principal renders the principal string a deployment grants capabilities
// to for an ed25519 public key.
func Principal(pub ed25519.PublicKey) string {
	return "ed25519:" + base64.StdEncoding.EncodeToString(pub)
}

// LoadKeyFile reads a PEM-encoded PKCS#8 ed25519 private key, as written
// by SaveKeyFile or 'citeledger keygen'.
//
//	key, err := client.LoadKeyFile(os.ExpandEnv("$HOME/.citeledger/key.pem"))
func LoadKeyFile(path string) (ed25519.PrivateKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("%s: expected a PEM PRIVATE KEY block", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s holds a %T, not an ed25519 key", path, parsed)
	}
	return key, nil
}

// SaveKeyFile writes key to path as a PEM-encoded PKCS#8 private key,
// readable only by the owner.
func SaveKeyFile(path string, key ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encode key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// WithKeyFile loads the signing key from a PEM file and configures
// ed25519 assertion signing.
//
//	c, err := client.New(serverURL,
//	    client.WithKeyFile(keyPath),
//	)
func WithKeyFile(path string) Option {
	return func(c *Client) error {
		key, err := LoadKeyFile(path)
		if err != nil {
			return fmt.Errorf("load signing key from %q: %w", path, err)
		}
		return WithSigningKey(key)(c)
	}
}
