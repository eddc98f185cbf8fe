package acmeclient

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	jose "github.com/go-jose/go-jose/v4"
)

// Csr bundles the key material generated for one finalization attempt. A
// fresh key pair is generated per attempt, never reused across orders.
type Csr struct {
	PrivateKeyPEM []byte
	CsrPEM        []byte
	CsrDER        []byte
	Algorithm     string
}

// NewEcdsaCsr generates a P-256 key pair and a certificate signing request
// covering the given identifiers. The first identifier becomes the subject
// common name.
func NewEcdsaCsr(domains []string) (*Csr, error) {
	if len(domains) == 0 {
		return nil, fmt.Errorf("at least one domain is required")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domains[0]},
		DNSNames: domains,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, err
	}

	return &Csr{
		PrivateKeyPEM: certcrypto.PEMEncode(key),
		CsrPEM:        pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}),
		CsrDER:        der,
		Algorithm:     string(certcrypto.EC256),
	}, nil
}

// NewAccountKey generates a PEM-encoded P-256 account key.
func NewAccountKey() ([]byte, error) {
	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, err
	}
	return certcrypto.PEMEncode(key), nil
}

// KeyAuthorization builds the RFC 8555 key authorization string for a
// challenge token: token || "." || base64url(JWK thumbprint).
func KeyAuthorization(token string, key crypto.PrivateKey) (string, error) {
	pub := publicKey(key)
	if pub == nil {
		return "", fmt.Errorf("unsupported account key type %T", key)
	}
	jwk := jose.JSONWebKey{Key: pub}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return token + "." + base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// AccountKeyJWK renders a PEM account key as its public JWK, for display.
func AccountKeyJWK(privateKeyPEM []byte) (string, error) {
	key, err := certcrypto.ParsePEMPrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}
	pub := publicKey(key)
	if pub == nil {
		return "", fmt.Errorf("unsupported account key type %T", key)
	}
	jwk := jose.JSONWebKey{Key: pub}
	out, err := jwk.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// CertNotAfter parses a PEM certificate and returns its expiry.
func CertNotAfter(certPEM []byte) (time.Time, error) {
	cert, err := certcrypto.ParsePEMCertificate(certPEM)
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter, nil
}
