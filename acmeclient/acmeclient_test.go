package acmeclient

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCA(t *testing.T) {
	for alias, want := range map[string]string{
		"letsencrypt": CALetsEncrypt,
		"le":          CALetsEncrypt,
		"zerossl":     CAZeroSSL,
		"zs":          CAZeroSSL,
		"buypass":     CABuyPass,
		"bp":          CABuyPass,
	} {
		got, err := ResolveCA(alias)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ResolveCA("unknown")
	assert.Error(t, err)
}

func TestDirectoryURL(t *testing.T) {
	url, err := DirectoryURL(CALetsEncrypt, "staging")
	assert.NoError(t, err)
	assert.Equal(t, "https://acme-staging-v02.api.letsencrypt.org/directory", url)

	url, err = DirectoryURL(CABuyPass, "production")
	assert.NoError(t, err)
	assert.Equal(t, "https://api.buypass.com/acme/directory", url)

	// ZeroSSL only issues from production
	_, err = DirectoryURL(CAZeroSSL, "staging")
	assert.Error(t, err)

	_, err = DirectoryURL("Unknown", "staging")
	assert.Error(t, err)
}

func TestNewEcdsaCsr(t *testing.T) {
	csr, err := NewEcdsaCsr([]string{"example.com", "*.example.com"})
	require.NoError(t, err)

	block, _ := pem.Decode(csr.CsrPEM)
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE REQUEST", block.Type)

	req, err := x509.ParseCertificateRequest(csr.CsrDER)
	require.NoError(t, err)
	assert.Equal(t, "example.com", req.Subject.CommonName)
	assert.Equal(t, []string{"example.com", "*.example.com"}, req.DNSNames)
	assert.NoError(t, req.CheckSignature())

	key, err := certcrypto.ParsePEMPrivateKey(csr.PrivateKeyPEM)
	require.NoError(t, err)
	assert.NotNil(t, key)

	_, err = NewEcdsaCsr(nil)
	assert.Error(t, err)
}

func TestKeyAuthorization(t *testing.T) {
	keyPEM, err := NewAccountKey()
	require.NoError(t, err)
	key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
	require.NoError(t, err)

	keyAuth, err := KeyAuthorization("token123", key)
	require.NoError(t, err)
	parts := strings.SplitN(keyAuth, ".", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "token123", parts[0])

	thumb, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	assert.Len(t, thumb, sha256.Size)

	// deterministic for the same key and token
	again, err := KeyAuthorization("token123", key)
	require.NoError(t, err)
	assert.Equal(t, keyAuth, again)
}

func TestSignKeyValue(t *testing.T) {
	keyPEM, err := NewAccountKey()
	require.NoError(t, err)

	key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
	require.NoError(t, err)
	client := &LegoClient{key: key}

	value, err := client.SignKey("example.com", "token123")
	require.NoError(t, err)

	// TXT value is the base64url sha256 of the key authorization
	keyAuth, err := KeyAuthorization("token123", key)
	require.NoError(t, err)
	sum := sha256.Sum256([]byte(keyAuth))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), value)

	// wildcard identifiers sign the base domain
	wildcard, err := client.SignKey("*.example.com", "token123")
	require.NoError(t, err)
	assert.Equal(t, value, wildcard)
}

func TestAccountKeyJWK(t *testing.T) {
	keyPEM, err := NewAccountKey()
	require.NoError(t, err)

	jwk, err := AccountKeyJWK(keyPEM)
	require.NoError(t, err)
	assert.Contains(t, jwk, `"kty":"EC"`)
	assert.NotContains(t, jwk, `"d"`)
}
