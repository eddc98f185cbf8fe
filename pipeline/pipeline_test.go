package pipeline

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certmate/certmate/acmeclient"
	"github.com/certmate/certmate/dns"
	"github.com/certmate/certmate/httpx"
	"github.com/certmate/certmate/models"
	"github.com/certmate/certmate/orders"
	"github.com/certmate/certmate/storage/sqlite"
)

// memDNS is a process-local DNS provider so pipeline runs never leave the
// test.
type memDNS struct {
	mu      sync.Mutex
	records map[string]dns.Record
	nextID  int
}

var testDNS = &memDNS{records: map[string]dns.Record{}}

func init() {
	dns.Register("memtest", func(map[string]string, *httpx.Client) (dns.Provider, error) {
		return testDNS, nil
	})
}

func (m *memDNS) Name() string { return "memtest" }

func (m *memDNS) ListRecords(_ context.Context, domain, subdomain, rtype string) ([]dns.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dns.Record
	for _, rec := range m.records {
		if rec.Domain == domain && rec.Subdomain == subdomain && rec.Type == rtype {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memDNS) CreateRecord(_ context.Context, rec dns.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.RawID = fmt.Sprintf("mem%d", m.nextID)
	m.records[rec.RawID] = rec
	return nil
}

func (m *memDNS) DeleteRecord(_ context.Context, rawID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rawID]; !ok {
		return fmt.Errorf("record %s not found", rawID)
	}
	delete(m.records, rawID)
	return nil
}

func (m *memDNS) CheckCreds(_ context.Context) error { return nil }

func (m *memDNS) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = map[string]dns.Record{}
}

func (m *memDNS) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// fakeACME validates any order on the second polling round and issues
// certPEM.
type fakeACME struct {
	mu          sync.Mutex
	seq         int
	certPEM     string
	authzDomain map[string]string
	accepted    map[string]bool
	finalized   map[string]bool
	orderByURL  map[string]*acmeclient.Order
}

func newFakeACME(certPEM string) *fakeACME {
	return &fakeACME{
		certPEM:     certPEM,
		authzDomain: map[string]string{},
		accepted:    map[string]bool{},
		finalized:   map[string]bool{},
		orderByURL:  map[string]*acmeclient.Order{},
	}
}

func (f *fakeACME) Register(context.Context) (string, error) {
	return "https://ca.test/acct/1", nil
}

func (f *fakeACME) CreateOrder(_ context.Context, domains []string) (*acmeclient.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	orderURL := fmt.Sprintf("https://ca.test/order/%d", f.seq)

	order := &acmeclient.Order{
		URL:         orderURL,
		Status:      models.StatusPending,
		Expires:     time.Now().Add(7 * 24 * time.Hour),
		FinalizeURL: orderURL + "/finalize",
	}
	for i, domain := range domains {
		value := strings.TrimPrefix(domain, "*.")
		authzURL := fmt.Sprintf("%s/authz/%d", orderURL, i)
		f.authzDomain[authzURL] = domain
		order.Identifiers = append(order.Identifiers, acmeclient.Identifier{Type: "dns", Value: value})
		order.AuthorizationURLs = append(order.AuthorizationURLs, authzURL)
	}
	f.orderByURL[orderURL] = order
	return order, nil
}

func (f *fakeACME) authzStatus(authzURL string) string {
	if f.accepted[authzURL+"/chal"] {
		return models.StatusValid
	}
	return models.StatusPending
}

func (f *fakeACME) RestoreAuthorization(_ context.Context, url string) (*acmeclient.Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	domain, ok := f.authzDomain[url]
	if !ok {
		return nil, fmt.Errorf("unknown authorization %s", url)
	}
	status := f.authzStatus(url)
	return &acmeclient.Authorization{
		Status:     status,
		Expires:    time.Now().Add(24 * time.Hour),
		Identifier: acmeclient.Identifier{Type: "dns", Value: strings.TrimPrefix(domain, "*.")},
		Wildcard:   strings.HasPrefix(domain, "*."),
		Challenges: []acmeclient.Challenge{{
			URL:    url + "/chal",
			Type:   "dns-01",
			Status: status,
			Token:  "tok-" + domain,
		}},
	}, nil
}

func (f *fakeACME) RestoreChallenge(_ context.Context, url string) (*acmeclient.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := models.StatusPending
	if f.accepted[url] {
		status = models.StatusValid
	}
	return &acmeclient.Challenge{URL: url, Type: "dns-01", Status: status}, nil
}

func (f *fakeACME) Accept(_ context.Context, challengeURL string) (*acmeclient.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted[challengeURL] = true
	return &acmeclient.Challenge{URL: challengeURL, Type: "dns-01", Status: models.StatusProcessing}, nil
}

func (f *fakeACME) RestoreOrder(_ context.Context, url string) (*acmeclient.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orderByURL[url]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", url)
	}
	view := *order
	if f.finalized[url] {
		view.Status = models.StatusValid
		view.CertificateURL = url + "/cert"
	} else {
		view.Status = models.StatusReady
	}
	return &view, nil
}

func (f *fakeACME) Finalize(_ context.Context, finalizeURL string, _ []byte) (*acmeclient.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	orderURL := strings.TrimSuffix(finalizeURL, "/finalize")
	order, ok := f.orderByURL[orderURL]
	if !ok {
		return nil, fmt.Errorf("unknown finalize url %s", finalizeURL)
	}
	f.finalized[orderURL] = true
	view := *order
	view.Status = models.StatusValid
	view.CertificateURL = orderURL + "/cert"
	return &view, nil
}

func (f *fakeACME) DownloadCertificate(context.Context, string) ([]byte, []byte, error) {
	return []byte(f.certPEM), []byte("issuer chain\n"), nil
}

func (f *fakeACME) SignKey(domain, token string) (string, error) {
	return "txt-" + domain + "-" + token, nil
}

func issuedPEM(t *testing.T, notAfter time.Time) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func writeSpec(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "certmate.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestPipeline(t *testing.T, acme *fakeACME) (*Pipeline, *sqlite.Store) {
	t.Helper()
	testDNS.reset()

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.CreateAccount(ctx, &models.Account{
		CA:         acmeclient.CALetsEncrypt,
		Env:        models.EnvStaging,
		Email:      "ops@example.com",
		AccountURL: "https://ca.test/acct/1",
		PrivateKey: "unused by the fake",
	}))
	require.NoError(t, store.SaveDnsCred(ctx, &models.DnsCred{
		Name:     "mem-main",
		Provider: "memtest",
		Payload:  map[string]string{},
	}))

	p := New(store, nil, log.NewNopLogger(), orders.Options{
		PollInterval: time.Millisecond,
		MaxRounds:    20,
	})
	p.newACME = func(acmeclient.Config) (acmeclient.Client, error) {
		return acme, nil
	}
	return p, store
}

func TestLoadSpec(t *testing.T) {
	path := writeSpec(t, `
[defaults]
ca = "letsencrypt"
env = "staging"
email = "ops@example.com"
dns_cred = "mem-main"

[[certificate]]
domains = ["example.com", "*.example.com"]

[[certificate]]
name = "other"
domains = ["other.org"]
ca = "zerossl"

  [[certificate.deploy]]
  uri = "local:///etc/ssl/other.org.crt"
  reload_cmd = "systemctl reload nginx"
`)
	spec, err := LoadSpec(path)
	require.NoError(t, err)
	require.Len(t, spec.Certificates, 2)

	first := spec.merged(spec.Certificates[0])
	assert.Equal(t, "example.com", first.Name)
	assert.Equal(t, "letsencrypt", first.CA)
	assert.Equal(t, "mem-main", first.DNSCred)

	second := spec.merged(spec.Certificates[1])
	assert.Equal(t, "zerossl", second.CA)
	require.Len(t, second.Deploy, 1)
	assert.Equal(t, "systemctl reload nginx", second.Deploy[0].ReloadCmd)
}

func TestLoadSpecRejectsInvalid(t *testing.T) {
	_, err := LoadSpec(writeSpec(t, `[defaults]`))
	assert.Error(t, err)

	_, err = LoadSpec(writeSpec(t, `
[[certificate]]
name = "x"
ca = "letsencrypt"
email = "a@b.c"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no domains")

	_, err = LoadSpec(writeSpec(t, `
[[certificate]]
domains = ["dup.example.com"]
ca = "letsencrypt"
email = "a@b.c"

[[certificate]]
domains = ["dup.example.com"]
ca = "letsencrypt"
email = "a@b.c"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defined twice")
}

func TestApplyEndToEnd(t *testing.T) {
	acme := newFakeACME(issuedPEM(t, time.Now().Add(90*24*time.Hour)))
	p, store := newTestPipeline(t, acme)
	ctx := context.Background()

	certFile := filepath.Join(t.TempDir(), "example.com.crt")
	spec := &Spec{
		Defaults: Defaults{CA: "letsencrypt", Env: models.EnvStaging, Email: "ops@example.com", DNSCred: "mem-main"},
		Certificates: []CertificateSpec{{
			Domains: []string{"example.com", "*.example.com"},
			Deploy:  []DeploySpec{{URI: "local://" + certFile}},
		}},
	}
	require.NoError(t, spec.validate())
	require.NoError(t, p.Apply(ctx, spec))

	order, err := store.FindOrderByName(ctx, acmeclient.CALetsEncrypt, models.EnvStaging, "example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusValid, order.Status)

	cert, err := store.FindCertByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
	assert.NotEmpty(t, cert.PrivateKey)
	assert.FileExists(t, certFile)

	// challenge records were published and then cleaned up
	assert.Equal(t, 0, testDNS.count())

	// the deployment target was persisted with its derived uri
	deps, err := store.FindDeploymentsByDomain(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "local://"+certFile, deps[0].URI)

	// a second apply reuses the valid order and only re-checks deployments
	require.NoError(t, p.Apply(ctx, spec))
	again, err := store.FindOrderByName(ctx, acmeclient.CALetsEncrypt, models.EnvStaging, "example.com")
	require.NoError(t, err)
	assert.Equal(t, order.ID, again.ID)
}

func TestApplyEntriesFailIndependently(t *testing.T) {
	acme := newFakeACME(issuedPEM(t, time.Now().Add(90*24*time.Hour)))
	p, store := newTestPipeline(t, acme)
	ctx := context.Background()

	certFile := filepath.Join(t.TempDir(), "good.crt")
	spec := &Spec{
		Defaults: Defaults{CA: "letsencrypt", Env: models.EnvStaging, Email: "ops@example.com", DNSCred: "mem-main"},
		Certificates: []CertificateSpec{
			{Domains: []string{"nobody.example.com"}, Email: "unknown@example.com"},
			{Domains: []string{"good.example.com"}, Deploy: []DeploySpec{{URI: "local://" + certFile}}},
		},
	}

	err := p.Apply(ctx, spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 pipeline entries failed")
	assert.Contains(t, err.Error(), "nobody.example.com")

	order, err := store.FindOrderByName(ctx, acmeclient.CALetsEncrypt, models.EnvStaging, "good.example.com")
	require.NoError(t, err)
	assert.Equal(t, models.StatusValid, order.Status)
	assert.FileExists(t, certFile)
}

func TestRenewReissuesExpiring(t *testing.T) {
	acme := newFakeACME(issuedPEM(t, time.Now().Add(30*time.Minute)))
	p, store := newTestPipeline(t, acme)
	ctx := context.Background()

	spec := &Spec{
		Defaults: Defaults{CA: "letsencrypt", Env: models.EnvStaging, Email: "ops@example.com", DNSCred: "mem-main"},
		Certificates: []CertificateSpec{{
			Domains: []string{"example.com"},
		}},
	}
	require.NoError(t, p.Apply(ctx, spec))

	first, err := store.FindOrderByName(ctx, acmeclient.CALetsEncrypt, models.EnvStaging, "example.com")
	require.NoError(t, err)

	// next issuance produces a long-lived certificate
	acme.certPEM = issuedPEM(t, time.Now().Add(90*24*time.Hour))
	require.NoError(t, p.Renew(ctx, spec, time.Hour))

	second, err := store.FindOrderByName(ctx, acmeclient.CALetsEncrypt, models.EnvStaging, "example.com")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	expiring, err := store.ListExpiringCerts(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expiring)
}

func TestRenewNoopWhenNothingExpires(t *testing.T) {
	acme := newFakeACME(issuedPEM(t, time.Now().Add(90*24*time.Hour)))
	p, store := newTestPipeline(t, acme)
	ctx := context.Background()

	spec := &Spec{
		Defaults:     Defaults{CA: "letsencrypt", Env: models.EnvStaging, Email: "ops@example.com", DNSCred: "mem-main"},
		Certificates: []CertificateSpec{{Domains: []string{"example.com"}}},
	}
	require.NoError(t, p.Apply(ctx, spec))

	first, err := store.FindOrderByName(ctx, acmeclient.CALetsEncrypt, models.EnvStaging, "example.com")
	require.NoError(t, err)

	require.NoError(t, p.Renew(ctx, spec, time.Hour))

	second, err := store.FindOrderByName(ctx, acmeclient.CALetsEncrypt, models.EnvStaging, "example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}
