package dns

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certmate/certmate/httpx"
	"github.com/certmate/certmate/memcache"
)

func TestSplitHostname(t *testing.T) {
	tests := []struct {
		hostname  string
		domain    string
		subdomain string
	}{
		{"example.com", "example.com", "@"},
		{"www.example.com", "example.com", "www"},
		{"_acme-challenge.example.com", "example.com", "_acme-challenge"},
		{"_acme-challenge.foo.example.co.uk", "example.co.uk", "_acme-challenge.foo"},
		{"example.com.", "example.com", "@"},
	}
	for _, tc := range tests {
		domain, subdomain, err := SplitHostname(tc.hostname)
		require.NoError(t, err, tc.hostname)
		assert.Equal(t, tc.domain, domain, tc.hostname)
		assert.Equal(t, tc.subdomain, subdomain, tc.hostname)
	}

	_, _, err := SplitHostname("localhost")
	assert.Error(t, err)
}

func TestProviderRegistry(t *testing.T) {
	assert.Equal(t, []string{"alidns", "cloudflare"}, Supported())

	_, err := New("route53", nil, nil)
	assert.Error(t, err)

	_, err = New("cloudflare", map[string]string{}, nil)
	assert.Error(t, err)

	provider, err := New("cloudflare", map[string]string{"token": "abc"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "cloudflare", provider.Name())

	_, err = New("alidns", map[string]string{"access_key_id": "id"}, nil)
	assert.Error(t, err)
}

func newCloudflareServer(t *testing.T) (*Cloudflare, *httptest.Server, map[string]int) {
	t.Helper()
	calls := map[string]int{}
	mux := http.NewServeMux()
	mux.HandleFunc("/zones", func(w http.ResponseWriter, r *http.Request) {
		calls["zones"]++
		if r.URL.Query().Get("name") != "example.com" {
			fmt.Fprint(w, `{"success":true,"errors":[],"result":[]}`)
			return
		}
		fmt.Fprint(w, `{"success":true,"errors":[],"result":[{"id":"zone1"}]}`)
	})
	mux.HandleFunc("/zones/zone1/dns_records", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			calls["list"]++
			fmt.Fprint(w, `{"success":true,"errors":[],"result":[{"id":"rec1","zone_id":"zone1","zone_name":"example.com","name":"_acme-challenge.example.com","type":"TXT","content":"tok","ttl":1}]}`)
		case http.MethodPost:
			calls["create"]++
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "_acme-challenge.example.com", body["name"])
			assert.Equal(t, "TXT", body["type"])
			assert.Equal(t, float64(1), body["ttl"])
			fmt.Fprint(w, `{"success":true,"errors":[],"result":{"id":"rec2"}}`)
		}
	})
	mux.HandleFunc("/zones/zone1/dns_records/rec1", func(w http.ResponseWriter, r *http.Request) {
		calls["delete"]++
		assert.Equal(t, http.MethodDelete, r.Method)
		fmt.Fprint(w, `{"success":true,"errors":[],"result":{"id":"rec1"}}`)
	})
	mux.HandleFunc("/user/tokens/verify", func(w http.ResponseWriter, r *http.Request) {
		calls["verify"]++
		if r.Header.Get("Authorization") != "Bearer good" {
			fmt.Fprint(w, `{"success":false,"errors":[{"code":1000,"message":"Invalid API Token"}],"result":null}`)
			return
		}
		fmt.Fprint(w, `{"success":true,"errors":[],"result":{"status":"active"}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	provider := &Cloudflare{
		endpoint: srv.URL,
		token:    "good",
		client:   httpx.NewTestClient(srv.Client()),
		zones:    memcache.New[string](),
	}
	return provider, srv, calls
}

func TestCloudflareListRecords(t *testing.T) {
	provider, _, _ := newCloudflareServer(t)

	records, err := provider.ListRecords(context.Background(), "example.com", "_acme-challenge", "TXT")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "tok", records[0].Value)
	assert.Equal(t, "zone1:rec1", records[0].RawID)
	assert.Equal(t, "_acme-challenge.example.com", records[0].Hostname())
}

func TestCloudflareCreateAndDelete(t *testing.T) {
	provider, _, calls := newCloudflareServer(t)

	err := provider.CreateRecord(context.Background(), Record{
		Domain:    "example.com",
		Subdomain: "_acme-challenge",
		Type:      "TXT",
		Value:     "tok",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls["create"])

	require.NoError(t, provider.DeleteRecord(context.Background(), "zone1:rec1"))
	assert.Equal(t, 1, calls["delete"])

	assert.Error(t, provider.DeleteRecord(context.Background(), "rec1"))

	// the zone lookup is cached per provider instance
	err = provider.CreateRecord(context.Background(), Record{
		Domain:    "example.com",
		Subdomain: "_acme-challenge",
		Type:      "TXT",
		Value:     "tok2",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls["zones"])
}

func TestCloudflareZoneNotFound(t *testing.T) {
	provider, _, _ := newCloudflareServer(t)

	_, err := provider.ListRecords(context.Background(), "other.org", "www", "TXT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zone other.org not found")
}

func TestCloudflareBadToken(t *testing.T) {
	provider, _, _ := newCloudflareServer(t)
	provider.token = "bad"

	err := provider.CheckCreds(context.Background())
	require.Error(t, err)
	var provErr *httpx.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, 1000, provErr.Code)
	assert.Contains(t, err.Error(), "Invalid API Token")
}

func TestAlidnsSignQuery(t *testing.T) {
	params := url.Values{}
	params.Set("Action", "DescribeDomains")
	params.Set("Format", "JSON")
	params.Set("AccessKeyId", "testid")

	sig1 := signQuery("GET", "/", params, "testsecret")
	sig2 := signQuery("GET", "/", params, "testsecret")
	assert.Equal(t, sig1, sig2)
	assert.NotEqual(t, sig1, signQuery("GET", "/", params, "other"))
}

func newAlidnsServer(t *testing.T, handler func(action string, query url.Values, w http.ResponseWriter)) *Alidns {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		expected := signQuery("GET", "/", withoutSignature(query), "secret")
		require.Equal(t, expected, query.Get("Signature"))
		handler(query.Get("Action"), query, w)
	}))
	t.Cleanup(srv.Close)

	return &Alidns{
		endpoint:  srv.URL,
		keyID:     "key",
		keySecret: "secret",
		client:    httpx.NewTestClient(srv.Client()),
	}
}

func withoutSignature(query url.Values) url.Values {
	clone := url.Values{}
	for key, values := range query {
		if key == "Signature" {
			continue
		}
		clone[key] = values
	}
	return clone
}

func TestAlidnsRecords(t *testing.T) {
	deleted := ""
	provider := newAlidnsServer(t, func(action string, query url.Values, w http.ResponseWriter) {
		switch action {
		case "DescribeSubDomainRecords":
			assert.Equal(t, "example.com", query.Get("DomainName"))
			assert.Equal(t, "_acme-challenge.example.com", query.Get("SubDomain"))
			fmt.Fprint(w, `{"DomainRecords":{"Record":[{"RecordId":"42","RR":"_acme-challenge","Type":"TXT","Value":"tok","TTL":600,"DomainName":"example.com"}]}}`)
		case "AddDomainRecord":
			assert.Equal(t, "_acme-challenge", query.Get("RR"))
			fmt.Fprint(w, `{"RecordId":"43"}`)
		case "DeleteDomainRecord":
			deleted = query.Get("RecordId")
			fmt.Fprint(w, `{"RecordId":"42"}`)
		}
	})

	records, err := provider.ListRecords(context.Background(), "example.com", "_acme-challenge", "TXT")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "42", records[0].RawID)
	assert.Equal(t, "tok", records[0].Value)

	err = provider.CreateRecord(context.Background(), Record{
		Domain:    "example.com",
		Subdomain: "_acme-challenge",
		Type:      "TXT",
		Value:     "tok2",
	})
	require.NoError(t, err)

	require.NoError(t, provider.DeleteRecord(context.Background(), "42"))
	assert.Equal(t, "42", deleted)
}

func TestAlidnsError(t *testing.T) {
	provider := newAlidnsServer(t, func(action string, query url.Values, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"Code":"InvalidAccessKeyId.NotFound","Message":"Specified access key is not found."}`)
	})

	err := provider.CheckCreds(context.Background())
	require.Error(t, err)
	var provErr *httpx.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Contains(t, provErr.Message, "access key is not found")
}

type fakeProvider struct {
	records   []Record
	nextID    int
	listCalls int
	creates   int
	deletes   int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ListRecords(_ context.Context, domain, subdomain, rtype string) ([]Record, error) {
	f.listCalls++
	var out []Record
	for _, rec := range f.records {
		if rec.Domain == domain && rec.Subdomain == subdomain && rec.Type == rtype {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeProvider) CreateRecord(_ context.Context, rec Record) error {
	f.creates++
	f.nextID++
	rec.RawID = fmt.Sprintf("id%d", f.nextID)
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeProvider) DeleteRecord(_ context.Context, rawID string) error {
	f.deletes++
	for i, rec := range f.records {
		if rec.RawID == rawID {
			f.records = append(f.records[:i], f.records[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("record %s not found", rawID)
}

func (f *fakeProvider) CheckCreds(_ context.Context) error { return nil }

func TestReconcilerEnsureIdempotent(t *testing.T) {
	provider := &fakeProvider{}
	rec := NewReconciler(provider, log.NewNopLogger())
	ctx := context.Background()

	created, err := rec.EnsureRecord(ctx, "_acme-challenge.example.com", "TXT", "tok")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, provider.creates)

	// second ensure with the same value is a no-op
	created, err = rec.EnsureRecord(ctx, "_acme-challenge.example.com", "TXT", "tok")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, provider.creates)

	// a different value is a distinct record
	created, err = rec.EnsureRecord(ctx, "_acme-challenge.example.com", "TXT", "tok2")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, provider.creates)
	assert.Len(t, provider.records, 2)
}

func TestReconcilerRemoveIdempotent(t *testing.T) {
	provider := &fakeProvider{}
	rec := NewReconciler(provider, log.NewNopLogger())
	ctx := context.Background()

	_, err := rec.EnsureRecord(ctx, "_acme-challenge.example.com", "TXT", "tok")
	require.NoError(t, err)

	deleted, err := rec.RemoveRecord(ctx, "_acme-challenge.example.com", "TXT", "tok")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 1, provider.deletes)
	assert.Empty(t, provider.records)

	// removing again does not call the provider delete
	deleted, err = rec.RemoveRecord(ctx, "_acme-challenge.example.com", "TXT", "tok")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, 1, provider.deletes)
}

func TestVerifierNameserverPorts(t *testing.T) {
	verifier := NewVerifier([]string{"1.1.1.1", "8.8.8.8:5353"})
	require.NotNil(t, verifier.resolver)
	assert.True(t, verifier.resolver.PreferGo)

	assert.Same(t, net.DefaultResolver, NewVerifier(nil).resolver)
}
