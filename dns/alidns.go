package dns

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/certmate/certmate/httpx"
)

const alidnsEndpoint = "https://alidns.aliyuncs.com"

const alidnsAPIVersion = "2015-01-09"

func init() {
	Register("alidns", func(payload map[string]string, client *httpx.Client) (Provider, error) {
		keyID, keySecret := payload["access_key_id"], payload["access_key_secret"]
		if keyID == "" || keySecret == "" {
			return nil, fmt.Errorf("alidns credential payload requires access_key_id and access_key_secret")
		}
		return &Alidns{
			endpoint:  alidnsEndpoint,
			keyID:     keyID,
			keySecret: keySecret,
			client:    client,
		}, nil
	})
}

// Alidns talks to the Alibaba Cloud DNS query API with HMAC-SHA1 signed
// requests.
type Alidns struct {
	endpoint  string
	keyID     string
	keySecret string
	client    *httpx.Client
}

func (a *Alidns) Name() string { return "alidns" }

func nonce() string {
	buf := make([]byte, 5)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// signQuery computes the RPC-style signature over the sorted canonical query.
func signQuery(method, path string, params url.Values, secret string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+url.QueryEscape(params.Get(key)))
	}
	canonical := strings.Join(pairs, "&")

	stringToSign := method + "&" + url.QueryEscape(path) + "&" + url.QueryEscape(canonical)
	mac := hmac.New(sha1.New, []byte(secret+"&"))
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type alidnsError struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

func (a *Alidns) action(ctx context.Context, params map[string]string, result interface{}) error {
	query := url.Values{}
	query.Set("Format", "JSON")
	query.Set("Version", alidnsAPIVersion)
	query.Set("AccessKeyId", a.keyID)
	query.Set("SignatureMethod", "HMAC-SHA1")
	query.Set("Timestamp", time.Now().UTC().Format("2006-01-02T15:04:05Z"))
	query.Set("SignatureVersion", "1.0")
	query.Set("SignatureNonce", nonce())
	for key, value := range params {
		query.Set(key, value)
	}
	query.Set("Signature", signQuery("GET", "/", query, a.keySecret))

	resp, err := a.client.Do(ctx, "GET", a.endpoint+"/?"+query.Encode(), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return err
	}

	var apiErr alidnsError
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Code != "" && apiErr.Message != "" {
		return &httpx.ProviderError{Provider: "Alidns", StatusCode: resp.StatusCode, Message: apiErr.Message}
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(raw, result)
}

type alidnsRecordList struct {
	DomainRecords struct {
		Record []struct {
			RecordID   string `json:"RecordId"`
			RR         string `json:"RR"`
			Type       string `json:"Type"`
			Value      string `json:"Value"`
			TTL        int    `json:"TTL"`
			DomainName string `json:"DomainName"`
		} `json:"Record"`
	} `json:"DomainRecords"`
}

func (a *Alidns) ListRecords(ctx context.Context, domain, subdomain, rtype string) ([]Record, error) {
	var list alidnsRecordList
	err := a.action(ctx, map[string]string{
		"Action":     "DescribeSubDomainRecords",
		"DomainName": domain,
		"SubDomain":  recordName(domain, subdomain),
		"Type":       rtype,
	}, &list)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(list.DomainRecords.Record))
	for _, rec := range list.DomainRecords.Record {
		records = append(records, Record{
			Domain:    rec.DomainName,
			Subdomain: rec.RR,
			Type:      rec.Type,
			Value:     rec.Value,
			RawID:     rec.RecordID,
			TTL:       rec.TTL,
		})
	}
	return records, nil
}

func (a *Alidns) CreateRecord(ctx context.Context, rec Record) error {
	return a.action(ctx, map[string]string{
		"Action":     "AddDomainRecord",
		"DomainName": rec.Domain,
		"RR":         rec.Subdomain,
		"Type":       rec.Type,
		"Value":      rec.Value,
	}, nil)
}

func (a *Alidns) DeleteRecord(ctx context.Context, rawID string) error {
	return a.action(ctx, map[string]string{
		"Action":   "DeleteDomainRecord",
		"RecordId": rawID,
	}, nil)
}

func (a *Alidns) CheckCreds(ctx context.Context) error {
	return a.action(ctx, map[string]string{
		"Action": "DescribeDomains",
	}, nil)
}
