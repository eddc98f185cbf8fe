package dns

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/certmate/certmate/httpx"
	"github.com/certmate/certmate/memcache"
)

const cloudflareEndpoint = "https://api.cloudflare.com/client/v4"

func init() {
	Register("cloudflare", func(payload map[string]string, client *httpx.Client) (Provider, error) {
		token, ok := payload["token"]
		if !ok || token == "" {
			return nil, fmt.Errorf("cloudflare credential payload requires a token")
		}
		return &Cloudflare{
			endpoint: cloudflareEndpoint,
			token:    token,
			client:   client,
			zones:    memcache.New[string](),
		}, nil
	})
}

// Cloudflare talks to the Cloudflare v4 API with a bearer token scoped to
// Zone.Zone (read) and Zone.DNS (edit).
type Cloudflare struct {
	endpoint string
	token    string
	client   *httpx.Client
	// zones caches domain to zone id lookups for the provider's lifetime
	zones *memcache.MemCache[string]
}

func (c *Cloudflare) Name() string { return "cloudflare" }

func (c *Cloudflare) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.token,
		"Content-Type":  "application/json",
	}
}

type cloudflareEnvelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result json.RawMessage `json:"result"`
}

type cloudflareRecord struct {
	ID       string `json:"id"`
	ZoneID   string `json:"zone_id"`
	ZoneName string `json:"zone_name"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	TTL      int    `json:"ttl"`
}

func (c *Cloudflare) call(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var envelope cloudflareEnvelope
	if err := c.client.DoJSON(ctx, method, c.endpoint+"/"+path, c.headers(), body, &envelope); err != nil {
		return err
	}
	if !envelope.Success {
		if len(envelope.Errors) > 0 {
			return &httpx.ProviderError{
				Provider: "Cloudflare",
				Code:     envelope.Errors[0].Code,
				Message:  envelope.Errors[0].Message,
			}
		}
		return &httpx.ProviderError{Provider: "Cloudflare", Message: "request failed"}
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, result)
}

func (c *Cloudflare) zoneID(ctx context.Context, domain string) (string, error) {
	if zone, ok := c.zones.Get(domain); ok {
		return zone, nil
	}

	var zones []struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, "GET", "zones?name="+url.QueryEscape(domain), nil, &zones); err != nil {
		return "", err
	}
	if len(zones) == 0 {
		return "", &httpx.ProviderError{Provider: "Cloudflare", Message: fmt.Sprintf("zone %s not found", domain)}
	}
	c.zones.Set(domain, zones[0].ID)
	return zones[0].ID, nil
}

func recordName(domain, subdomain string) string {
	if subdomain == "@" || subdomain == "" {
		return domain
	}
	return subdomain + "." + domain
}

func (c *Cloudflare) ListRecords(ctx context.Context, domain, subdomain, rtype string) ([]Record, error) {
	zone, err := c.zoneID(ctx, domain)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("name", recordName(domain, subdomain))
	query.Set("type", rtype)

	var raw []cloudflareRecord
	if err := c.call(ctx, "GET", "zones/"+zone+"/dns_records?"+query.Encode(), nil, &raw); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(raw))
	for _, rec := range raw {
		records = append(records, Record{
			Domain:    rec.ZoneName,
			Subdomain: subdomain,
			Type:      rec.Type,
			Value:     rec.Content,
			RawID:     rec.ZoneID + ":" + rec.ID,
			TTL:       rec.TTL,
		})
	}
	return records, nil
}

func (c *Cloudflare) CreateRecord(ctx context.Context, rec Record) error {
	zone, err := c.zoneID(ctx, rec.Domain)
	if err != nil {
		return err
	}
	ttl := rec.TTL
	if ttl == 0 {
		// 1 means automatic
		ttl = 1
	}
	body := map[string]interface{}{
		"type":    rec.Type,
		"name":    recordName(rec.Domain, rec.Subdomain),
		"content": rec.Value,
		"ttl":     ttl,
	}
	return c.call(ctx, "POST", "zones/"+zone+"/dns_records", body, nil)
}

// DeleteRecord expects the "zoneID:recordID" composite produced by
// ListRecords.
func (c *Cloudflare) DeleteRecord(ctx context.Context, rawID string) error {
	parts := strings.SplitN(rawID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("malformed cloudflare record id %q", rawID)
	}
	return c.call(ctx, "DELETE", "zones/"+parts[0]+"/dns_records/"+parts[1], nil, nil)
}

func (c *Cloudflare) CheckCreds(ctx context.Context) error {
	return c.call(ctx, "GET", "user/tokens/verify", nil, nil)
}
