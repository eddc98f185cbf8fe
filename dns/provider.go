// Package dns manages the TXT records backing dns-01 proofs: a provider
// interface over heterogeneous DNS APIs, an idempotent reconciler on top of
// it, and resolver-based record verification.
package dns

import (
	"context"
	"fmt"
	"sort"

	"github.com/certmate/certmate/httpx"
)

// Record is one DNS record as seen through a provider.
type Record struct {
	Domain    string
	Subdomain string
	Type      string
	Value     string
	// RawID is the provider's opaque record identifier, used for deletion.
	RawID string
	TTL   int
}

// Hostname rebuilds the record owner name.
func (r Record) Hostname() string {
	if r.Subdomain == "@" || r.Subdomain == "" {
		return r.Domain
	}
	return r.Subdomain + "." + r.Domain
}

// Provider normalizes one DNS API into record CRUD plus credential checking.
type Provider interface {
	Name() string
	ListRecords(ctx context.Context, domain, subdomain, rtype string) ([]Record, error)
	CreateRecord(ctx context.Context, rec Record) error
	DeleteRecord(ctx context.Context, rawID string) error
	CheckCreds(ctx context.Context) error
}

// Factory builds a provider from a stored credential payload.
type Factory func(payload map[string]string, client *httpx.Client) (Provider, error)

var registry = map[string]Factory{}

// Register binds a provider key to its factory. Called from provider init
// functions.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// New instantiates the provider registered under name.
func New(name string, payload map[string]string, client *httpx.Client) (Provider, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unsupported dns provider %q, options: %v", name, Supported())
	}
	return factory(payload, client)
}

// Supported lists the registered provider keys.
func Supported() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
