// Package acmeclient wraps the low-level ACME protocol operations the order
// state machine drives: account registration, order and authorization
// lifecycle, challenge triggering, finalization and certificate download.
package acmeclient

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/exp/maps"
)

// Canonical certificate authority names.
const (
	CALetsEncrypt = "LetsEncrypt"
	CAZeroSSL     = "ZeroSSL"
	CABuyPass     = "BuyPass"
)

// caAliases maps the accepted CLI spellings to canonical CA names.
var caAliases = map[string]string{
	"letsencrypt": CALetsEncrypt,
	"le":          CALetsEncrypt,
	"zerossl":     CAZeroSSL,
	"zs":          CAZeroSSL,
	"buypass":     CABuyPass,
	"bp":          CABuyPass,
}

// ResolveCA turns a CLI alias into a canonical CA name.
func ResolveCA(alias string) (string, error) {
	if ca, ok := caAliases[alias]; ok {
		return ca, nil
	}
	return "", fmt.Errorf("unknown certificate authority %q, options: letsencrypt | le | zerossl | zs | buypass | bp", alias)
}

var directoryURLs = map[string]map[string]string{
	CALetsEncrypt: {
		"staging":    "https://acme-staging-v02.api.letsencrypt.org/directory",
		"production": "https://acme-v02.api.letsencrypt.org/directory",
	},
	CABuyPass: {
		"staging":    "https://api.test4.buypass.no/acme/directory",
		"production": "https://api.buypass.com/acme/directory",
	},
	CAZeroSSL: {
		"production": "https://acme.zerossl.com/v2/DV90",
	},
}

// SupportedCAs lists the canonical CA names with a known directory.
func SupportedCAs() []string {
	cas := maps.Keys(directoryURLs)
	sort.Strings(cas)
	return cas
}

// DirectoryURL returns the ACME directory endpoint for a CA name, canonical
// or alias, and environment.
func DirectoryURL(ca, env string) (string, error) {
	if canonical, err := ResolveCA(ca); err == nil {
		ca = canonical
	}
	envs, ok := directoryURLs[ca]
	if !ok {
		return "", fmt.Errorf("unknown certificate authority %q", ca)
	}
	url, ok := envs[env]
	if !ok {
		return "", fmt.Errorf("%s has no %s environment", ca, env)
	}
	return url, nil
}

type Identifier struct {
	Type  string
	Value string
}

// Order is the CA-side view of a certificate order.
type Order struct {
	URL               string
	Status            string
	Expires           time.Time
	Identifiers       []Identifier
	AuthorizationURLs []string
	FinalizeURL       string
	CertificateURL    string
}

// Authorization is the CA-side view of a single identifier authorization.
type Authorization struct {
	Status     string
	Expires    time.Time
	Identifier Identifier
	Wildcard   bool
	Challenges []Challenge
}

// Challenge is the CA-side view of one challenge of an authorization.
type Challenge struct {
	URL         string
	Type        string
	Status      string
	Token       string
	ErrorDetail string
}

// Client is the protocol collaborator consumed by the order state machine.
// Implementations must bound every call in time; a call that exceeds its
// deadline returns an error matchable as *httpx.TimeoutError.
type Client interface {
	// Register creates (or recovers) the CA-side account and returns its URL.
	Register(ctx context.Context) (string, error)
	// CreateOrder submits a new order for the given identifiers.
	CreateOrder(ctx context.Context, domains []string) (*Order, error)
	// RestoreOrder fetches the current CA-side state of an order by URL.
	RestoreOrder(ctx context.Context, url string) (*Order, error)
	// RestoreAuthorization fetches an authorization by URL.
	RestoreAuthorization(ctx context.Context, url string) (*Authorization, error)
	// RestoreChallenge fetches a challenge by URL.
	RestoreChallenge(ctx context.Context, url string) (*Challenge, error)
	// Accept tells the CA the challenge is ready to be validated.
	Accept(ctx context.Context, challengeURL string) (*Challenge, error)
	// Finalize submits the CSR (DER) to the order's finalize endpoint.
	Finalize(ctx context.Context, finalizeURL string, csrDER []byte) (*Order, error)
	// DownloadCertificate fetches the issued certificate and its issuer chain.
	DownloadCertificate(ctx context.Context, certURL string) (cert, issuer []byte, err error)
	// SignKey builds the DNS TXT record value proving control of domain.
	SignKey(domain, token string) (string, error)
}
