package acmeclient

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/challenge/dns01"

	"github.com/certmate/certmate/httpx"
)

const defaultUserAgent = "certmate/1.0"

// Config holds what is needed to talk to one CA account.
type Config struct {
	CA            string
	Env           string
	Email         string
	PrivateKeyPEM []byte
	// AccountURL is the key identifier of an existing account. Leave empty
	// when the account is not registered yet.
	AccountURL string
	Timeout    time.Duration
	UserAgent  string
}

// LegoClient implements Client on top of the lego ACME core.
type LegoClient struct {
	core    *api.Core
	email   string
	key     crypto.PrivateKey
	timeout time.Duration
}

var _ Client = (*LegoClient)(nil)

func New(cfg Config) (*LegoClient, error) {
	key, err := certcrypto.ParsePEMPrivateKey(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}

	directoryURL, err := DirectoryURL(cfg.CA, cfg.Env)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = httpx.DefaultTimeout
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	httpClient := &http.Client{Timeout: timeout}
	core, err := api.New(httpClient, userAgent, directoryURL, cfg.AccountURL, key)
	if err != nil {
		return nil, err
	}

	return &LegoClient{
		core:    core,
		email:   cfg.Email,
		key:     key,
		timeout: timeout,
	}, nil
}

// wrapTimeout converts transport deadline failures into a TimeoutError so
// callers can tell slowness apart from protocol errors.
func (c *LegoClient) wrapTimeout(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &httpx.TimeoutError{Op: op, Timeout: c.timeout, Err: err}
	}
	return err
}

func (c *LegoClient) Register(_ context.Context) (string, error) {
	account, err := c.core.Accounts.New(acme.Account{
		Contact:              []string{"mailto:" + c.email},
		TermsOfServiceAgreed: true,
	})
	if err != nil {
		return "", c.wrapTimeout("register account", err)
	}
	return account.Location, nil
}

func parseACMETime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fromExtendedOrder(order acme.ExtendedOrder) *Order {
	identifiers := make([]Identifier, 0, len(order.Identifiers))
	for _, ident := range order.Identifiers {
		identifiers = append(identifiers, Identifier{Type: ident.Type, Value: ident.Value})
	}
	return &Order{
		URL:               order.Location,
		Status:            order.Status,
		Expires:           parseACMETime(order.Expires),
		Identifiers:       identifiers,
		AuthorizationURLs: order.Authorizations,
		FinalizeURL:       order.Finalize,
		CertificateURL:    order.Certificate,
	}
}

func (c *LegoClient) CreateOrder(_ context.Context, domains []string) (*Order, error) {
	order, err := c.core.Orders.New(domains)
	if err != nil {
		return nil, c.wrapTimeout("create order", err)
	}
	return fromExtendedOrder(order), nil
}

func (c *LegoClient) RestoreOrder(_ context.Context, url string) (*Order, error) {
	order, err := c.core.Orders.Get(url)
	if err != nil {
		return nil, c.wrapTimeout("get order", err)
	}
	restored := fromExtendedOrder(order)
	restored.URL = url
	return restored, nil
}

func fromChallenge(chlg acme.Challenge) Challenge {
	out := Challenge{
		URL:    chlg.URL,
		Type:   chlg.Type,
		Status: chlg.Status,
		Token:  chlg.Token,
	}
	if chlg.Error != nil {
		out.ErrorDetail = chlg.Error.Detail
	}
	return out
}

func (c *LegoClient) RestoreAuthorization(_ context.Context, url string) (*Authorization, error) {
	authz, err := c.core.Authorizations.Get(url)
	if err != nil {
		return nil, c.wrapTimeout("get authorization", err)
	}
	challenges := make([]Challenge, 0, len(authz.Challenges))
	for _, chlg := range authz.Challenges {
		challenges = append(challenges, fromChallenge(chlg))
	}
	return &Authorization{
		Status:     authz.Status,
		Expires:    authz.Expires,
		Identifier: Identifier{Type: authz.Identifier.Type, Value: authz.Identifier.Value},
		Wildcard:   authz.Wildcard,
		Challenges: challenges,
	}, nil
}

func (c *LegoClient) RestoreChallenge(_ context.Context, url string) (*Challenge, error) {
	chlg, err := c.core.Challenges.Get(url)
	if err != nil {
		return nil, c.wrapTimeout("get challenge", err)
	}
	out := fromChallenge(chlg.Challenge)
	out.URL = url
	return &out, nil
}

func (c *LegoClient) Accept(_ context.Context, challengeURL string) (*Challenge, error) {
	chlg, err := c.core.Challenges.New(challengeURL)
	if err != nil {
		return nil, c.wrapTimeout("accept challenge", err)
	}
	out := fromChallenge(chlg.Challenge)
	out.URL = challengeURL
	return &out, nil
}

func (c *LegoClient) Finalize(_ context.Context, finalizeURL string, csrDER []byte) (*Order, error) {
	order, err := c.core.Orders.UpdateForCSR(finalizeURL, csrDER)
	if err != nil {
		return nil, c.wrapTimeout("finalize order", err)
	}
	return fromExtendedOrder(order), nil
}

func (c *LegoClient) DownloadCertificate(_ context.Context, certURL string) ([]byte, []byte, error) {
	cert, issuer, err := c.core.Certificates.Get(certURL, true)
	if err != nil {
		return nil, nil, c.wrapTimeout("download certificate", err)
	}
	return cert, issuer, nil
}

func (c *LegoClient) SignKey(domain, token string) (string, error) {
	keyAuth, err := KeyAuthorization(token, c.key)
	if err != nil {
		return "", err
	}
	info := dns01.GetChallengeInfo(domain, keyAuth)
	return info.Value, nil
}

// publicKey extracts the public half of an account key.
func publicKey(key crypto.PrivateKey) crypto.PublicKey {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		return k.Public()
	case *rsa.PrivateKey:
		return k.Public()
	default:
		return nil
	}
}
