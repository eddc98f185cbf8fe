package models

import (
	"fmt"
	"strings"
	"time"
)

// Order and challenge statuses as reported by the certificate authority.
const (
	StatusPending    = "pending"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
)

// ActiveStatuses are the order statuses that keep a name occupied. Only an
// invalid order frees its name; a valid one blocks re-ordering until purged.
var ActiveStatuses = []string{StatusPending, StatusReady, StatusProcessing, StatusValid}

const (
	EnvStaging    = "staging"
	EnvProduction = "production"
)

type Account struct {
	ID         int64  `json:"id"`
	CA         string `json:"ca" example:"letsencrypt"`
	Env        string `json:"env" example:"staging"`
	Email      string `json:"email" example:"admin@example.com"`
	AccountURL string `json:"account_url"`
	PrivateKey string `json:"-"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type CertOrder struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name" example:"example.com"`
	CA             string   `json:"ca" example:"letsencrypt"`
	Env            string   `json:"env" example:"staging"`
	DNSCredName    string   `json:"dns_cred_name,omitempty"`
	Email          string   `json:"email"`
	Domains        []string `json:"domains" example:"example.com,*.example.com"`
	OrderURL       string   `json:"order_url"`
	CertificateURL string   `json:"certificate_url,omitempty"`
	FinalizeURL    string   `json:"finalize_url"`
	Status         string   `json:"status" example:"pending"`
	ExpiredAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (o *CertOrder) IsPending() bool    { return o.Status == StatusPending }
func (o *CertOrder) IsReady() bool      { return o.Status == StatusReady }
func (o *CertOrder) IsProcessing() bool { return o.Status == StatusProcessing }
func (o *CertOrder) IsValid() bool      { return o.Status == StatusValid }
func (o *CertOrder) IsInvalid() bool    { return o.Status == StatusInvalid }

// IsActive reports whether the order still occupies its name.
func (o *CertOrder) IsActive() bool {
	for _, s := range ActiveStatuses {
		if o.Status == s {
			return true
		}
	}
	return false
}

type OrderChallenge struct {
	ID                  int64  `json:"id"`
	OrderID             int64  `json:"order_id"`
	IdentifierType      string `json:"identifier_type" example:"dns"`
	IdentifierValue     string `json:"identifier_value" example:"example.com"`
	Type                string `json:"type" example:"dns-01"`
	IsWildcard          bool   `json:"is_wildcard"`
	Status              string `json:"status"`
	Token               string `json:"token"`
	SignKey             string `json:"sign_key"`
	ChallengeURL        string `json:"challenge_url"`
	AuthorizationURL    string `json:"authorization_url"`
	AuthorizationStatus string `json:"authorization_status"`
	ExpiredAt           time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RecordHostname is the TXT record owner name for the dns-01 challenge.
func (c *OrderChallenge) RecordHostname() string {
	return "_acme-challenge." + strings.TrimPrefix(c.IdentifierValue, "*.")
}

type Cert struct {
	ID                int64    `json:"id"`
	OrderID           int64    `json:"order_id"`
	Name              string   `json:"name"`
	CA                string   `json:"ca" example:"LetsEncrypt"`
	Env               string   `json:"env" example:"production"`
	Email             string   `json:"email"`
	Algorithm         string   `json:"algorithm,omitempty" example:"P256"`
	Domains           []string `json:"domains"`
	CSR               string   `json:"-"`
	PrivateKey        string   `json:"-"`
	Certificate       string   `json:"certificate,omitempty"`
	IssuerCertificate string   `json:"issuer_certificate,omitempty"`
	NotAfter          time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type DnsCred struct {
	ID        int64             `json:"id"`
	Name      string            `json:"name" example:"cf-main"`
	Provider  string            `json:"provider" example:"cloudflare"`
	Payload   map[string]string `json:"-"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Deployment struct {
	ID        int64  `json:"id"`
	URI       string `json:"uri" example:"ssh://root@web1:22/etc/ssl/example.com.crt"`
	Provider  string `json:"provider" example:"ssh"`
	Domain    string `json:"domain"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	User      string `json:"user,omitempty"`
	KeyFile   string `json:"key_file,omitempty"`
	CertFile  string `json:"cert_file"`
	CertKey   string `json:"cert_key,omitempty"`
	ReloadCmd string `json:"reload_cmd,omitempty"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BuildDeploymentURI derives the natural key of a deployment target from its
// provider and connection settings. Two deployments with the same URI are the
// same target and must not be duplicated.
func BuildDeploymentURI(provider, user, host string, port int, certFile string) string {
	provider = strings.ToLower(provider)
	if provider == "local" || host == "" {
		return "local://" + certFile
	}
	if user == "" {
		user = "root"
	}
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s://%s@%s:%d%s", provider, user, host, port, certFile)
}
