// Package pipeline drives the full issuance flow described by a declarative
// TOML file: order creation, challenge record reconciliation, finalization
// and deployment, plus renewal and a watch daemon on top.
package pipeline

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Defaults apply to every certificate entry that does not override them.
type Defaults struct {
	CA          string   `toml:"ca"`
	Env         string   `toml:"env"`
	Email       string   `toml:"email"`
	DNSCred     string   `toml:"dns_cred"`
	Nameservers []string `toml:"nameservers"`
}

// DeploySpec is one deployment target of a certificate entry.
type DeploySpec struct {
	URI       string `toml:"uri"`
	CertKey   string `toml:"cert_key"`
	ReloadCmd string `toml:"reload_cmd"`
}

// CertificateSpec describes one certificate to keep issued and deployed.
type CertificateSpec struct {
	Name    string       `toml:"name"`
	Domains []string     `toml:"domains"`
	CA      string       `toml:"ca"`
	Env     string       `toml:"env"`
	Email   string       `toml:"email"`
	DNSCred string       `toml:"dns_cred"`
	Deploy  []DeploySpec `toml:"deploy"`
}

type Spec struct {
	Defaults     Defaults          `toml:"defaults"`
	Certificates []CertificateSpec `toml:"certificate"`
}

// merged returns the entry with the spec defaults filled in.
func (s *Spec) merged(entry CertificateSpec) CertificateSpec {
	if entry.CA == "" {
		entry.CA = s.Defaults.CA
	}
	if entry.Env == "" {
		entry.Env = s.Defaults.Env
	}
	if entry.Email == "" {
		entry.Email = s.Defaults.Email
	}
	if entry.DNSCred == "" {
		entry.DNSCred = s.Defaults.DNSCred
	}
	if entry.Name == "" && len(entry.Domains) > 0 {
		entry.Name = entry.Domains[0]
	}
	return entry
}

func (s *Spec) validate() error {
	if len(s.Certificates) == 0 {
		return fmt.Errorf("no certificate entries defined")
	}
	seen := map[string]bool{}
	for i, raw := range s.Certificates {
		entry := s.merged(raw)
		if len(entry.Domains) == 0 {
			return fmt.Errorf("certificate entry %d has no domains", i)
		}
		if entry.CA == "" || entry.Email == "" {
			return fmt.Errorf("certificate %s is missing ca or email", entry.Name)
		}
		if seen[entry.Name] {
			return fmt.Errorf("certificate %s is defined twice", entry.Name)
		}
		seen[entry.Name] = true
	}
	return nil
}

// LoadSpec reads and validates a pipeline file.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read pipeline file")
	}
	var spec Spec
	if err := toml.Unmarshal(data, &spec); err != nil {
		return nil, errors.Wrapf(err, "unable to parse pipeline file %s", path)
	}
	if err := spec.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid pipeline file %s", path)
	}
	return &spec, nil
}
