// Package deploy pushes issued certificate material to its destinations, a
// local filesystem path or a remote host over SSH, and can trigger a reload
// command afterwards.
package deploy

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sort"

	"github.com/certmate/certmate/models"
)

// Result reports what one deployment run did.
type Result struct {
	URI     string
	Skipped bool
	// Output holds the reload command output, if any.
	Output string
}

// Provider places certificate material on one kind of target.
type Provider interface {
	Name() string
	Exec(ctx context.Context, cert *models.Cert, dep models.Deployment) (*Result, error)
}

// Skipper is implemented by providers that can tell whether the target
// already holds the exact certificate.
type Skipper interface {
	ShouldSkip(ctx context.Context, cert *models.Cert, dep models.Deployment) (bool, error)
}

// Exister is implemented by providers that can tell whether the target
// path is already occupied, so callers can ask before overwriting.
type Exister interface {
	Exists(ctx context.Context, dep models.Deployment) (bool, error)
}

var registry = map[string]Provider{}

func Register(p Provider) {
	registry[p.Name()] = p
}

// New returns the provider registered under name.
func New(name string) (Provider, error) {
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unsupported deploy provider %q, options: %v", name, Supported())
	}
	return p, nil
}

func Supported() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// certSerial extracts the serial number of the leaf certificate in pemData.
// Used to decide whether a target already carries the certificate.
func certSerial(pemData []byte) (string, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return "", fmt.Errorf("no pem block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", err
	}
	return cert.SerialNumber.Text(16), nil
}
