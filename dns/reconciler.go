package dns

import (
	"context"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/net/publicsuffix"

	"github.com/certmate/certmate/metrics"
)

// SplitHostname splits a fully qualified hostname into the registered
// domain and the subdomain part in front of it. A bare registered domain
// yields the "@" subdomain.
func SplitHostname(hostname string) (domain, subdomain string, err error) {
	hostname = strings.TrimSuffix(hostname, ".")
	domain, err = publicsuffix.EffectiveTLDPlusOne(hostname)
	if err != nil {
		return "", "", errors.Wrapf(err, "unable to split hostname %s", hostname)
	}
	if hostname == domain {
		return domain, "@", nil
	}
	return domain, strings.TrimSuffix(hostname, "."+domain), nil
}

// Reconciler applies desired TXT record state through a Provider,
// skipping writes that would not change anything.
type Reconciler struct {
	provider Provider
	logger   log.Logger
}

func NewReconciler(provider Provider, logger log.Logger) *Reconciler {
	return &Reconciler{provider: provider, logger: logger}
}

// FindRecord returns the existing record matching hostname and value, or
// nil when the provider has no such record.
func (r *Reconciler) FindRecord(ctx context.Context, hostname, rtype, value string) (*Record, error) {
	domain, subdomain, err := SplitHostname(hostname)
	if err != nil {
		return nil, err
	}
	records, err := r.provider.ListRecords(ctx, domain, subdomain, rtype)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Value == value {
			return &records[i], nil
		}
	}
	return nil, nil
}

// EnsureRecord creates the record unless an identical one already exists.
// It reports whether a record was created, false means it was already there.
func (r *Reconciler) EnsureRecord(ctx context.Context, hostname, rtype, value string) (bool, error) {
	existing, err := r.FindRecord(ctx, hostname, rtype, value)
	if err != nil {
		return false, err
	}
	if existing != nil {
		level.Debug(r.logger).Log("msg", "record already exists", "provider", r.provider.Name(), "hostname", hostname, "type", rtype)
		return false, nil
	}

	domain, subdomain, err := SplitHostname(hostname)
	if err != nil {
		return false, err
	}
	err = r.provider.CreateRecord(ctx, Record{
		Domain:    domain,
		Subdomain: subdomain,
		Type:      rtype,
		Value:     value,
	})
	if err != nil {
		return false, err
	}
	metrics.IncDnsRecordWrite(r.provider.Name(), "create")
	level.Info(r.logger).Log("msg", "record created", "provider", r.provider.Name(), "hostname", hostname, "type", rtype)
	return true, nil
}

// RemoveRecord deletes the record if it exists, a missing record is not
// an error. It reports whether a record was deleted.
func (r *Reconciler) RemoveRecord(ctx context.Context, hostname, rtype, value string) (bool, error) {
	existing, err := r.FindRecord(ctx, hostname, rtype, value)
	if err != nil {
		return false, err
	}
	if existing == nil {
		level.Debug(r.logger).Log("msg", "record did not exist", "provider", r.provider.Name(), "hostname", hostname, "type", rtype)
		return false, nil
	}
	if err := r.provider.DeleteRecord(ctx, existing.RawID); err != nil {
		return false, err
	}
	metrics.IncDnsRecordWrite(r.provider.Name(), "delete")
	level.Info(r.logger).Log("msg", "record deleted", "provider", r.provider.Name(), "hostname", hostname, "type", rtype)
	return true, nil
}
