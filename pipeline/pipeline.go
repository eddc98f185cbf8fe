package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/certmate/certmate/acmeclient"
	"github.com/certmate/certmate/deploy"
	"github.com/certmate/certmate/dns"
	"github.com/certmate/certmate/httpx"
	"github.com/certmate/certmate/metrics"
	"github.com/certmate/certmate/models"
	"github.com/certmate/certmate/orders"
	"github.com/certmate/certmate/storage/sqlite"
)

// DefaultRenewBefore is how long before expiry a certificate is renewed.
const DefaultRenewBefore = 30 * 24 * time.Hour

// canonicalCA maps CLI-style aliases in pipeline files to the canonical
// CA names accounts are stored under.
func canonicalCA(ca string) string {
	if canonical, err := acmeclient.ResolveCA(strings.ToLower(ca)); err == nil {
		return canonical
	}
	return ca
}

// ACMEFactory builds the CA client for one account. Swapped out in tests.
type ACMEFactory func(cfg acmeclient.Config) (acmeclient.Client, error)

// Pipeline applies a Spec end to end against the store and the CA.
type Pipeline struct {
	store   *sqlite.Store
	logger  log.Logger
	http    *httpx.Client
	newACME ACMEFactory
	orders  orders.Options
}

func New(store *sqlite.Store, httpClient *httpx.Client, logger log.Logger, opts orders.Options) *Pipeline {
	return &Pipeline{
		store:  store,
		logger: logger,
		http:   httpClient,
		newACME: func(cfg acmeclient.Config) (acmeclient.Client, error) {
			return acmeclient.New(cfg)
		},
		orders: opts,
	}
}

func (p *Pipeline) manager(ctx context.Context, entry CertificateSpec) (*orders.Manager, error) {
	account, err := p.store.FindAccount(ctx, entry.CA, entry.Env, entry.Email)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil, errors.Wrapf(orders.ErrAccountMissing, "%s/%s/%s", entry.CA, entry.Env, entry.Email)
		}
		return nil, err
	}
	client, err := p.newACME(acmeclient.Config{
		CA:            entry.CA,
		Env:           entry.Env,
		Email:         entry.Email,
		PrivateKeyPEM: []byte(account.PrivateKey),
		AccountURL:    account.AccountURL,
	})
	if err != nil {
		return nil, err
	}
	return orders.NewManager(p.store, client, p.logger), nil
}

func (p *Pipeline) reconciler(ctx context.Context, credName string) (*dns.Reconciler, error) {
	var cred *models.DnsCred
	var err error
	if credName != "" {
		cred, err = p.store.FindDnsCred(ctx, credName)
	} else {
		cred, err = p.store.DefaultDnsCred(ctx)
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to resolve dns credential")
	}
	provider, err := dns.New(cred.Provider, cred.Payload, p.http)
	if err != nil {
		return nil, err
	}
	return dns.NewReconciler(provider, p.logger), nil
}

// Apply brings every certificate entry to the valid and deployed state.
// Entries fail independently, the joined failures come back as the error.
func (p *Pipeline) Apply(ctx context.Context, spec *Spec) error {
	var failed []string
	for _, raw := range spec.Certificates {
		entry := spec.merged(raw)
		entry.CA = canonicalCA(entry.CA)
		if entry.Env == "" {
			entry.Env = models.EnvProduction
		}
		if err := p.applyEntry(ctx, spec, entry); err != nil {
			level.Error(p.logger).Log("msg", "pipeline entry failed", "name", entry.Name, "err", err)
			failed = append(failed, fmt.Sprintf("%s: %v", entry.Name, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d pipeline entries failed: %s", len(failed), len(spec.Certificates), strings.Join(failed, "; "))
	}
	return nil
}

func (p *Pipeline) applyEntry(ctx context.Context, spec *Spec, entry CertificateSpec) error {
	mgr, err := p.manager(ctx, entry)
	if err != nil {
		return err
	}

	order, err := p.store.FindActiveOrder(ctx, entry.CA, entry.Env, entry.Email, entry.Name)
	if err != nil && !errors.Is(err, sqlite.ErrNotFound) {
		return err
	}

	var challenges []*models.OrderChallenge
	if order == nil {
		order, challenges, err = mgr.Create(ctx, orders.CreateRequest{
			Domains:     entry.Domains,
			CA:          entry.CA,
			Env:         entry.Env,
			Email:       entry.Email,
			DNSCredName: entry.DNSCred,
		})
		if err != nil {
			return err
		}
	} else {
		challenges, err = p.store.OrderChallenges(ctx, order.ID)
		if err != nil {
			return err
		}
	}

	cert, err := p.store.FindCertByOrder(ctx, order.ID)
	if err != nil && !errors.Is(err, sqlite.ErrNotFound) {
		return err
	}
	if order.IsValid() && cert != nil && cert.Certificate != "" {
		// already issued, only the deployments can be missing
		return p.deployEntry(ctx, entry, cert)
	}

	reconciler, err := p.reconciler(ctx, entry.DNSCred)
	if err != nil {
		return err
	}
	for _, ch := range challenges {
		if ch.Status == models.StatusValid {
			continue
		}
		if _, err := reconciler.EnsureRecord(ctx, ch.RecordHostname(), "TXT", ch.SignKey); err != nil {
			return errors.Wrapf(err, "unable to publish challenge record for %s", ch.IdentifierValue)
		}
	}
	if err := p.waitPropagated(ctx, spec, challenges); err != nil {
		return err
	}

	cert, err = mgr.Finish(ctx, order, p.orders)
	if err != nil {
		return err
	}

	// challenge records are no longer needed, removal failures only log
	for _, ch := range challenges {
		if _, err := reconciler.RemoveRecord(ctx, ch.RecordHostname(), "TXT", ch.SignKey); err != nil {
			level.Warn(p.logger).Log("msg", "unable to remove challenge record", "hostname", ch.RecordHostname(), "err", err)
		}
	}

	return p.deployEntry(ctx, entry, cert)
}

// waitPropagated polls the configured resolvers until every pending
// challenge record is visible.
func (p *Pipeline) waitPropagated(ctx context.Context, spec *Spec, challenges []*models.OrderChallenge) error {
	if len(spec.Defaults.Nameservers) == 0 {
		return nil
	}
	verifier := dns.NewVerifier(spec.Defaults.Nameservers)
	for _, ch := range challenges {
		if ch.Status == models.StatusValid {
			continue
		}
		deadline := time.Now().Add(2 * time.Minute)
		for {
			ok, err := verifier.VerifyTXT(ctx, ch.RecordHostname(), ch.SignKey)
			if err != nil {
				return err
			}
			if ok {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("challenge record for %s not visible in time", ch.IdentifierValue)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
		}
	}
	return nil
}

func (p *Pipeline) deployEntry(ctx context.Context, entry CertificateSpec, cert *models.Cert) error {
	if len(entry.Deploy) == 0 {
		return nil
	}

	targets := make([]*models.Deployment, 0, len(entry.Deploy))
	for _, spec := range entry.Deploy {
		dep, err := deploy.ParseURI(spec.URI)
		if err != nil {
			return err
		}
		dep.Domain = entry.Name
		dep.CertKey = spec.CertKey
		dep.ReloadCmd = spec.ReloadCmd
		if err := p.store.FindOrNewDeployment(ctx, &dep); err != nil {
			return err
		}
		targets = append(targets, &dep)
	}

	dispatcher := deploy.NewDispatcher(p.store, p.logger)
	_, err := dispatcher.Run(ctx, cert, targets)
	return err
}

// Renew re-issues every certificate that expires before now plus
// renewBefore and runs its entry again.
func (p *Pipeline) Renew(ctx context.Context, spec *Spec, renewBefore time.Duration) error {
	if renewBefore == 0 {
		renewBefore = DefaultRenewBefore
	}
	expiring, err := p.store.ListExpiringCerts(ctx, time.Now().Add(renewBefore))
	if err != nil {
		return err
	}
	metrics.SetExpiringCertificate(float64(len(expiring)))
	if len(expiring) == 0 {
		return nil
	}

	entries := map[string]CertificateSpec{}
	for _, raw := range spec.Certificates {
		entry := spec.merged(raw)
		entry.CA = canonicalCA(entry.CA)
		if entry.Env == "" {
			entry.Env = models.EnvProduction
		}
		entries[entry.Name] = entry
	}

	var failed []string
	for _, cert := range expiring {
		entry, ok := entries[cert.Name]
		if !ok {
			level.Warn(p.logger).Log("msg", "expiring certificate has no pipeline entry", "name", cert.Name)
			continue
		}
		level.Info(p.logger).Log("msg", "renewing certificate", "name", cert.Name, "not_after", cert.NotAfter)

		mgr, err := p.manager(ctx, entry)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", cert.Name, err))
			continue
		}
		if err := mgr.Purge(ctx, entry.CA, entry.Env, entry.Name); err != nil && !errors.Is(err, sqlite.ErrNotFound) {
			failed = append(failed, fmt.Sprintf("%s: %v", cert.Name, err))
			continue
		}
		if err := p.applyEntry(ctx, spec, entry); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", cert.Name, err))
			continue
		}
		metrics.IncRenewedCertificate(entry.CA)
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d renewals failed: %s", len(failed), strings.Join(failed, "; "))
	}
	return nil
}
