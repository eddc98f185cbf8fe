package orders

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/certmate/certmate/acmeclient"
	"github.com/certmate/certmate/metrics"
	"github.com/certmate/certmate/models"
	"github.com/certmate/certmate/storage/sqlite"
	"github.com/certmate/certmate/utils"
)

const (
	// DefaultPollInterval is the pause between polling rounds.
	DefaultPollInterval = 2 * time.Second
	// DefaultMaxRounds bounds every polling loop. Zero in Options selects it.
	DefaultMaxRounds = 120
)

// Options tunes the polling loops of Finish.
type Options struct {
	PollInterval time.Duration
	MaxRounds    int
}

func (o Options) withDefaults() Options {
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxRounds == 0 {
		o.MaxRounds = DefaultMaxRounds
	}
	return o
}

// Manager drives certificate orders through their lifecycle. Every state
// transition is observed by polling the authority, never inferred.
type Manager struct {
	store  *sqlite.Store
	acme   acmeclient.Client
	logger log.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewManager(store *sqlite.Store, acme acmeclient.Client, logger log.Logger) *Manager {
	return &Manager{
		store:  store,
		acme:   acme,
		logger: logger,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CreateRequest identifies the account and the domains to order for.
type CreateRequest struct {
	Domains     []string
	CA          string
	Env         string
	Email       string
	DNSCredName string
}

// Create submits a new order and persists it with all of its challenges in
// one transaction. The first domain is the canonical name.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.CertOrder, []*models.OrderChallenge, error) {
	if len(req.Domains) == 0 {
		return nil, nil, errors.New("at least one domain is required")
	}

	if _, err := m.store.FindAccount(ctx, req.CA, req.Env, req.Email); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil, nil, errors.Wrapf(ErrAccountMissing, "%s in %s %s mode", req.Email, req.CA, req.Env)
		}
		return nil, nil, err
	}

	name := req.Domains[0]
	if _, err := m.store.FindActiveOrder(ctx, req.CA, req.Env, req.Email, name); err == nil {
		return nil, nil, errors.Wrapf(ErrConflict, "domain %s", name)
	} else if !errors.Is(err, sqlite.ErrNotFound) {
		return nil, nil, err
	}

	remote, err := m.acme.CreateOrder(ctx, req.Domains)
	if err != nil {
		return nil, nil, err
	}

	order := &models.CertOrder{
		Name:        name,
		CA:          req.CA,
		Env:         req.Env,
		DNSCredName: req.DNSCredName,
		Email:       req.Email,
		Domains:     req.Domains,
		OrderURL:    remote.URL,
		FinalizeURL: remote.FinalizeURL,
		Status:      remote.Status,
		ExpiredAt:   remote.Expires,
	}

	challenges := make([]*models.OrderChallenge, 0, len(remote.AuthorizationURLs))
	for _, authzURL := range remote.AuthorizationURLs {
		authz, err := m.acme.RestoreAuthorization(ctx, authzURL)
		if err != nil {
			return nil, nil, err
		}
		if authz.Identifier.Type != "dns" {
			return nil, nil, errors.Wrapf(ErrUnsupportedIdentifier, "got %q", authz.Identifier.Type)
		}

		var dnsChallenge *acmeclient.Challenge
		for i := range authz.Challenges {
			if authz.Challenges[i].Type == "dns-01" {
				dnsChallenge = &authz.Challenges[i]
				break
			}
		}
		if dnsChallenge == nil {
			return nil, nil, errors.Wrapf(ErrUnsupportedIdentifier, "no dns-01 challenge offered for %s", authz.Identifier.Value)
		}

		signKey, err := m.acme.SignKey(authz.Identifier.Value, dnsChallenge.Token)
		if err != nil {
			return nil, nil, err
		}

		challenges = append(challenges, &models.OrderChallenge{
			IdentifierType:      authz.Identifier.Type,
			IdentifierValue:     authz.Identifier.Value,
			Type:                dnsChallenge.Type,
			IsWildcard:          authz.Wildcard || wildcardRequested(req.Domains, authz.Identifier.Value),
			Status:              dnsChallenge.Status,
			Token:               dnsChallenge.Token,
			SignKey:             signKey,
			ChallengeURL:        dnsChallenge.URL,
			AuthorizationURL:    authzURL,
			AuthorizationStatus: authz.Status,
			ExpiredAt:           authz.Expires,
		})
	}

	if err := m.store.CreateOrderWithChallenges(ctx, order, challenges); err != nil {
		return nil, nil, err
	}

	metrics.IncCreatedOrder(req.CA)
	level.Info(m.logger).Log("msg", "order created", "name", order.Name, "ca", order.CA, "env", order.Env, "domains", len(order.Domains)) // #nosec G104
	return order, challenges, nil
}

// wildcardRequested reports whether value was ordered as a wildcard. Some
// CAs omit the wildcard marker on the authorization.
func wildcardRequested(domains []string, value string) bool {
	for _, domain := range domains {
		if utils.IsWildcard(domain) && utils.WildcardBase(domain) == value {
			return true
		}
	}
	return false
}

type challengeResult struct {
	valid bool
	err   error
}

// checkChallenge re-fetches one challenge's authorization and, while the
// authorization is undecided, the challenge itself. A still pending challenge
// is accepted so the authority starts validating it. Observed changes are
// persisted before the result is reported.
func (m *Manager) checkChallenge(ctx context.Context, ch *models.OrderChallenge) challengeResult {
	authz, err := m.acme.RestoreAuthorization(ctx, ch.AuthorizationURL)
	if err != nil {
		return challengeResult{err: err}
	}
	ch.AuthorizationStatus = authz.Status
	if !authz.Expires.IsZero() {
		ch.ExpiredAt = authz.Expires
	}

	var detail string
	if authz.Status == models.StatusValid {
		ch.Status = models.StatusValid
	} else {
		chlg, err := m.acme.RestoreChallenge(ctx, ch.ChallengeURL)
		if err != nil {
			return challengeResult{err: err}
		}
		if chlg.Status == models.StatusPending && authz.Status == models.StatusPending {
			chlg, err = m.acme.Accept(ctx, ch.ChallengeURL)
			if err != nil {
				return challengeResult{err: err}
			}
		}
		ch.Status = chlg.Status
		detail = chlg.ErrorDetail
	}

	if err := m.store.UpdateChallenge(ctx, ch); err != nil {
		return challengeResult{err: err}
	}

	if ch.Status == models.StatusInvalid || ch.AuthorizationStatus == models.StatusInvalid {
		return challengeResult{err: &ChallengeInvalidError{Identifier: ch.IdentifierValue, Detail: detail}}
	}
	return challengeResult{valid: ch.AuthorizationStatus == models.StatusValid}
}

// WaitForChallengesReady runs one concurrent polling round over all the
// order's challenges. All results are collected before any decision. It
// returns true only when every challenge reported valid in this round; an
// invalid challenge aborts with ChallengeInvalidError, previously observed
// statuses staying persisted.
func (m *Manager) WaitForChallengesReady(ctx context.Context, order *models.CertOrder, challenges []*models.OrderChallenge) (bool, error) {
	results := make([]challengeResult, len(challenges))

	var wg sync.WaitGroup
	for i := range challenges {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.checkChallenge(ctx, challenges[i])
		}(i)
	}
	wg.Wait()

	metrics.IncChallengeRound(order.CA)

	allValid := true
	for i, res := range results {
		if res.err != nil {
			var invalidErr *ChallengeInvalidError
			if errors.As(res.err, &invalidErr) {
				return false, res.err
			}
			return false, errors.Wrapf(res.err, "checking challenge for %s", challenges[i].IdentifierValue)
		}
		if !res.valid {
			allValid = false
		}
	}
	return allValid, nil
}

// WaitForStatusReadyAndSave re-fetches the order, persists on change and
// reports true when it is ready or valid. The certificate download URL is
// only non-empty once the order is valid.
func (m *Manager) WaitForStatusReadyAndSave(ctx context.Context, order *models.CertOrder) (bool, error) {
	remote, err := m.acme.RestoreOrder(ctx, order.OrderURL)
	if err != nil {
		return false, err
	}

	order.Status = remote.Status
	if !remote.Expires.IsZero() {
		order.ExpiredAt = remote.Expires
	}

	switch remote.Status {
	case models.StatusReady, models.StatusValid:
		order.CertificateURL = remote.CertificateURL
		if err := m.store.UpdateOrderStatus(ctx, order); err != nil {
			return false, err
		}
		return true, nil
	case models.StatusPending, models.StatusProcessing:
		if err := m.store.UpdateOrderStatus(ctx, order); err != nil {
			return false, err
		}
		return false, nil
	default:
		if err := m.store.UpdateOrderStatus(ctx, order); err != nil {
			return false, err
		}
		return false, &UnexpectedOrderStatusError{Status: remote.Status}
	}
}

// Finish drives the order from challenge validation to certificate download.
// When the order turns ready a Cert row with a fresh ECDSA key pair and CSR
// is created and the order is finalized; when it turns valid the certificate
// is downloaded and persisted together with its expiry.
func (m *Manager) Finish(ctx context.Context, order *models.CertOrder, opts Options) (*models.Cert, error) {
	opts = opts.withDefaults()

	challenges, err := m.store.OrderChallenges(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	for round := 0; ; round++ {
		if round >= opts.MaxRounds {
			metrics.IncFailedOrder(order.CA)
			return nil, errors.Wrapf(ErrMaxRoundsExceeded, "waiting for challenges of %s", order.Name)
		}
		ready, err := m.WaitForChallengesReady(ctx, order, challenges)
		if err != nil {
			metrics.IncFailedOrder(order.CA)
			return nil, err
		}
		if ready {
			break
		}
		level.Debug(m.logger).Log("msg", "challenges not ready, retrying", "name", order.Name, "round", round+1) // #nosec G104
		if err := m.sleep(ctx, opts.PollInterval); err != nil {
			return nil, err
		}
	}
	level.Info(m.logger).Log("msg", "all challenges passed", "name", order.Name) // #nosec G104

	var cert *models.Cert
	for round := 0; ; round++ {
		if round >= opts.MaxRounds {
			metrics.IncFailedOrder(order.CA)
			return nil, errors.Wrapf(ErrMaxRoundsExceeded, "waiting for order %s", order.Name)
		}

		ready, err := m.WaitForStatusReadyAndSave(ctx, order)
		if err != nil {
			metrics.IncFailedOrder(order.CA)
			return nil, err
		}
		if !ready {
			if err := m.sleep(ctx, opts.PollInterval); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case order.IsReady():
			if cert != nil {
				// finalize already submitted, keep polling
				if err := m.sleep(ctx, opts.PollInterval); err != nil {
					return nil, err
				}
				continue
			}
			csr, err := acmeclient.NewEcdsaCsr(order.Domains)
			if err != nil {
				return nil, err
			}
			cert = &models.Cert{
				OrderID:    order.ID,
				Name:       order.Name,
				CA:         order.CA,
				Env:        order.Env,
				Email:      order.Email,
				Algorithm:  csr.Algorithm,
				Domains:    order.Domains,
				CSR:        string(csr.CsrPEM),
				PrivateKey: string(csr.PrivateKeyPEM),
			}
			if err := m.store.CreateCert(ctx, cert); err != nil {
				return nil, err
			}
			remote, err := m.acme.Finalize(ctx, order.FinalizeURL, csr.CsrDER)
			if err != nil {
				metrics.IncFailedOrder(order.CA)
				return nil, err
			}
			order.Status = remote.Status
			order.CertificateURL = remote.CertificateURL
			if err := m.store.UpdateOrderStatus(ctx, order); err != nil {
				return nil, err
			}
			level.Info(m.logger).Log("msg", "order finalized", "name", order.Name) // #nosec G104

		case order.IsValid():
			if cert == nil {
				// resuming a previously finalized order
				cert, err = m.store.FindCertByOrder(ctx, order.ID)
				if err != nil {
					return nil, err
				}
			}
			certPEM, issuerPEM, err := m.acme.DownloadCertificate(ctx, order.CertificateURL)
			if err != nil {
				metrics.IncFailedOrder(order.CA)
				return nil, err
			}
			notAfter, err := acmeclient.CertNotAfter(certPEM)
			if err != nil {
				return nil, err
			}
			cert.Certificate = string(certPEM)
			cert.IssuerCertificate = string(issuerPEM)
			cert.NotAfter = notAfter
			if err := m.store.SaveCertMaterial(ctx, cert); err != nil {
				return nil, err
			}
			metrics.IncFinishedOrder(order.CA)
			level.Info(m.logger).Log("msg", "certificate downloaded", "name", order.Name, "not_after", notAfter, "fingerprint", utils.GenerateFingerprint(certPEM)) // #nosec G104
			return cert, nil
		}
	}
}

// Purge deletes the most recent order for name, cascading to its challenges
// and certs. Deleting a missing order is a reported failure, not a no-op.
func (m *Manager) Purge(ctx context.Context, ca, env, name string) error {
	order, err := m.store.FindOrderByName(ctx, ca, env, name)
	if err != nil {
		return errors.Wrapf(err, "order for %s", name)
	}
	if err := m.store.DeleteOrder(ctx, order.ID); err != nil {
		return errors.Wrapf(err, "deleting order for %s", name)
	}
	level.Info(m.logger).Log("msg", "order purged", "name", name, "id", order.ID) // #nosec G104
	return nil
}
