package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/certmate/certmate/acmeclient"
	"github.com/certmate/certmate/deploy"
	"github.com/certmate/certmate/dns"
	"github.com/certmate/certmate/models"
	"github.com/certmate/certmate/orders"
	"github.com/certmate/certmate/pipeline"
	"github.com/certmate/certmate/storage/sqlite"
	"github.com/certmate/certmate/utils"
)

// caEnv resolves ca and env from flags with the config defaults as fallback.
// The ca comes back in canonical form.
func (c *cli) caEnv(ca, env string) (string, string, error) {
	if ca == "" {
		ca = c.cfg.Defaults.CA
	}
	canonical, err := acmeclient.ResolveCA(strings.ToLower(ca))
	if err != nil {
		// the config already stores the canonical form
		if _, urlErr := acmeclient.DirectoryURL(ca, models.EnvProduction); urlErr != nil {
			return "", "", err
		}
		canonical = ca
	}
	if env == "" {
		env = c.cfg.Defaults.Env
	}
	if env != models.EnvStaging && env != models.EnvProduction {
		return "", "", fmt.Errorf("unknown environment %q, options: %s | %s", env, models.EnvStaging, models.EnvProduction)
	}
	return canonical, env, nil
}

func (c *cli) settings(ca, env, email string) (string, string, string, error) {
	ca, env, err := c.caEnv(ca, env)
	if err != nil {
		return "", "", "", err
	}
	if email == "" {
		email = c.cfg.Defaults.Email
	}
	if email == "" {
		return "", "", "", fmt.Errorf("an account email is required, set --email or 'defaults.email' in the config")
	}
	return ca, env, email, nil
}

func (c *cli) acme(ctx context.Context, ca, env, email string) (acmeclient.Client, error) {
	account, err := c.store.FindAccount(ctx, ca, env, email)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil, errors.Wrapf(orders.ErrAccountMissing, "%s/%s/%s, run 'certmate account create' first", ca, env, email)
		}
		return nil, err
	}
	return acmeclient.New(acmeclient.Config{
		CA:            ca,
		Env:           env,
		Email:         email,
		PrivateKeyPEM: []byte(account.PrivateKey),
		AccountURL:    account.AccountURL,
	})
}

func (c *cli) accountCreate(ca, env, email string) error {
	ctx := context.Background()
	ca, env, email, err := c.settings(ca, env, email)
	if err != nil {
		return err
	}

	if _, err := c.store.FindAccount(ctx, ca, env, email); err == nil {
		return fmt.Errorf("account %s already exists for %s %s", email, ca, env)
	} else if !errors.Is(err, sqlite.ErrNotFound) {
		return err
	}

	keyPEM, err := acmeclient.NewAccountKey()
	if err != nil {
		return err
	}
	client, err := acmeclient.New(acmeclient.Config{
		CA:            ca,
		Env:           env,
		Email:         email,
		PrivateKeyPEM: keyPEM,
	})
	if err != nil {
		return err
	}
	accountURL, err := client.Register(ctx)
	if err != nil {
		return errors.Wrap(err, "account registration failed")
	}

	account := &models.Account{
		CA:         ca,
		Env:        env,
		Email:      email,
		AccountURL: accountURL,
		PrivateKey: string(keyPEM),
	}
	if err := c.store.CreateAccount(ctx, account); err != nil {
		return err
	}
	level.Info(c.logger).Log("msg", "account registered", "ca", ca, "env", env, "email", email, "url", accountURL) // #nosec G104
	return nil
}

func (c *cli) orderCreate(domains []string, ca, env, email, dnsCred string) error {
	ctx := context.Background()
	ca, env, email, err := c.settings(ca, env, email)
	if err != nil {
		return err
	}
	if dnsCred == "" {
		dnsCred = c.cfg.Defaults.DNSCred
	}

	client, err := c.acme(ctx, ca, env, email)
	if err != nil {
		return err
	}
	mgr := orders.NewManager(c.store, client, c.logger)

	order, challenges, err := mgr.Create(ctx, orders.CreateRequest{
		Domains:     domains,
		CA:          ca,
		Env:         env,
		Email:       email,
		DNSCredName: dnsCred,
	})
	if err != nil {
		return err
	}

	fmt.Printf("order %s created (id %d, status %s)\n", order.Name, order.ID, order.Status)
	fmt.Println("publish these TXT records, then run 'certmate order finish':")
	for _, ch := range challenges {
		fmt.Printf("  %s TXT %s\n", ch.RecordHostname(), ch.SignKey)
	}
	return nil
}

func (c *cli) orderFinish(name, ca, env, email string) error {
	ctx := context.Background()
	ca, env, email, err := c.settings(ca, env, email)
	if err != nil {
		return err
	}

	order, err := c.store.FindActiveOrder(ctx, ca, env, email, name)
	if err != nil {
		return errors.Wrapf(err, "no active order for %s", name)
	}

	client, err := c.acme(ctx, ca, env, email)
	if err != nil {
		return err
	}
	mgr := orders.NewManager(c.store, client, c.logger)

	cert, err := mgr.Finish(ctx, order, orders.Options{})
	if err != nil {
		return err
	}
	fmt.Printf("certificate %s issued, valid until %s\n", cert.Name, cert.NotAfter.Format(time.RFC3339))
	return nil
}

func (c *cli) orderPurge(name, ca, env string, yes bool) error {
	ctx := context.Background()
	ca, env, err := c.caEnv(ca, env)
	if err != nil {
		return err
	}

	if !yes && !confirm(fmt.Sprintf("delete order %s with all its challenges and certificates?", name)) {
		fmt.Println("aborted")
		return nil
	}

	mgr := orders.NewManager(c.store, nil, c.logger)
	return mgr.Purge(ctx, ca, env, name)
}

func (c *cli) dnsCred(name, provider string, payload map[string]string, check bool) error {
	ctx := context.Background()

	p, err := dns.New(provider, payload, c.http)
	if err != nil {
		return err
	}
	if check {
		if err := p.CheckCreds(ctx); err != nil {
			return errors.Wrapf(err, "credential check against %s failed", provider)
		}
	}

	cred := &models.DnsCred{Name: name, Provider: provider, Payload: payload}
	if err := c.store.SaveDnsCred(ctx, cred); err != nil {
		return err
	}
	level.Info(c.logger).Log("msg", "dns credential saved", "name", name, "provider", provider) // #nosec G104
	return nil
}

func (c *cli) reconciler(ctx context.Context, credName string) (*dns.Reconciler, error) {
	var cred *models.DnsCred
	var err error
	if credName != "" {
		cred, err = c.store.FindDnsCred(ctx, credName)
	} else {
		cred, err = c.store.DefaultDnsCred(ctx)
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to resolve dns credential")
	}
	provider, err := dns.New(cred.Provider, cred.Payload, c.http)
	if err != nil {
		return nil, err
	}
	return dns.NewReconciler(provider, c.logger), nil
}

func (c *cli) dnsSet(hostname, value, credName string, remove bool) error {
	ctx := context.Background()
	rec, err := c.reconciler(ctx, credName)
	if err != nil {
		return err
	}
	if remove {
		deleted, err := rec.RemoveRecord(ctx, hostname, "TXT", value)
		if err != nil {
			return err
		}
		if deleted {
			fmt.Printf("record %s deleted\n", hostname)
		} else {
			fmt.Printf("record %s was not present\n", hostname)
		}
		return nil
	}
	created, err := rec.EnsureRecord(ctx, hostname, "TXT", value)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("record %s created\n", hostname)
	} else {
		fmt.Printf("record %s already present\n", hostname)
	}
	return nil
}

func (c *cli) dnsVerify(hostname, value string, nameservers []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if len(nameservers) == 0 {
		nameservers = c.cfg.Defaults.Nameservers
	}
	verifier := dns.NewVerifier(nameservers)
	found, err := verifier.VerifyTXT(ctx, hostname, value)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("TXT record %s with the expected value is not visible", hostname)
	}
	fmt.Printf("TXT record %s verified\n", hostname)
	return nil
}

// findCert resolves the account scope from flags and config defaults and
// loads the matching certificate. Certificates are scoped per authority and
// environment, the same name issued in staging and production are distinct
// rows.
func (c *cli) findCert(ctx context.Context, name, ca, env, email string) (*models.Cert, error) {
	ca, env, err := c.caEnv(ca, env)
	if err != nil {
		return nil, err
	}
	if email == "" {
		email = c.cfg.Defaults.Email
	}
	cert, err := c.store.FindCert(ctx, name, ca, env, email)
	if err != nil {
		return nil, errors.Wrapf(err, "no certificate named %s for %s %s", name, ca, env)
	}
	return cert, nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	return strings.ToLower(strings.TrimSpace(answer)) == "y"
}

func (c *cli) certExport(name, ca, env, email, certFile, keyFile string, withChain bool, yes bool) error {
	ctx := context.Background()
	cert, err := c.findCert(ctx, name, ca, env, email)
	if err != nil {
		return err
	}
	if cert.Certificate == "" {
		return fmt.Errorf("certificate %s has no material yet, finish its order first", name)
	}

	if certFile == "" {
		certFile = utils.SanitizedDomain(c.logger, name) + ".crt"
	}
	if !yes && utils.FileExists(certFile) && !confirm(fmt.Sprintf("overwrite %s?", certFile)) {
		fmt.Println("aborted")
		return nil
	}

	material := cert.Certificate
	if withChain {
		material += cert.IssuerCertificate
	}
	if err := utils.CreateNonExistingFolder(filepath.Dir(certFile)); err != nil {
		return err
	}
	if err := os.WriteFile(certFile, []byte(material), 0640); err != nil {
		return err
	}
	if keyFile != "" {
		if err := os.WriteFile(keyFile, []byte(cert.PrivateKey), 0600); err != nil {
			return err
		}
	}
	level.Info(c.logger).Log("msg", "certificate exported", "name", name, "cert_file", certFile) // #nosec G104
	return nil
}

// confirmOverwrites asks before targets holding a different certificate are
// overwritten, and drops the ones the user declines.
func confirmOverwrites(ctx context.Context, cert *models.Cert, targets []*models.Deployment) ([]*models.Deployment, error) {
	kept := targets[:0]
	for _, dep := range targets {
		p, err := deploy.New(dep.Provider)
		if err != nil {
			return nil, err
		}
		ex, ok := p.(deploy.Exister)
		if !ok {
			kept = append(kept, dep)
			continue
		}
		occupied, err := ex.Exists(ctx, *dep)
		if err != nil {
			return nil, err
		}
		if occupied {
			if sk, ok := p.(deploy.Skipper); ok {
				if skip, err := sk.ShouldSkip(ctx, cert, *dep); err == nil && skip {
					// same certificate, nothing gets overwritten
					kept = append(kept, dep)
					continue
				}
			}
			if !confirm(fmt.Sprintf("overwrite %s?", dep.URI)) {
				continue
			}
		}
		kept = append(kept, dep)
	}
	return kept, nil
}

func (c *cli) certDeploy(name, ca, env, email, target string, save, yes bool) error {
	ctx := context.Background()
	cert, err := c.findCert(ctx, name, ca, env, email)
	if err != nil {
		return err
	}
	if cert.Certificate == "" {
		return fmt.Errorf("certificate %s has no material yet, finish its order first", name)
	}

	dispatcher := deploy.NewDispatcher(c.store, c.logger)
	targets, err := dispatcher.ResolveTargets(ctx, target)
	if err != nil {
		return err
	}
	if save && strings.Contains(target, "://") {
		for _, dep := range targets {
			dep.Domain = cert.Name
			if err := c.store.FindOrNewDeployment(ctx, dep); err != nil {
				return errors.Wrap(err, "save deployment target")
			}
		}
	}
	if !yes {
		targets, err = confirmOverwrites(ctx, cert, targets)
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			fmt.Println("aborted")
			return nil
		}
	}
	results, err := dispatcher.Run(ctx, cert, targets)
	for _, res := range results {
		state := "deployed"
		if res.Skipped {
			state = "already in place"
		}
		fmt.Printf("%s: %s\n", res.URI, state)
	}
	return err
}

func (c *cli) pipeline() *pipeline.Pipeline {
	return pipeline.New(c.store, c.http, c.logger, orders.Options{})
}

func (c *cli) pipelinePath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if c.cfg.Watch.PipelinePath != "" {
		return c.cfg.Watch.PipelinePath, nil
	}
	return "", fmt.Errorf("no pipeline file given, set --pipeline or 'watch.pipeline_path' in the config")
}

func (c *cli) apply(pipelinePath string) error {
	path, err := c.pipelinePath(pipelinePath)
	if err != nil {
		return err
	}
	spec, err := pipeline.LoadSpec(path)
	if err != nil {
		return err
	}
	return c.pipeline().Apply(context.Background(), spec)
}

func (c *cli) renew(pipelinePath string, before time.Duration) error {
	path, err := c.pipelinePath(pipelinePath)
	if err != nil {
		return err
	}
	spec, err := pipeline.LoadSpec(path)
	if err != nil {
		return err
	}
	if before == 0 {
		before = time.Duration(c.cfg.Common.RenewBeforeDays) * 24 * time.Hour
	}
	return c.pipeline().Renew(context.Background(), spec, before)
}

func (c *cli) watch(pipelinePath string, interval time.Duration, listen string) error {
	path, err := c.pipelinePath(pipelinePath)
	if err != nil {
		return err
	}
	if interval == 0 {
		interval = time.Duration(c.cfg.Watch.CheckIntervalMinutes) * time.Minute
	}
	if listen == "" {
		listen = c.cfg.Watch.ListenAddress
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = c.pipeline().Watch(ctx, pipeline.WatchConfig{
		SpecPath:      path,
		CheckInterval: interval,
		RenewBefore:   time.Duration(c.cfg.Common.RenewBeforeDays) * 24 * time.Hour,
		ListenAddress: listen,
	})
	if errors.Is(err, context.Canceled) {
		level.Info(c.logger).Log("msg", "shutting down") // #nosec G104
		return nil
	}
	return err
}
