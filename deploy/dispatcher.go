package deploy

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/certmate/certmate/metrics"
	"github.com/certmate/certmate/models"
	"github.com/certmate/certmate/queue"
	"github.com/certmate/certmate/storage/sqlite"
)

// Dispatcher resolves deployment targets from the store and fans a
// certificate out to them.
type Dispatcher struct {
	store  *sqlite.Store
	logger log.Logger
}

func NewDispatcher(store *sqlite.Store, logger log.Logger) *Dispatcher {
	return &Dispatcher{store: store, logger: logger}
}

// ParseURI turns a deployment URI back into a target. The reverse of
// models.BuildDeploymentURI.
func ParseURI(uri string) (models.Deployment, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return models.Deployment{}, errors.Wrapf(err, "malformed deployment uri %s", uri)
	}
	if parsed.Scheme == "" || parsed.Path == "" {
		return models.Deployment{}, fmt.Errorf("malformed deployment uri %s", uri)
	}

	dep := models.Deployment{
		URI:      uri,
		Provider: strings.ToLower(parsed.Scheme),
		CertFile: parsed.Path,
	}
	if dep.Provider == "local" {
		return dep, nil
	}

	dep.Host = parsed.Hostname()
	if dep.Host == "" {
		return models.Deployment{}, fmt.Errorf("deployment uri %s has no host", uri)
	}
	dep.User = parsed.User.Username()
	if dep.User == "" {
		dep.User = "root"
	}
	dep.Port = 22
	if parsed.Port() != "" {
		port, err := strconv.Atoi(parsed.Port())
		if err != nil {
			return models.Deployment{}, errors.Wrapf(err, "malformed port in deployment uri %s", uri)
		}
		dep.Port = port
	}
	return dep, nil
}

// ResolveTargets expands a selector into deployment targets. Accepted
// selectors: "all", a numeric deployment id, a deployment URI for an ad-hoc
// target, or a domain whose stored deployments are wanted.
func (d *Dispatcher) ResolveTargets(ctx context.Context, selector string) ([]*models.Deployment, error) {
	switch {
	case selector == "all":
		return d.store.ListDeployments(ctx)
	case strings.Contains(selector, "://"):
		dep, err := ParseURI(selector)
		if err != nil {
			return nil, err
		}
		return []*models.Deployment{&dep}, nil
	default:
		if id, err := strconv.ParseInt(selector, 10, 64); err == nil {
			dep, err := d.store.GetDeployment(ctx, id)
			if err != nil {
				return nil, err
			}
			return []*models.Deployment{dep}, nil
		}
		deps, err := d.store.FindDeploymentsByDomain(ctx, selector)
		if err != nil {
			return nil, err
		}
		if len(deps) == 0 {
			return nil, fmt.Errorf("no deployments found for domain %s", selector)
		}
		return deps, nil
	}
}

// deployWorkers bounds how many targets are written to at the same time.
const deployWorkers = 4

// Run fans the certificate out to every target over a worker pool and
// returns the per-target results. A failing target does not stop the
// others, the joined failures come back as the error.
func (d *Dispatcher) Run(ctx context.Context, cert *models.Cert, targets []*models.Deployment) ([]Result, error) {
	done := make([]*Result, len(targets))
	jobs := make([]queue.Job, 0, len(targets))

	for i, dep := range targets {
		i, dep := i, dep
		jobs = append(jobs, queue.Job{
			Name: dep.URI,
			Action: func(ctx context.Context) error {
				provider, err := New(dep.Provider)
				if err != nil {
					metrics.IncDeploymentRun(dep.Provider, "error")
					return err
				}
				result, err := provider.Exec(ctx, cert, *dep)
				if err != nil {
					metrics.IncDeploymentRun(dep.Provider, "error")
					level.Error(d.logger).Log("msg", "deployment failed", "uri", dep.URI, "err", err)
					return err
				}
				if result.Skipped {
					metrics.IncDeploymentRun(dep.Provider, "skipped")
					level.Info(d.logger).Log("msg", "deployment skipped, certificate already in place", "uri", dep.URI)
				} else {
					metrics.IncDeploymentRun(dep.Provider, "success")
					level.Info(d.logger).Log("msg", "deployment done", "uri", dep.URI)
				}
				done[i] = result
				return nil
			},
		})
	}

	jobResults := queue.Run(ctx, d.logger, deployWorkers, jobs)

	results := make([]Result, 0, len(targets))
	for _, res := range done {
		if res != nil {
			results = append(results, *res)
		}
	}

	failed := queue.Failed(jobResults)
	if len(failed) > 0 {
		msgs := make([]string, 0, len(failed))
		for _, res := range failed {
			msgs = append(msgs, fmt.Sprintf("%s: %v", res.Name, res.Err))
		}
		return results, fmt.Errorf("%d of %d deployments failed: %s", len(failed), len(targets), strings.Join(msgs, "; "))
	}
	return results, nil
}
