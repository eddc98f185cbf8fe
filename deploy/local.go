package deploy

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/certmate/certmate/models"
	"github.com/certmate/certmate/utils"
)

func init() {
	Register(&Local{})
}

// Local writes certificate material to the local filesystem.
type Local struct{}

func (l *Local) Name() string { return "local" }

// Exists reports whether the target certificate file is already occupied.
func (l *Local) Exists(_ context.Context, dep models.Deployment) (bool, error) {
	return utils.FileExists(dep.CertFile), nil
}

// ShouldSkip reports whether the file at dep.CertFile already holds the
// certificate's leaf.
func (l *Local) ShouldSkip(_ context.Context, cert *models.Cert, dep models.Deployment) (bool, error) {
	if !utils.FileExists(dep.CertFile) {
		return false, nil
	}
	existing, err := os.ReadFile(dep.CertFile)
	if err != nil {
		return false, err
	}
	existingSerial, err := certSerial(existing)
	if err != nil {
		// unreadable target content means redeploy
		return false, nil
	}
	wantSerial, err := certSerial([]byte(cert.Certificate))
	if err != nil {
		return false, err
	}
	return existingSerial == wantSerial, nil
}

func (l *Local) Exec(ctx context.Context, cert *models.Cert, dep models.Deployment) (*Result, error) {
	skip, err := l.ShouldSkip(ctx, cert, dep)
	if err != nil {
		return nil, err
	}
	if skip {
		return &Result{URI: dep.URI, Skipped: true}, nil
	}

	if err := utils.CreateNonExistingFolder(filepath.Dir(dep.CertFile)); err != nil {
		return nil, err
	}
	if err := os.WriteFile(dep.CertFile, []byte(cert.Certificate), 0640); err != nil {
		return nil, errors.Wrap(err, "unable to write certificate file")
	}
	if dep.CertKey != "" {
		if err := utils.CreateNonExistingFolder(filepath.Dir(dep.CertKey)); err != nil {
			return nil, err
		}
		if err := os.WriteFile(dep.CertKey, []byte(cert.PrivateKey), 0600); err != nil {
			return nil, errors.Wrap(err, "unable to write private key file")
		}
	}

	result := &Result{URI: dep.URI}
	if dep.ReloadCmd != "" {
		out, err := exec.CommandContext(ctx, "sh", "-c", dep.ReloadCmd).CombinedOutput()
		result.Output = strings.TrimSpace(string(out))
		if err != nil {
			return result, errors.Wrapf(err, "reload command failed: %s", result.Output)
		}
	}
	return result, nil
}
