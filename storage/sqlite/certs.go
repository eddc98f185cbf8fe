package sqlite

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/certmate/certmate/models"
)

func (s *Store) CreateCert(ctx context.Context, cert *models.Cert) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	now := time.Now().UTC()
	domains, err := models.EncodeStringList(cert.Domains)
	if err != nil {
		return err
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO certs (cert_order_id, name, ca, env, email, algorithm, domains,
			csr, private_key, certificate, issuer_certificate, not_after, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []interface{}{
				cert.OrderID, cert.Name, cert.CA, cert.Env, cert.Email, cert.Algorithm,
				domains, cert.CSR, cert.PrivateKey,
				cert.Certificate, cert.IssuerCertificate, timeFormat(cert.NotAfter),
				timeFormat(now), timeFormat(now),
			},
		})
	if err != nil {
		return errors.Wrapf(err, "inserting cert %s", cert.Name)
	}
	cert.ID = conn.LastInsertRowID()
	cert.CreatedAt = now
	cert.UpdatedAt = now
	return nil
}

// SaveCertMaterial stores the downloaded certificate chain and expiry for an
// existing cert row.
func (s *Store) SaveCertMaterial(ctx context.Context, cert *models.Cert) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	now := time.Now().UTC()
	err = sqlitex.Execute(conn,
		`UPDATE certs SET certificate = ?, issuer_certificate = ?, not_after = ?, updated_at = ?
		 WHERE id = ?;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{
				cert.Certificate, cert.IssuerCertificate, timeFormat(cert.NotAfter),
				timeFormat(now), cert.ID,
			},
		})
	if err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	cert.UpdatedAt = now
	return nil
}

func scanCert(stmt *sqlite.Stmt) (*models.Cert, error) {
	domains, err := models.DecodeStringList(stmt.GetText("domains"))
	if err != nil {
		return nil, err
	}
	return &models.Cert{
		ID:                stmt.GetInt64("id"),
		OrderID:           stmt.GetInt64("cert_order_id"),
		Name:              stmt.GetText("name"),
		CA:                stmt.GetText("ca"),
		Env:               stmt.GetText("env"),
		Email:             stmt.GetText("email"),
		Algorithm:         stmt.GetText("algorithm"),
		Domains:           domains,
		CSR:               stmt.GetText("csr"),
		PrivateKey:        stmt.GetText("private_key"),
		Certificate:       stmt.GetText("certificate"),
		IssuerCertificate: stmt.GetText("issuer_certificate"),
		NotAfter:          timeParse(stmt.GetText("not_after")),
		CreatedAt:         timeParse(stmt.GetText("created_at")),
		UpdatedAt:         timeParse(stmt.GetText("updated_at")),
	}, nil
}

const certColumns = `id, cert_order_id, name, ca, env, email, algorithm, domains,
	csr, private_key, certificate, issuer_certificate, not_after, created_at, updated_at`

// FindCert returns the most recent cert row for name within the account
// scope, so the same name issued in staging and production never collide.
// An empty email matches any account email.
func (s *Store) FindCert(ctx context.Context, name, ca, env, email string) (*models.Cert, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var cert *models.Cert
	err = sqlitex.Execute(conn,
		`SELECT `+certColumns+` FROM certs
		 WHERE name = ? AND ca = ? AND env = ? AND (? = '' OR email = ?)
		 ORDER BY id DESC LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{name, ca, env, email, email},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cert, err = scanCert(stmt)
				return err
			},
		})
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, ErrNotFound
	}
	return cert, nil
}

func (s *Store) FindCertByOrder(ctx context.Context, orderID int64) (*models.Cert, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var cert *models.Cert
	err = sqlitex.Execute(conn,
		`SELECT `+certColumns+` FROM certs WHERE cert_order_id = ? ORDER BY id DESC LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{orderID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cert, err = scanCert(stmt)
				return err
			},
		})
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, ErrNotFound
	}
	return cert, nil
}

// ListExpiringCerts returns certs whose not_after falls before the deadline.
func (s *Store) ListExpiringCerts(ctx context.Context, deadline time.Time) ([]*models.Cert, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var certs []*models.Cert
	err = sqlitex.Execute(conn,
		`SELECT `+certColumns+` FROM certs
		 WHERE not_after != '' AND not_after <= ? AND certificate != ''
		 ORDER BY not_after;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{timeFormat(deadline)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cert, scanErr := scanCert(stmt)
				if scanErr != nil {
					return scanErr
				}
				certs = append(certs, cert)
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return certs, nil
}
