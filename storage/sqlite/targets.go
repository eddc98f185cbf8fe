package sqlite

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/certmate/certmate/models"
)

// SaveDnsCred inserts the credential or, when a credential with the same name
// exists, overwrites its provider and payload.
func (s *Store) SaveDnsCred(ctx context.Context, cred *models.DnsCred) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	now := time.Now().UTC()
	payload, err := models.EncodePayload(cred.Payload)
	if err != nil {
		return err
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO dns_creds (name, provider, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET provider = excluded.provider,
			payload = excluded.payload, updated_at = excluded.updated_at;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{cred.Name, cred.Provider, payload, timeFormat(now), timeFormat(now)},
		})
	if err != nil {
		return errors.Wrapf(err, "saving dns credential %s", cred.Name)
	}
	cred.UpdatedAt = now
	return nil
}

func scanDnsCred(stmt *sqlite.Stmt) (*models.DnsCred, error) {
	payload, err := models.DecodePayload(stmt.GetText("payload"))
	if err != nil {
		return nil, err
	}
	return &models.DnsCred{
		ID:        stmt.GetInt64("id"),
		Name:      stmt.GetText("name"),
		Provider:  stmt.GetText("provider"),
		Payload:   payload,
		CreatedAt: timeParse(stmt.GetText("created_at")),
		UpdatedAt: timeParse(stmt.GetText("updated_at")),
	}, nil
}

func (s *Store) FindDnsCred(ctx context.Context, name string) (*models.DnsCred, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var cred *models.DnsCred
	err = sqlitex.Execute(conn,
		`SELECT id, name, provider, payload, created_at, updated_at FROM dns_creds WHERE name = ?;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cred, err = scanDnsCred(stmt)
				return err
			},
		})
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrNotFound
	}
	return cred, nil
}

// DefaultDnsCred returns the sole stored credential. When several exist a
// name must be given explicitly, so this returns ErrNotFound unless exactly
// one row is present.
func (s *Store) DefaultDnsCred(ctx context.Context) (*models.DnsCred, error) {
	creds, err := s.ListDnsCreds(ctx)
	if err != nil {
		return nil, err
	}
	if len(creds) != 1 {
		return nil, ErrNotFound
	}
	return creds[0], nil
}

func (s *Store) ListDnsCreds(ctx context.Context) ([]*models.DnsCred, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var creds []*models.DnsCred
	err = sqlitex.Execute(conn,
		`SELECT id, name, provider, payload, created_at, updated_at FROM dns_creds ORDER BY name;`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cred, scanErr := scanDnsCred(stmt)
				if scanErr != nil {
					return scanErr
				}
				creds = append(creds, cred)
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func scanDeployment(stmt *sqlite.Stmt) *models.Deployment {
	return &models.Deployment{
		ID:        stmt.GetInt64("id"),
		URI:       stmt.GetText("uri"),
		Provider:  stmt.GetText("provider"),
		Domain:    stmt.GetText("domain"),
		Host:      stmt.GetText("host"),
		Port:      int(stmt.GetInt64("port")),
		User:      stmt.GetText("user"),
		KeyFile:   stmt.GetText("key_file"),
		CertFile:  stmt.GetText("cert_file"),
		CertKey:   stmt.GetText("cert_key"),
		ReloadCmd: stmt.GetText("reload_cmd"),
		CreatedAt: timeParse(stmt.GetText("created_at")),
		UpdatedAt: timeParse(stmt.GetText("updated_at")),
	}
}

const deploymentColumns = `id, uri, provider, domain, host, port, user, key_file,
	cert_file, cert_key, reload_cmd, created_at, updated_at`

// FindOrNewDeployment looks the target up by its composite URI. A match is
// updated in place, never duplicated; otherwise a new row is inserted. The
// deployment's ID is filled in either way.
func (s *Store) FindOrNewDeployment(ctx context.Context, d *models.Deployment) error {
	if d.URI == "" {
		d.URI = models.BuildDeploymentURI(d.Provider, d.User, d.Host, d.Port, d.CertFile)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	var existingID int64
	err = sqlitex.Execute(conn,
		`SELECT id FROM deployments WHERE uri = ?;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{d.URI},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				existingID = stmt.GetInt64("id")
				return nil
			},
		})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if existingID != 0 {
		err = sqlitex.Execute(conn,
			`UPDATE deployments SET provider = ?, domain = ?, host = ?, port = ?, user = ?,
				key_file = ?, cert_file = ?, cert_key = ?, reload_cmd = ?, updated_at = ?
			 WHERE id = ?;`,
			&sqlitex.ExecOptions{
				Args: []interface{}{
					d.Provider, d.Domain, d.Host, d.Port, d.User, d.KeyFile,
					d.CertFile, d.CertKey, d.ReloadCmd, timeFormat(now), existingID,
				},
			})
		if err != nil {
			return err
		}
		d.ID = existingID
		d.UpdatedAt = now
		return nil
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO deployments (uri, provider, domain, host, port, user, key_file,
			cert_file, cert_key, reload_cmd, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []interface{}{
				d.URI, d.Provider, d.Domain, d.Host, d.Port, d.User, d.KeyFile,
				d.CertFile, d.CertKey, d.ReloadCmd, timeFormat(now), timeFormat(now),
			},
		})
	if err != nil {
		return errors.Wrapf(err, "inserting deployment %s", d.URI)
	}
	d.ID = conn.LastInsertRowID()
	d.CreatedAt = now
	d.UpdatedAt = now
	return nil
}

func (s *Store) GetDeployment(ctx context.Context, id int64) (*models.Deployment, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var d *models.Deployment
	err = sqlitex.Execute(conn,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				d = scanDeployment(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *Store) FindDeploymentsByDomain(ctx context.Context, domain string) ([]*models.Deployment, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var deployments []*models.Deployment
	err = sqlitex.Execute(conn,
		`SELECT `+deploymentColumns+` FROM deployments WHERE domain = ? ORDER BY id;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{domain},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				deployments = append(deployments, scanDeployment(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return deployments, nil
}

func (s *Store) ListDeployments(ctx context.Context) ([]*models.Deployment, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var deployments []*models.Deployment
	err = sqlitex.Execute(conn,
		`SELECT `+deploymentColumns+` FROM deployments ORDER BY id;`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				deployments = append(deployments, scanDeployment(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return deployments, nil
}
