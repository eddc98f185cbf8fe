package sqlite

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/certmate/certmate/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store persists accounts, orders, challenges, certs, dns credentials and
// deployment targets in a sqlite database.
type Store struct {
	pool *sqlitex.Pool
}

// Open opens (or creates) the database at path and runs the schema. The
// special path ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	uri := path
	poolSize := 4
	if path == ":memory:" {
		uri = "file::memory:?mode=memory"
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(uri, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = ON;", nil)
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	store := &Store{pool: pool}

	conn, err := pool.Take(context.Background())
	if err != nil {
		return nil, errors.Wrap(err, "getting connection")
	}
	defer pool.Put(conn)

	if err := initSchema(conn); err != nil {
		return nil, errors.Wrap(err, "initializing schema")
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.pool.Close()
}

func timeFormat(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func timeParse(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Store) CreateAccount(ctx context.Context, account *models.Account) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	now := time.Now().UTC()
	err = sqlitex.Execute(conn,
		`INSERT INTO accounts (ca, env, email, account_url, private_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []interface{}{
				account.CA, account.Env, account.Email, account.AccountURL,
				account.PrivateKey, timeFormat(now), timeFormat(now),
			},
		})
	if err != nil {
		return errors.Wrapf(err, "inserting account %s/%s", account.CA, account.Env)
	}
	account.ID = conn.LastInsertRowID()
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

func (s *Store) FindAccount(ctx context.Context, ca, env, email string) (*models.Account, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var account *models.Account
	err = sqlitex.Execute(conn,
		`SELECT id, ca, env, email, account_url, private_key, created_at, updated_at
		 FROM accounts WHERE ca = ? AND env = ? AND email = ?;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{ca, env, email},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				account = &models.Account{
					ID:         stmt.GetInt64("id"),
					CA:         stmt.GetText("ca"),
					Env:        stmt.GetText("env"),
					Email:      stmt.GetText("email"),
					AccountURL: stmt.GetText("account_url"),
					PrivateKey: stmt.GetText("private_key"),
					CreatedAt:  timeParse(stmt.GetText("created_at")),
					UpdatedAt:  timeParse(stmt.GetText("updated_at")),
				}
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrNotFound
	}
	return account, nil
}

// CreateOrderWithChallenges inserts the order and all of its challenges in a
// single savepoint. Either every row is persisted or none is.
func (s *Store) CreateOrderWithChallenges(ctx context.Context, order *models.CertOrder, challenges []*models.OrderChallenge) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	defer sqlitex.Save(conn)(&err)

	now := time.Now().UTC()
	domains, err := models.EncodeStringList(order.Domains)
	if err != nil {
		return err
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO cert_orders (name, ca, env, dns_cred_name, email, domains, order_url,
			certificate_url, finalize_url, status, expired_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []interface{}{
				order.Name, order.CA, order.Env, order.DNSCredName, order.Email,
				domains, order.OrderURL, order.CertificateURL, order.FinalizeURL,
				order.Status, timeFormat(order.ExpiredAt), timeFormat(now), timeFormat(now),
			},
		})
	if err != nil {
		return errors.Wrapf(err, "inserting order %s", order.Name)
	}
	order.ID = conn.LastInsertRowID()
	order.CreatedAt = now
	order.UpdatedAt = now

	for _, ch := range challenges {
		err = sqlitex.Execute(conn,
			`INSERT INTO order_challenges (cert_order_id, identifier_type, identifier_value,
				type, is_wildcard, status, token, sign_key, challenge_url, authorization_url,
				authorization_status, expired_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			&sqlitex.ExecOptions{
				Args: []interface{}{
					order.ID, ch.IdentifierType, ch.IdentifierValue, ch.Type,
					boolToInt(ch.IsWildcard), ch.Status, ch.Token, ch.SignKey,
					ch.ChallengeURL, ch.AuthorizationURL, ch.AuthorizationStatus,
					timeFormat(ch.ExpiredAt), timeFormat(now), timeFormat(now),
				},
			})
		if err != nil {
			return errors.Wrapf(err, "inserting challenge %s", ch.IdentifierValue)
		}
		ch.ID = conn.LastInsertRowID()
		ch.OrderID = order.ID
		ch.CreatedAt = now
		ch.UpdatedAt = now
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const orderColumns = `id, name, ca, env, dns_cred_name, email, domains, order_url,
	certificate_url, finalize_url, status, expired_at, created_at, updated_at`

func scanOrder(stmt *sqlite.Stmt) (*models.CertOrder, error) {
	domains, err := models.DecodeStringList(stmt.GetText("domains"))
	if err != nil {
		return nil, err
	}
	return &models.CertOrder{
		ID:             stmt.GetInt64("id"),
		Name:           stmt.GetText("name"),
		CA:             stmt.GetText("ca"),
		Env:            stmt.GetText("env"),
		DNSCredName:    stmt.GetText("dns_cred_name"),
		Email:          stmt.GetText("email"),
		Domains:        domains,
		OrderURL:       stmt.GetText("order_url"),
		CertificateURL: stmt.GetText("certificate_url"),
		FinalizeURL:    stmt.GetText("finalize_url"),
		Status:         stmt.GetText("status"),
		ExpiredAt:      timeParse(stmt.GetText("expired_at")),
		CreatedAt:      timeParse(stmt.GetText("created_at")),
		UpdatedAt:      timeParse(stmt.GetText("updated_at")),
	}, nil
}

// FindActiveOrder returns the order for name that is still in a non-terminal
// status, or ErrNotFound.
func (s *Store) FindActiveOrder(ctx context.Context, ca, env, email, name string) (*models.CertOrder, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var order *models.CertOrder
	err = sqlitex.Execute(conn,
		`SELECT `+orderColumns+` FROM cert_orders
		 WHERE ca = ? AND env = ? AND email = ? AND name = ?
		   AND status IN ('pending', 'ready', 'processing', 'valid')
		 ORDER BY id DESC LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{ca, env, email, name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				order, err = scanOrder(stmt)
				return err
			},
		})
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrNotFound
	}
	return order, nil
}

// FindOrderByName returns the most recent order for name regardless of status.
func (s *Store) FindOrderByName(ctx context.Context, ca, env, name string) (*models.CertOrder, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var order *models.CertOrder
	err = sqlitex.Execute(conn,
		`SELECT `+orderColumns+` FROM cert_orders
		 WHERE ca = ? AND env = ? AND name = ? ORDER BY id DESC LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{ca, env, name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				order, err = scanOrder(stmt)
				return err
			},
		})
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrNotFound
	}
	return order, nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*models.CertOrder, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var order *models.CertOrder
	err = sqlitex.Execute(conn,
		`SELECT `+orderColumns+` FROM cert_orders WHERE id = ?;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				order, err = scanOrder(stmt)
				return err
			},
		})
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrNotFound
	}
	return order, nil
}

func scanChallenge(stmt *sqlite.Stmt) *models.OrderChallenge {
	return &models.OrderChallenge{
		ID:                  stmt.GetInt64("id"),
		OrderID:             stmt.GetInt64("cert_order_id"),
		IdentifierType:      stmt.GetText("identifier_type"),
		IdentifierValue:     stmt.GetText("identifier_value"),
		Type:                stmt.GetText("type"),
		IsWildcard:          stmt.GetInt64("is_wildcard") != 0,
		Status:              stmt.GetText("status"),
		Token:               stmt.GetText("token"),
		SignKey:             stmt.GetText("sign_key"),
		ChallengeURL:        stmt.GetText("challenge_url"),
		AuthorizationURL:    stmt.GetText("authorization_url"),
		AuthorizationStatus: stmt.GetText("authorization_status"),
		ExpiredAt:           timeParse(stmt.GetText("expired_at")),
		CreatedAt:           timeParse(stmt.GetText("created_at")),
		UpdatedAt:           timeParse(stmt.GetText("updated_at")),
	}
}

func (s *Store) OrderChallenges(ctx context.Context, orderID int64) ([]*models.OrderChallenge, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var challenges []*models.OrderChallenge
	err = sqlitex.Execute(conn,
		`SELECT id, cert_order_id, identifier_type, identifier_value, type, is_wildcard,
			status, token, sign_key, challenge_url, authorization_url, authorization_status,
			expired_at, created_at, updated_at
		 FROM order_challenges WHERE cert_order_id = ? ORDER BY id;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{orderID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				challenges = append(challenges, scanChallenge(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return challenges, nil
}

// UpdateOrderStatus persists the mutable order fields, skipping the write when
// nothing changed.
func (s *Store) UpdateOrderStatus(ctx context.Context, order *models.CertOrder) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	changed := true
	err = sqlitex.Execute(conn,
		`SELECT status, certificate_url, finalize_url, expired_at FROM cert_orders WHERE id = ?;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{order.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				changed = stmt.GetText("status") != order.Status ||
					stmt.GetText("certificate_url") != order.CertificateURL ||
					stmt.GetText("finalize_url") != order.FinalizeURL ||
					stmt.GetText("expired_at") != timeFormat(order.ExpiredAt)
				return nil
			},
		})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	now := time.Now().UTC()
	err = sqlitex.Execute(conn,
		`UPDATE cert_orders SET status = ?, certificate_url = ?, finalize_url = ?,
			expired_at = ?, updated_at = ? WHERE id = ?;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{
				order.Status, order.CertificateURL, order.FinalizeURL,
				timeFormat(order.ExpiredAt), timeFormat(now), order.ID,
			},
		})
	if err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	order.UpdatedAt = now
	return nil
}

// UpdateChallenge persists the mutable challenge fields, skipping the write
// when nothing changed.
func (s *Store) UpdateChallenge(ctx context.Context, ch *models.OrderChallenge) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	changed := true
	err = sqlitex.Execute(conn,
		`SELECT status, authorization_status, sign_key, expired_at FROM order_challenges WHERE id = ?;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{ch.ID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				changed = stmt.GetText("status") != ch.Status ||
					stmt.GetText("authorization_status") != ch.AuthorizationStatus ||
					stmt.GetText("sign_key") != ch.SignKey ||
					stmt.GetText("expired_at") != timeFormat(ch.ExpiredAt)
				return nil
			},
		})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	now := time.Now().UTC()
	err = sqlitex.Execute(conn,
		`UPDATE order_challenges SET status = ?, authorization_status = ?, sign_key = ?,
			expired_at = ?, updated_at = ? WHERE id = ?;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{
				ch.Status, ch.AuthorizationStatus, ch.SignKey,
				timeFormat(ch.ExpiredAt), timeFormat(now), ch.ID,
			},
		})
	if err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	ch.UpdatedAt = now
	return nil
}

// DeleteOrder removes an order. Challenges and certs cascade.
func (s *Store) DeleteOrder(ctx context.Context, id int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM cert_orders WHERE id = ?;`,
		&sqlitex.ExecOptions{Args: []interface{}{id}})
	if err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}
