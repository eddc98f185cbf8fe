package sqlite

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ca TEXT NOT NULL,
	env TEXT NOT NULL CHECK (env IN ('staging', 'production')),
	email TEXT NOT NULL,
	account_url TEXT NOT NULL DEFAULT '',
	private_key TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS accounts_ca_env_email ON accounts (ca, env, email);

CREATE TABLE IF NOT EXISTS cert_orders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	ca TEXT NOT NULL,
	env TEXT NOT NULL CHECK (env IN ('staging', 'production')),
	dns_cred_name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL,
	domains TEXT NOT NULL,
	order_url TEXT NOT NULL,
	certificate_url TEXT NOT NULL DEFAULT '',
	finalize_url TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('pending', 'ready', 'processing', 'valid', 'invalid')),
	expired_at TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS cert_orders_name ON cert_orders (name, ca, env);

CREATE TABLE IF NOT EXISTS order_challenges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cert_order_id INTEGER NOT NULL REFERENCES cert_orders (id) ON DELETE CASCADE,
	identifier_type TEXT NOT NULL DEFAULT 'dns',
	identifier_value TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'dns-01',
	is_wildcard INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	token TEXT NOT NULL,
	sign_key TEXT NOT NULL DEFAULT '',
	challenge_url TEXT NOT NULL,
	authorization_url TEXT NOT NULL,
	authorization_status TEXT NOT NULL DEFAULT '',
	expired_at TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS order_challenges_order ON order_challenges (cert_order_id);

CREATE TABLE IF NOT EXISTS certs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cert_order_id INTEGER NOT NULL REFERENCES cert_orders (id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	ca TEXT NOT NULL DEFAULT '',
	env TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	algorithm TEXT NOT NULL DEFAULT '',
	domains TEXT NOT NULL,
	csr TEXT NOT NULL DEFAULT '',
	private_key TEXT NOT NULL DEFAULT '',
	certificate TEXT NOT NULL DEFAULT '',
	issuer_certificate TEXT NOT NULL DEFAULT '',
	not_after TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS certs_name ON certs (name, ca, env);

CREATE TABLE IF NOT EXISTS dns_creds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	provider TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS dns_creds_name ON dns_creds (name);

CREATE TABLE IF NOT EXISTS deployments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uri TEXT NOT NULL,
	provider TEXT NOT NULL,
	domain TEXT NOT NULL DEFAULT '',
	host TEXT NOT NULL DEFAULT '',
	port INTEGER NOT NULL DEFAULT 0,
	user TEXT NOT NULL DEFAULT '',
	key_file TEXT NOT NULL DEFAULT '',
	cert_file TEXT NOT NULL,
	cert_key TEXT NOT NULL DEFAULT '',
	reload_cmd TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS deployments_uri ON deployments (uri);
`

func initSchema(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, schema, nil)
}
