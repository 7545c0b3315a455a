// Package store is the persistent, transactional record of orders,
// deployments, their event logs, webhook dedup entries, and checkout
// idempotency entries. All state transitions are predicated updates: an
// operation that matches no rows is not an error, it re-reads the row so
// callers treat "already done" and "did it now" identically.
package store

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store holds the two control-plane databases: billing (orders) and
// deployments. Coordination across them rides on the unique billing_ref
// constraint rather than cross-database transactions.
type Store struct {
	orders      *sql.DB
	deployments *sql.DB
	hooks       *hookBus
}

// Open opens (or creates) both databases and initializes their schemas.
func Open(ordersPath, deploymentsPath string) (*Store, error) {
	odb, err := openDB(ordersPath)
	if err != nil {
		return nil, fmt.Errorf("open orders db: %w", err)
	}
	ddb, err := openDB(deploymentsPath)
	if err != nil {
		_ = odb.Close()
		return nil, fmt.Errorf("open deployments db: %w", err)
	}

	s := &Store{orders: odb, deployments: ddb, hooks: newHookBus()}
	if err := s.initOrdersSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.initDeploymentsSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

func (s *Store) initOrdersSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id                  TEXT PRIMARY KEY,
		provider            TEXT NOT NULL DEFAULT 'stripe',
		status              TEXT NOT NULL,
		plan_id             TEXT NOT NULL,
		amount              INTEGER NOT NULL,
		currency            TEXT NOT NULL,
		deploy_intent_enc   TEXT NOT NULL,
		metadata            TEXT NOT NULL DEFAULT '{}',
		checkout_session_id TEXT,
		checkout_url        TEXT NOT NULL DEFAULT '',
		payment_intent_id   TEXT NOT NULL DEFAULT '',
		customer_id         TEXT NOT NULL DEFAULT '',
		customer_email      TEXT NOT NULL DEFAULT '',
		deployment_id       TEXT,
		error_message       TEXT,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL,
		paid_at             INTEGER,
		completed_at        INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_checkout_session
		ON orders(checkout_session_id) WHERE checkout_session_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders(status, created_at);

	CREATE TABLE IF NOT EXISTS order_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id   TEXT NOT NULL REFERENCES orders(id),
		type       TEXT NOT NULL,
		message    TEXT NOT NULL DEFAULT '',
		payload    TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id, id DESC);

	CREATE TABLE IF NOT EXISTS webhook_events (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		status       TEXT NOT NULL,
		error        TEXT,
		received_at  INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		processed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS checkout_idempotency (
		key         TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		response    TEXT NOT NULL,
		created_at  INTEGER NOT NULL
	);
	`
	if _, err := s.orders.Exec(schema); err != nil {
		return fmt.Errorf("init orders schema: %w", err)
	}
	return nil
}

func (s *Store) initDeploymentsSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deployments (
		id                  TEXT PRIMARY KEY,
		provider            TEXT NOT NULL DEFAULT 'hetzner',
		name                TEXT NOT NULL,
		owner_user_id       TEXT NOT NULL,
		status              TEXT NOT NULL,
		active_task         TEXT,
		config_enc          TEXT NOT NULL,
		secrets_enc         TEXT NOT NULL DEFAULT '',
		metadata            TEXT NOT NULL DEFAULT '{}',
		billing_ref         TEXT,
		server_id           INTEGER,
		server_name         TEXT,
		public_ip           TEXT,
		ssh_key_id          INTEGER,
		tailnet_url         TEXT,
		gateway_token_enc   TEXT,
		cancel_requested_at INTEGER,
		error_message       TEXT,
		lease_owner         TEXT,
		lease_expires_at    INTEGER,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL,
		started_at          INTEGER,
		completed_at        INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_deployments_billing_ref
		ON deployments(billing_ref) WHERE billing_ref IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_deployments_status_task_created
		ON deployments(status, active_task, created_at);
	CREATE INDEX IF NOT EXISTS idx_deployments_lease_expires ON deployments(lease_expires_at);
	CREATE INDEX IF NOT EXISTS idx_deployments_owner ON deployments(owner_user_id);

	CREATE TABLE IF NOT EXISTS deployment_events (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		deployment_id TEXT NOT NULL REFERENCES deployments(id),
		type          TEXT NOT NULL,
		message       TEXT NOT NULL DEFAULT '',
		payload       TEXT,
		created_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deployment_events_deployment
		ON deployment_events(deployment_id, id DESC);
	`
	if _, err := s.deployments.Exec(schema); err != nil {
		return fmt.Errorf("init deployments schema: %w", err)
	}
	return nil
}

// Ping checks connectivity to both databases (used for readiness probes).
func (s *Store) Ping() error {
	if err := s.orders.Ping(); err != nil {
		return fmt.Errorf("orders db: %w", err)
	}
	if err := s.deployments.Ping(); err != nil {
		return fmt.Errorf("deployments db: %w", err)
	}
	return nil
}

// Close closes both databases.
func (s *Store) Close() error {
	var errs []string
	if s.orders != nil {
		if err := s.orders.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if s.deployments != nil {
		if err := s.deployments.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

func generateID(prefix string) (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}

// GenerateOrderID returns an order ID of the form "ord-" followed by 10
// random Crockford base32 characters.
func GenerateOrderID() (string, error) { return generateID("ord-") }

// GenerateDeploymentID returns a deployment ID of the form "dep-" followed
// by 10 random Crockford base32 characters.
func GenerateDeploymentID() (string, error) { return generateID("dep-") }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
