// Package target applies and validates credentials against the database a secret
// belongs to.
package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"credential-rotator/db-rotation/credential"
)

// DefaultConnectTimeout bounds connection setup when SQLConnector.Timeout is zero.
const DefaultConnectTimeout = 5 * time.Second

var (
	ErrAuthFailed        = errors.New("authentication failed")
	ErrConnectionTimeout = errors.New("connection timed out")
	ErrProbeFailed       = errors.New("validation query failed")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrUnsupportedEngine = errors.New("unsupported database engine")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateIdentifier checks a role name against the allow-list applied before it
// is placed in SQL.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// Session is one authenticated connection to the target database.
type Session interface {
	// ChangePassword sets the password of username inside a transaction.
	ChangePassword(ctx context.Context, username, password string) error
	// Probe runs the validation query.
	Probe(ctx context.Context) error
	Close() error
}

// dialect holds what differs between database engines.
type dialect interface {
	driverName() string
	dsn(p *credential.Payload, timeout time.Duration, sslMode string) (string, error)
	alterUser(username, password string) (string, []any)
}

// SQLConnector opens sessions through database/sql.
type SQLConnector struct {
	// Timeout bounds connect and authentication. Zero means DefaultConnectTimeout.
	Timeout time.Duration
	// SSLMode is the PostgreSQL sslmode; MySQL maps it to its tls parameter.
	// Empty means "require".
	SSLMode string
	// UserHost is the MySQL account host of rotated users. Empty means "%".
	UserHost string
	// Open replaces sql.Open, mainly in tests.
	Open func(driverName, dsn string) (*sql.DB, error)
}

// creates a new SQLConnector with default settings.
func NewSQLConnector() *SQLConnector {
	return &SQLConnector{Timeout: DefaultConnectTimeout, SSLMode: "require"}
}

// Connect opens a single connection authenticated with the payload's credential.
func (c *SQLConnector) Connect(ctx context.Context, p *credential.Payload) (Session, error) {
	d, err := c.dialectFor(p.Engine)
	if err != nil {
		return nil, err
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	dsn, err := d.dsn(p, timeout, sslMode)
	if err != nil {
		return nil, err
	}

	open := c.Open
	if open == nil {
		open = sql.Open
	}
	db, err := open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", d.driverName(), err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, classifyConnectError(pingCtx, p, err)
	}

	return &sqlSession{db: db, dialect: d}, nil
}

func (c *SQLConnector) dialectFor(engine string) (dialect, error) {
	switch strings.ToLower(engine) {
	case "", "postgres", "postgresql", "aurora-postgresql":
		return postgresDialect{}, nil
	case "mysql", "mariadb", "aurora", "aurora-mysql":
		host := c.UserHost
		if host == "" {
			host = "%"
		}
		return mysqlDialect{userHost: host}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEngine, engine)
	}
}

// classifyConnectError maps a failed ping to the connector's error taxonomy. Anything
// that is not a timeout counts as an authentication failure.
func classifyConnectError(ctx context.Context, p *credential.Payload, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s:%d: %v", ErrConnectionTimeout, p.Host, p.Port, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s:%d: %v", ErrConnectionTimeout, p.Host, p.Port, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == "28P01" || pqErr.Code == "28000") {
		return fmt.Errorf("%w: credentials for %s rejected: %v", ErrAuthFailed, p.Username, err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1045 {
		return fmt.Errorf("%w: credentials for %s rejected: %v", ErrAuthFailed, p.Username, err)
	}
	return fmt.Errorf("%w: %s:%d: %v", ErrAuthFailed, p.Host, p.Port, err)
}

type sqlSession struct {
	db      *sql.DB
	dialect dialect
}

func (s *sqlSession) ChangePassword(ctx context.Context, username, password string) error {
	if err := ValidateIdentifier(username); err != nil {
		return err
	}
	query, args := s.dialect.alterUser(username, password)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to change password of %s: %w", username, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit password change: %w", err)
	}
	return nil
}

func (s *sqlSession) Probe(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&n); err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	if n != 1 {
		return fmt.Errorf("%w: SELECT 1 returned %d", ErrProbeFailed, n)
	}
	return nil
}

func (s *sqlSession) Close() error {
	return s.db.Close()
}
