package target

import (
	"math"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"credential-rotator/db-rotation/credential"
)

type postgresDialect struct{}

func (postgresDialect) driverName() string { return "postgres" }

func (postgresDialect) dsn(p *credential.Payload, timeout time.Duration, sslMode string) (string, error) {
	query := url.Values{}
	query.Set("sslmode", sslMode)
	query.Set("connect_timeout", strconv.Itoa(timeoutSeconds(timeout)))

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.Username, p.Password),
		Host:     net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:     "/" + p.DBName,
		RawQuery: query.Encode(),
	}
	return u.String(), nil
}

// ALTER USER is a utility statement and takes no bind parameters, so both parts are
// quoted by the driver's helpers.
func (postgresDialect) alterUser(username, password string) (string, []any) {
	return "ALTER USER " + pq.QuoteIdentifier(username) + " WITH PASSWORD " + pq.QuoteLiteral(password), nil
}

type mysqlDialect struct {
	userHost string
}

func (mysqlDialect) driverName() string { return "mysql" }

func (mysqlDialect) dsn(p *credential.Payload, timeout time.Duration, sslMode string) (string, error) {
	cfg := mysql.NewConfig()
	cfg.User = p.Username
	cfg.Passwd = p.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	cfg.DBName = p.DBName
	cfg.Timeout = timeout
	cfg.ReadTimeout = timeout
	cfg.WriteTimeout = timeout
	// ALTER USER is not preparable
	cfg.InterpolateParams = true
	cfg.TLSConfig = mysqlTLS(sslMode)
	return cfg.FormatDSN(), nil
}

func (d mysqlDialect) alterUser(username, password string) (string, []any) {
	return "ALTER USER ?@? IDENTIFIED BY ?", []any{username, d.userHost, password}
}

// mysqlTLS maps a PostgreSQL sslmode onto the mysql driver's tls parameter.
func mysqlTLS(sslMode string) string {
	switch sslMode {
	case "disable":
		return "false"
	case "allow", "prefer":
		return "preferred"
	case "verify-ca", "verify-full":
		return "true"
	default:
		return "skip-verify"
	}
}

func timeoutSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
