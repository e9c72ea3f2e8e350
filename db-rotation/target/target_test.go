package target

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credential-rotator/db-rotation/credential"
)

func testPayload(t *testing.T, engine string) *credential.Payload {
	t.Helper()
	raw := `{"host":"db.example.com","port":5432,"dbname":"orders","username":"app_user","password":"pw"`
	if engine != "" {
		raw += `,"engine":"` + engine + `"`
	}
	p, err := credential.Parse([]byte(raw + "}"))
	require.NoError(t, err)
	return p
}

// mockConnector returns a connector whose connections go to sqlmock.
func mockConnector(t *testing.T) (*SQLConnector, sqlmock.Sqlmock, *string) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.MonitorPingsOption(true),
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual),
	)
	require.NoError(t, err)

	var driver string
	c := NewSQLConnector()
	c.Open = func(driverName, dsn string) (*sql.DB, error) {
		driver = driverName
		return db, nil
	}
	return c, mock, &driver
}

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"simple", "app_user", true},
		{"leading underscore", "_svc", true},
		{"max length", strings.Repeat("a", 63), true},
		{"too long", strings.Repeat("a", 64), false},
		{"leading digit", "1app", false},
		{"empty", "", false},
		{"quote", `app"; DROP ROLE admin; --`, false},
		{"space", "app user", false},
		{"hyphen", "app-user", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.input)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidIdentifier)
			}
		})
	}
}

func TestConnect_PostgresChangePassword(t *testing.T) {
	c, mock, driver := mockConnector(t)
	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectExec(`ALTER USER "app_user" WITH PASSWORD 'n3w''pw'`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectClose()

	session, err := c.Connect(context.Background(), testPayload(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "postgres", *driver)

	require.NoError(t, session.ChangePassword(context.Background(), "app_user", "n3w'pw"))
	require.NoError(t, session.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnect_MySQLChangePassword(t *testing.T) {
	c, mock, driver := mockConnector(t)
	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectExec("ALTER USER ?@? IDENTIFIED BY ?").
		WithArgs("app_user", "%", "secret").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectClose()

	session, err := c.Connect(context.Background(), testPayload(t, "mysql"))
	require.NoError(t, err)
	assert.Equal(t, "mysql", *driver)

	require.NoError(t, session.ChangePassword(context.Background(), "app_user", "secret"))
	require.NoError(t, session.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangePassword_InvalidIdentifierRunsNoSQL(t *testing.T) {
	c, mock, _ := mockConnector(t)
	mock.ExpectPing()
	mock.ExpectClose()

	session, err := c.Connect(context.Background(), testPayload(t, ""))
	require.NoError(t, err)

	err = session.ChangePassword(context.Background(), `x"; DROP TABLE t; --`, "pw")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
	require.NoError(t, session.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangePassword_ExecFailureRollsBack(t *testing.T) {
	c, mock, _ := mockConnector(t)
	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectExec(`ALTER USER "app_user" WITH PASSWORD 'pw'`).
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()
	mock.ExpectClose()

	session, err := c.Connect(context.Background(), testPayload(t, ""))
	require.NoError(t, err)

	err = session.ChangePassword(context.Background(), "app_user", "pw")
	assert.ErrorContains(t, err, "permission denied")
	require.NoError(t, session.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(mock sqlmock.Sqlmock)
		wantErr bool
	}{
		{
			name: "returns one",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
			},
		},
		{
			name: "unexpected value",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(2))
			},
			wantErr: true,
		},
		{
			name: "query error",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection reset"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mock, _ := mockConnector(t)
			mock.ExpectPing()
			tt.setup(mock)
			mock.ExpectClose()

			session, err := c.Connect(context.Background(), testPayload(t, ""))
			require.NoError(t, err)

			err = session.Probe(context.Background())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProbeFailed)
			} else {
				assert.NoError(t, err)
			}
			require.NoError(t, session.Close())
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestConnect_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name    string
		pingErr error
		want    error
	}{
		{"postgres password rejected", &pq.Error{Code: "28P01", Message: "password authentication failed"}, ErrAuthFailed},
		{"mysql access denied", &mysql.MySQLError{Number: 1045, Message: "Access denied"}, ErrAuthFailed},
		{"other failure", errors.New("database does not exist"), ErrAuthFailed},
		{"deadline", context.DeadlineExceeded, ErrConnectionTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mock, _ := mockConnector(t)
			mock.ExpectPing().WillReturnError(tt.pingErr)
			mock.ExpectClose()

			_, err := c.Connect(context.Background(), testPayload(t, ""))
			assert.ErrorIs(t, err, tt.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestConnect_TimesOut(t *testing.T) {
	c, mock, _ := mockConnector(t)
	c.Timeout = 20 * time.Millisecond
	mock.ExpectPing().WillDelayFor(time.Second)
	mock.ExpectClose()

	start := time.Now()
	_, err := c.Connect(context.Background(), testPayload(t, ""))
	assert.ErrorIs(t, err, ErrConnectionTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnect_UnsupportedEngine(t *testing.T) {
	c := NewSQLConnector()
	c.Open = func(string, string) (*sql.DB, error) {
		t.Fatal("no connection expected")
		return nil, nil
	}

	_, err := c.Connect(context.Background(), testPayload(t, "oracle"))
	assert.ErrorIs(t, err, ErrUnsupportedEngine)
}

func TestPostgresDSN(t *testing.T) {
	dsn, err := postgresDialect{}.dsn(testPayload(t, ""), DefaultConnectTimeout, "require")
	require.NoError(t, err)
	assert.Equal(t, "postgres://app_user:pw@db.example.com:5432/orders?connect_timeout=5&sslmode=require", dsn)
}

func TestMySQLDSN(t *testing.T) {
	dsn, err := mysqlDialect{userHost: "%"}.dsn(testPayload(t, "mysql"), 3*time.Second, "disable")
	require.NoError(t, err)

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "app_user", cfg.User)
	assert.Equal(t, "pw", cfg.Passwd)
	assert.Equal(t, "db.example.com:5432", cfg.Addr)
	assert.Equal(t, "orders", cfg.DBName)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.True(t, cfg.InterpolateParams)
}

func TestTimeoutSeconds(t *testing.T) {
	assert.Equal(t, 1, timeoutSeconds(10*time.Millisecond))
	assert.Equal(t, 5, timeoutSeconds(5*time.Second))
	assert.Equal(t, 3, timeoutSeconds(2500*time.Millisecond))
}
