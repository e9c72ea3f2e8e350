package gcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credential-rotator/db-rotation/app"
	"credential-rotator/db-rotation/config"
	"credential-rotator/db-rotation/credential"
	"credential-rotator/db-rotation/storage"
	"credential-rotator/db-rotation/target"
)

const secretName = "projects/acme/secrets/orders-db"

type fakeDB struct {
	mu        sync.Mutex
	passwords map[string]string
	down      bool
}

func (db *fakeDB) Connect(_ context.Context, p *credential.Payload) (target.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.down {
		return nil, target.ErrConnectionTimeout
	}
	if db.passwords[p.Username] != p.Password {
		return nil, target.ErrAuthFailed
	}
	return &fakeSession{db: db}, nil
}

type fakeSession struct{ db *fakeDB }

func (s *fakeSession) ChangePassword(_ context.Context, username, password string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.passwords[username] = password
	return nil
}

func (s *fakeSession) Probe(context.Context) error { return nil }
func (s *fakeSession) Close() error                { return nil }

func newTestHandler(t *testing.T, seed string) (*Handler, *storage.MemoryStore, *fakeDB) {
	t.Helper()
	store := storage.NewMemoryStore()
	store.Seed(secretName, "version-1", []byte(seed), true)
	db := &fakeDB{passwords: map[string]string{"app": "old"}}

	cfg := config.Default()
	cfg.Provider = config.ProviderGCP
	cfg.ProjectID = "acme"
	a, err := app.New(context.Background(), cfg,
		app.WithStore(store),
		app.WithConnector(db),
		app.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	return NewHandler(a), store, db
}

const validSeed = `{"host":"10.0.0.5","port":5432,"dbname":"orders","username":"app","password":"old"}`

func push(t *testing.T, h http.Handler, body string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestHandler_Rotate(t *testing.T) {
	h, store, _ := newTestHandler(t, validSeed)

	code := push(t, h, `{"message":{"attributes":{"eventType":"SECRET_ROTATE","secretId":"`+secretName+`"},"messageId":"1"},"subscription":"projects/acme/subscriptions/rotator"}`)
	assert.Equal(t, http.StatusOK, code)

	meta, err := store.Describe(context.Background(), secretName)
	require.NoError(t, err)
	current, _ := meta.VersionWithStage(storage.StageCurrent)
	assert.NotEqual(t, "version-1", current)
	assert.True(t, meta.HasStage("version-1", storage.StagePrevious))
}

func TestHandler_IgnoredEvents(t *testing.T) {
	h, store, _ := newTestHandler(t, validSeed)

	assert.Equal(t, http.StatusNoContent, push(t, h, `{"message":{"attributes":{"eventType":"SECRET_VERSION_ADD","secretId":"`+secretName+`"}}}`))
	assert.Equal(t, http.StatusNoContent, push(t, h, `{"message":{"attributes":{"eventType":"SECRET_ROTATE"}}}`))
	assert.Equal(t, http.StatusBadRequest, push(t, h, `not json`))

	meta, err := store.Describe(context.Background(), secretName)
	require.NoError(t, err)
	assert.True(t, meta.HasStage("version-1", storage.StageCurrent))
}

func TestHandler_FailureStatus(t *testing.T) {
	rotate := `{"message":{"attributes":{"eventType":"SECRET_ROTATE","secretId":"` + secretName + `"}}}`

	h, _, db := newTestHandler(t, validSeed)
	db.down = true
	assert.Equal(t, http.StatusInternalServerError, push(t, h, rotate), "retryable failures are redelivered")

	h, _, _ = newTestHandler(t, `{"host":"10.0.0.5","port":5432,"dbname":"orders","username":"app"}`)
	assert.Equal(t, http.StatusOK, push(t, h, rotate), "a broken secret is acknowledged")
}
