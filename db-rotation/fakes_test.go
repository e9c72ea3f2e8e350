package rotation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"credential-rotator/db-rotation/credential"
	"credential-rotator/db-rotation/storage"
	"credential-rotator/db-rotation/target"
)

const (
	testSecret  = "arn:aws:secretsmanager:eu-west-1:123456789012:secret:orders-db"
	seedVersion = "v1"
	seedValue   = `{"host":"orders.internal","port":5432,"dbname":"orders","username":"app","password":"old","dbInstanceIdentifier":"orders-prod"}`
)

// fakeDB accepts logins whose password matches what it has recorded for the user.
type fakeDB struct {
	mu         sync.Mutex
	passwords  map[string]string
	connects   int
	open       int
	changes    int
	connectErr error
}

func newFakeDB() *fakeDB {
	return &fakeDB{passwords: map[string]string{"app": "old"}}
}

func (db *fakeDB) Connect(_ context.Context, p *credential.Payload) (target.Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.connects++
	if db.connectErr != nil {
		return nil, db.connectErr
	}
	if pw, ok := db.passwords[p.Username]; !ok || pw != p.Password {
		return nil, fmt.Errorf("%w: password authentication failed for user %q", target.ErrAuthFailed, p.Username)
	}
	db.open++
	return &fakeSession{db: db}, nil
}

func (db *fakeDB) password(user string) string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.passwords[user]
}

func (db *fakeDB) openSessions() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.open
}

type fakeSession struct {
	db *fakeDB
}

func (s *fakeSession) ChangePassword(_ context.Context, username, password string) error {
	if err := target.ValidateIdentifier(username); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.passwords[username] = password
	s.db.changes++
	return nil
}

func (s *fakeSession) Probe(context.Context) error { return nil }

func (s *fakeSession) Close() error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.open--
	return nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	rotations []Event
	failures  []Event
}

func (n *recordingNotifier) NotifyRotation(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rotations = append(n.rotations, e)
}

func (n *recordingNotifier) NotifyError(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, e)
}

type recordingRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingRecorder) ObserveStep(step Step, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, step.String()+":"+outcome)
}

type fixture struct {
	store    *storage.MemoryStore
	db       *fakeDB
	machine  *StateMachine
	driver   *Driver
	notifier *recordingNotifier
	recorder *recordingRecorder
}

func newFixture(t *testing.T, value string) *fixture {
	t.Helper()

	store := storage.NewMemoryStore()
	store.Seed(testSecret, seedVersion, []byte(value), true)

	gen, err := NewRandomPasswordGenerator(MinPasswordLength, "")
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		db:       newFakeDB(),
		notifier: &recordingNotifier{},
		recorder: &recordingRecorder{},
	}
	f.machine = NewStateMachine(store, f.db, gen, zerolog.Nop())
	f.driver = NewDriver(store, f.machine, WithNotifier(f.notifier), WithRecorder(f.recorder))
	return f
}

// stage does what RotateSecret does before invoking the rotation function.
func (f *fixture) stage(t *testing.T, token string) {
	t.Helper()
	require.NoError(t, f.store.StagePending(context.Background(), testSecret, token))
}

func (f *fixture) handle(token string, step Step) error {
	return f.driver.Handle(context.Background(), Request{
		SecretId:           testSecret,
		ClientRequestToken: token,
		Step:               step,
	})
}

func (f *fixture) stages(t *testing.T) map[string][]string {
	t.Helper()
	meta, err := f.store.Describe(context.Background(), testSecret)
	require.NoError(t, err)
	return meta.VersionStages
}

func (f *fixture) pending(t *testing.T, token string) *credential.Payload {
	t.Helper()
	value, err := f.store.GetValue(context.Background(), testSecret, storage.StagePending, token)
	require.NoError(t, err)
	p, err := credential.Parse(value)
	require.NoError(t, err)
	return p
}

// version reads the content of token whatever labels it holds.
func (f *fixture) version(t *testing.T, token string) *credential.Payload {
	t.Helper()
	value, ok := f.store.Value(testSecret, token)
	require.True(t, ok)
	p, err := credential.Parse(value)
	require.NoError(t, err)
	return p
}
