package notifiers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rotation "credential-rotator/db-rotation"
	"credential-rotator/db-rotation/target"
)

var (
	rotatedEvent = rotation.Event{
		SecretID: "orders-db",
		Token:    "tok-1",
		Step:     rotation.StepFinish,
		State:    rotation.Finished,
		Time:     time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	failedEvent = rotation.Event{
		SecretID: "orders-db",
		Token:    "tok-1",
		Step:     rotation.StepTest,
		State:    rotation.PasswordSet,
		Err:      fmt.Errorf("%w: %w", rotation.ErrValidationFailed, target.ErrAuthFailed),
	}
)

type fakeHub struct {
	messages   []string
	exceptions []error
	flushes    int
}

func (h *fakeHub) CaptureMessage(message string) *sentry.EventID {
	h.messages = append(h.messages, message)
	return nil
}

func (h *fakeHub) CaptureException(exception error) *sentry.EventID {
	h.exceptions = append(h.exceptions, exception)
	return nil
}

func (h *fakeHub) WithScope(f func(scope *sentry.Scope)) {
	f(sentry.NewScope())
}

func (h *fakeHub) Flush(time.Duration) bool {
	h.flushes++
	return true
}

func TestSentryNotifier(t *testing.T) {
	hub := &fakeHub{}
	n := &SentryNotifier{hub: hub}

	n.NotifyRotation(rotatedEvent)
	n.NotifyError(failedEvent)
	n.NotifyError(rotation.Event{SecretID: "orders-db"})

	assert.Equal(t, []string{"Database credential rotated: orders-db"}, hub.messages)
	require.Len(t, hub.exceptions, 1)
	assert.ErrorIs(t, hub.exceptions[0], target.ErrAuthFailed)
	assert.Equal(t, 2, hub.flushes)
}

func TestNewSentryNotifier_Unconfigured(t *testing.T) {
	n, err := NewSentryNotifier("", "production", "credential-rotator@dev")
	require.NoError(t, err)
	assert.Nil(t, n)

	// a nil notifier is safe to call
	n.NotifyRotation(rotatedEvent)
	n.NotifyError(failedEvent)
}

type slackServer struct {
	mu          sync.Mutex
	channels    []string
	attachments [][]slack.Attachment
}

func newSlackServer(t *testing.T) (*slackServer, *httptest.Server) {
	t.Helper()
	s := &slackServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())

		var attachments []slack.Attachment
		assert.NoError(t, json.Unmarshal([]byte(r.FormValue("attachments")), &attachments))

		s.mu.Lock()
		s.channels = append(s.channels, r.FormValue("channel"))
		s.attachments = append(s.attachments, attachments)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return s, server
}

func TestSlackNotifier(t *testing.T) {
	recorded, server := newSlackServer(t)
	n, err := NewSlackNotifier("xoxb-test", "C123", slack.OptionAPIURL(server.URL+"/"))
	require.NoError(t, err)
	require.NotNil(t, n)

	n.NotifyRotation(rotatedEvent)
	n.NotifyError(failedEvent)

	require.Len(t, recorded.attachments, 2)
	assert.Equal(t, []string{"C123", "C123"}, recorded.channels)

	success := recorded.attachments[0][0]
	assert.Equal(t, "Database Credential Rotated", success.Title)
	assert.Equal(t, "`tok-1`", success.Fields[1].Value)
	assert.Equal(t, "2026-04-01T12:00:00Z", success.Fields[2].Value)

	failure := recorded.attachments[1][0]
	assert.Equal(t, "testSecret failed for orders-db", failure.Title)
	assert.Contains(t, failure.Text, "authentication failed")
	assert.Equal(t, "true", failure.Fields[1].Value)
}

func TestNewSlackNotifier_Unconfigured(t *testing.T) {
	n, err := NewSlackNotifier("", "C123")
	require.NoError(t, err)
	assert.Nil(t, n)

	n, err = NewSlackNotifier("xoxb-test", "")
	require.NoError(t, err)
	assert.Nil(t, n)
}

type countingNotifier struct {
	rotations, failures int
}

func (c *countingNotifier) NotifyRotation(rotation.Event) { c.rotations++ }
func (c *countingNotifier) NotifyError(rotation.Event)    { c.failures++ }

func TestMultiNotifier(t *testing.T) {
	var unconfiguredSlack *SlackNotifier
	var unconfiguredSentry *SentryNotifier
	a, b := &countingNotifier{}, &countingNotifier{}

	m := NewMultiNotifier(a, nil, unconfiguredSlack, unconfiguredSentry, b)
	assert.Equal(t, 2, m.Len())

	m.NotifyRotation(rotatedEvent)
	m.NotifyError(rotation.Event{Err: errors.New("boom")})

	assert.Equal(t, 1, a.rotations)
	assert.Equal(t, 1, b.failures)
}
