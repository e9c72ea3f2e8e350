package notifiers

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	rotation "credential-rotator/db-rotation"
)

const sentryFlushTimeout = 2 * time.Second

// subset of *sentry.Hub used by SentryNotifier.
type sentryHub interface {
	CaptureMessage(message string) *sentry.EventID
	CaptureException(exception error) *sentry.EventID
	WithScope(f func(scope *sentry.Scope))
	Flush(timeout time.Duration) bool
}

// sends notifications to Sentry.
type SentryNotifier struct {
	hub sentryHub
}

// creates a new SentryNotifier. It returns nil without error when dsn is empty.
func NewSentryNotifier(dsn, environment, release string) (*SentryNotifier, error) {
	if dsn == "" {
		return nil, nil // Sentry is not configured
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}

	return &SentryNotifier{hub: sentry.CurrentHub()}, nil
}

// sends a notification about a completed rotation.
func (s *SentryNotifier) NotifyRotation(event rotation.Event) {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		tagScope(scope, event)
		scope.SetLevel(sentry.LevelInfo)
		s.hub.CaptureMessage(fmt.Sprintf("Database credential rotated: %s", event.SecretID))
	})
	log.Debug().Str("secret_id", event.SecretID).Msg("rotation notification sent to Sentry")
	s.hub.Flush(sentryFlushTimeout)
}

// sends a notification about a failed rotation step.
func (s *SentryNotifier) NotifyError(event rotation.Event) {
	if s == nil || s.hub == nil || event.Err == nil {
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		tagScope(scope, event)
		scope.SetLevel(sentry.LevelError)
		s.hub.CaptureException(event.Err)
	})
	log.Debug().Str("secret_id", event.SecretID).Err(event.Err).Msg("error notification sent to Sentry")
	s.hub.Flush(sentryFlushTimeout)
}

func tagScope(scope *sentry.Scope, event rotation.Event) {
	scope.SetTag("secret_id", event.SecretID)
	scope.SetTag("token", event.Token)
	scope.SetTag("step", event.Step.String())
	scope.SetTag("state", event.State.String())
	scope.SetTag("retryable", fmt.Sprint(rotation.Retryable(event.Err)))
}
