// Package app wires the rotator from configuration. Every entry point (the
// Lambda, the Cloud Function, the CLI and the TUI) builds its components here.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	rotation "credential-rotator/db-rotation"
	"credential-rotator/db-rotation/config"
	"credential-rotator/db-rotation/metrics"
	"credential-rotator/db-rotation/notifiers"
	"credential-rotator/db-rotation/storage"
	"credential-rotator/db-rotation/target"
)

// Version is reported as the Sentry release. It is set at build time.
var Version = "dev"

// App holds the components of one rotator process.
type App struct {
	Config  config.Config
	Store   storage.VersionedSecretStore
	Driver  *rotation.Driver
	Runner  *rotation.Runner
	Metrics *metrics.Metrics
	Logger  zerolog.Logger

	closers []func() error
}

type options struct {
	store     storage.VersionedSecretStore
	connector rotation.Connector
	notifiers []rotation.Notifier
	logger    *zerolog.Logger
}

// Option overrides a component New would otherwise build from the config.
type Option func(*options)

// WithStore uses store instead of the provider named in the config.
func WithStore(store storage.VersionedSecretStore) Option {
	return func(o *options) { o.store = store }
}

// WithConnector uses connector instead of a SQLConnector.
func WithConnector(connector rotation.Connector) Option {
	return func(o *options) { o.connector = connector }
}

// WithNotifiers adds notifiers next to the configured Sentry and Slack ones.
func WithNotifiers(n ...rotation.Notifier) Option {
	return func(o *options) { o.notifiers = append(o.notifiers, n...) }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// New builds an App from cfg.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{Config: cfg, Metrics: metrics.New()}
	if o.logger != nil {
		a.Logger = *o.logger
	} else {
		a.Logger = NewLogger(cfg.LogLevel, os.Stderr)
	}

	store := o.store
	if store == nil {
		var err error
		if store, err = a.newStore(ctx); err != nil {
			return nil, err
		}
	}
	a.Store = store

	connector := o.connector
	if connector == nil {
		c := target.NewSQLConnector()
		c.Timeout = cfg.Database.ConnectTimeout
		c.SSLMode = cfg.Database.SSLMode
		c.UserHost = cfg.Database.MySQLUserHost
		connector = c
	}

	generator, err := rotation.NewRandomPasswordGenerator(cfg.Password.Length, cfg.Password.ExcludeCharacters)
	if err != nil {
		return nil, fmt.Errorf("failed to create password generator: %w", err)
	}

	notifier := a.newNotifier(o.notifiers)

	machine := rotation.NewStateMachine(store, connector, generator, a.Logger)
	a.Driver = rotation.NewDriver(store, machine,
		rotation.WithNotifier(notifier),
		rotation.WithRecorder(a.Metrics),
		rotation.WithLogger(a.Logger),
	)
	a.Runner = rotation.NewRunner(a.Driver, store, a.Logger)
	return a, nil
}

func (a *App) newStore(ctx context.Context) (storage.VersionedSecretStore, error) {
	switch a.Config.Provider {
	case config.ProviderAWS:
		s := storage.NewAWSSecretsManager()
		if err := s.Setup(ctx, a.Config.StoreConfig()); err != nil {
			return nil, fmt.Errorf("error setting up storage: %w", err)
		}
		return s, nil
	case config.ProviderGCP:
		s := storage.NewGCPSecretManager(a.Config.ProjectID, nil)
		if err := s.Setup(ctx, a.Config.StoreConfig()); err != nil {
			return nil, fmt.Errorf("error setting up storage: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", a.Config.Provider)
	}
}

// newNotifier initializes the notifiers the config provides credentials for.
// A notifier that fails to initialize is logged and skipped.
func (a *App) newNotifier(extra []rotation.Notifier) *notifiers.MultiNotifier {
	n := a.Config.Notifiers
	list := append([]rotation.Notifier{}, extra...)

	sentryNotifier, err := notifiers.NewSentryNotifier(n.SentryDSN, n.SentryEnvironment, "credential-rotator@"+Version)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("could not create sentry notifier")
	} else {
		list = append(list, sentryNotifier)
	}

	slackNotifier, err := notifiers.NewSlackNotifier(n.SlackBotToken, n.SlackChannelID)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("could not create slack notifier")
	} else {
		list = append(list, slackNotifier)
	}

	multi := notifiers.NewMultiNotifier(list...)
	a.Logger.Debug().Int("notifiers", multi.Len()).Msg("notifiers configured")
	return multi
}

// Rotate starts a rotation of secretID. AWS invokes the configured rotation
// function itself, so the rotation is only requested there and the returned token
// is the version AWS will rotate in. Other stores run all four steps in-process.
func (a *App) Rotate(ctx context.Context, secretID string) (string, error) {
	if s, ok := a.Store.(*storage.AWSSecretsManager); ok {
		return s.RotateNow(ctx, secretID)
	}
	return a.Runner.Rotate(ctx, secretID)
}

// Status describes the rotation state of secretID.
func (a *App) Status(ctx context.Context, secretID string) (*rotation.Status, error) {
	return rotation.DescribeStatus(ctx, a.Store, secretID)
}

// PushMetrics sends the step metrics to the configured Pushgateway. Failures are
// logged, not returned.
func (a *App) PushMetrics(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Metrics.Push(ctx, a.Config.Metrics.PushgatewayURL, a.Config.Metrics.Job); err != nil {
		a.Logger.Warn().Err(err).Msg("could not push metrics")
	}
}

// Close releases store connections.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// NewLogger returns a JSON logger writing to w at level. An unknown level falls
// back to info. The level also becomes the global zerolog level.
func NewLogger(level string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "credential-rotator").Logger()
}
