// Package rotation rotates database credentials kept in a versioned secret store
// using the four-step Secrets Manager protocol.
package rotation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"credential-rotator/db-rotation/credential"
	"credential-rotator/db-rotation/storage"
	"credential-rotator/db-rotation/target"
)

// Connector opens sessions against the database a credential belongs to.
type Connector interface {
	Connect(ctx context.Context, p *credential.Payload) (target.Session, error)
}

// StateMachine runs the individual rotation steps. Every step can be repeated for
// the same token; a step that finds its work done reports AlreadyDone.
type StateMachine struct {
	store     storage.VersionedSecretStore
	connector Connector
	generator PasswordGenerator
	logger    zerolog.Logger
	handlers  map[Step]func(ctx context.Context, secretID, token string, logger zerolog.Logger) (bool, error)
}

// creates a new StateMachine.
func NewStateMachine(store storage.VersionedSecretStore, connector Connector, generator PasswordGenerator, logger zerolog.Logger) *StateMachine {
	m := &StateMachine{
		store:     store,
		connector: connector,
		generator: generator,
		logger:    logger,
	}
	m.handlers = map[Step]func(context.Context, string, string, zerolog.Logger) (bool, error){
		StepCreate: m.createSecret,
		StepSet:    m.setSecret,
		StepTest:   m.testSecret,
		StepFinish: m.finishSecret,
	}
	return m
}

// Run executes step for the version token of secretID.
func (m *StateMachine) Run(ctx context.Context, secretID, token string, step Step) (Result, error) {
	handler, ok := m.handlers[step]
	if !ok {
		return Result{Step: step}, fmt.Errorf("%w: %q", ErrInvalidStep, step)
	}
	t := transitions[step]
	logger := m.logger.With().
		Str("secret_id", secretID).
		Str("token", token).
		Stringer("step", step).
		Logger()

	done, err := handler(ctx, secretID, token, logger)
	if err != nil {
		return Result{Step: step, State: t.from}, err
	}

	logger.Debug().Stringer("from", t.from).Stringer("to", t.to).Bool("already_done", done).Msg("step complete")
	return Result{Step: step, State: t.to, AlreadyDone: done}, nil
}

// createSecret stores the current credential with a new password as the pending
// version. An existing pending version for token is left as it is.
func (m *StateMachine) createSecret(ctx context.Context, secretID, token string, logger zerolog.Logger) (bool, error) {
	current, err := m.payload(ctx, secretID, storage.StageCurrent, "")
	if err != nil {
		return false, err
	}

	_, err = m.payload(ctx, secretID, storage.StagePending, token)
	if err == nil {
		logger.Info().Msg("createSecret: pending version already exists")
		return true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}

	password, err := m.generator.Generate()
	if err != nil {
		return false, fmt.Errorf("failed to generate password: %w", err)
	}
	value, err := current.WithPassword(password).Marshal()
	if err != nil {
		return false, fmt.Errorf("failed to encode pending credential: %w", err)
	}

	if err := m.store.PutValue(ctx, secretID, token, value, []string{storage.StagePending}); err != nil {
		// a concurrent attempt for the same token stored its password first
		if errors.Is(err, storage.ErrConflict) {
			if _, readErr := m.payload(ctx, secretID, storage.StagePending, token); readErr == nil {
				logger.Info().Msg("createSecret: pending version created concurrently")
				return true, nil
			}
		}
		return false, fmt.Errorf("failed to store pending version: %w", err)
	}
	logger.Info().Msg("createSecret: created pending version")
	return false, nil
}

// setSecret logs in with the current credential and changes the password of the
// pending credential's user. When the current credential is rejected but the
// pending one is accepted, the change already happened.
func (m *StateMachine) setSecret(ctx context.Context, secretID, token string, logger zerolog.Logger) (bool, error) {
	current, err := m.payload(ctx, secretID, storage.StageCurrent, "")
	if err != nil {
		return false, err
	}
	pending, err := m.payload(ctx, secretID, storage.StagePending, token)
	if err != nil {
		return false, err
	}

	// reject the identifier before anything reaches the database
	if err := target.ValidateIdentifier(pending.Username); err != nil {
		return false, err
	}

	session, err := m.connector.Connect(ctx, current)
	if errors.Is(err, target.ErrAuthFailed) && m.alreadySet(ctx, pending, logger) {
		logger.Info().Msg("setSecret: pending password already applied")
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to connect with current credential: %w", err)
	}
	defer closeSession(session, logger)

	if err := session.ChangePassword(ctx, pending.Username, pending.Password); err != nil {
		return false, err
	}
	logger.Info().Object("credential", pending).Msg("setSecret: password changed")
	return false, nil
}

// testSecret logs in with the pending credential and runs the validation query.
func (m *StateMachine) testSecret(ctx context.Context, secretID, token string, logger zerolog.Logger) (bool, error) {
	pending, err := m.payload(ctx, secretID, storage.StagePending, token)
	if err != nil {
		return false, err
	}

	session, err := m.connector.Connect(ctx, pending)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	defer closeSession(session, logger)

	if err := session.Probe(ctx); err != nil {
		return false, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	logger.Info().Msg("testSecret: pending credential validated")
	return false, nil
}

// finishSecret moves AWSCURRENT onto token. It does not check that testSecret ran.
func (m *StateMachine) finishSecret(ctx context.Context, secretID, token string, logger zerolog.Logger) (bool, error) {
	meta, err := m.store.Describe(ctx, secretID)
	if err != nil {
		return false, fmt.Errorf("failed to describe secret: %w", err)
	}

	currentVersion, _ := meta.VersionWithStage(storage.StageCurrent)
	if currentVersion == token {
		logger.Info().Msg("finishSecret: version already marked as AWSCURRENT")
		return true, nil
	}

	if err := m.store.MoveStage(ctx, secretID, storage.StageCurrent, token, currentVersion); err != nil {
		return false, fmt.Errorf("failed to promote pending version: %w", err)
	}
	logger.Info().Str("previous", currentVersion).Msg("finishSecret: moved AWSCURRENT")
	return false, nil
}

func (m *StateMachine) payload(ctx context.Context, secretID, stage, token string) (*credential.Payload, error) {
	value, err := m.store.GetValue(ctx, secretID, stage, token)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s version: %w", stage, err)
	}
	p, err := credential.Parse(value)
	if err != nil {
		return nil, fmt.Errorf("%s version of %s: %w", stage, secretID, err)
	}
	return p, nil
}

// alreadySet reports whether the database accepts the pending credential, which is
// the case once a previous setSecret for the same token went through.
func (m *StateMachine) alreadySet(ctx context.Context, pending *credential.Payload, logger zerolog.Logger) bool {
	session, err := m.connector.Connect(ctx, pending)
	if err != nil {
		return false
	}
	closeSession(session, logger)
	return true
}

func closeSession(session target.Session, logger zerolog.Logger) {
	if err := session.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close database session")
	}
}
