package rotation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"credential-rotator/db-rotation/storage"
)

// Runner drives a complete rotation in-process, for stores that do not invoke a
// rotation function themselves.
type Runner struct {
	driver   *Driver
	store    storage.VersionedSecretStore
	logger   zerolog.Logger
	newToken func() string
}

// creates a new Runner.
func NewRunner(driver *Driver, store storage.VersionedSecretStore, logger zerolog.Logger) *Runner {
	return &Runner{
		driver:   driver,
		store:    store,
		logger:   logger,
		newToken: uuid.NewString,
	}
}

// Rotate runs all four steps for secretID and returns the token rotated in. A
// version already holding AWSPENDING is resumed; otherwise a new token is staged.
// The first failing step ends the run.
func (r *Runner) Rotate(ctx context.Context, secretID string) (string, error) {
	meta, err := r.store.Describe(ctx, secretID)
	if err != nil {
		return "", fmt.Errorf("failed to describe secret %s: %w", secretID, err)
	}
	if !meta.RotationEnabled {
		return "", fmt.Errorf("%w: %s", ErrNotRotationEnabled, secretID)
	}

	token, resumed := meta.VersionWithStage(storage.StagePending)
	if !resumed {
		stager, ok := r.store.(storage.PendingStager)
		if !ok {
			return "", errors.New("store cannot stage a pending version; start the rotation from the secret store")
		}
		token = r.newToken()
		if err := stager.StagePending(ctx, secretID, token); err != nil {
			return "", fmt.Errorf("failed to stage pending version: %w", err)
		}
	}

	logger := r.logger.With().Str("secret_id", secretID).Str("token", token).Logger()
	logger.Info().Bool("resumed", resumed).Msg("starting rotation")

	for _, step := range Steps {
		req := Request{SecretId: secretID, ClientRequestToken: token, Step: step}
		if err := r.driver.Handle(ctx, req); err != nil {
			return token, fmt.Errorf("%s: %w", step, err)
		}
	}
	return token, nil
}
