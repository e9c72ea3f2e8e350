package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"credential-rotator/db-rotation/storage"
)

// Request is the event Secrets Manager invokes a rotation function with.
type Request struct {
	// SecretId is the ARN or name of the secret being rotated.
	SecretId string `json:"SecretId"`
	// ClientRequestToken is the id of the version being rotated in.
	ClientRequestToken string `json:"ClientRequestToken"`
	Step               Step   `json:"Step"`
}

// Driver checks a request against the secret's metadata before handing it to the
// state machine.
type Driver struct {
	store    storage.VersionedSecretStore
	machine  *StateMachine
	notifier Notifier
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

func WithNotifier(n Notifier) DriverOption {
	return func(d *Driver) {
		if n != nil {
			d.notifier = n
		}
	}
}

func WithRecorder(r Recorder) DriverOption {
	return func(d *Driver) {
		if r != nil {
			d.recorder = r
		}
	}
}

func WithLogger(logger zerolog.Logger) DriverOption {
	return func(d *Driver) {
		d.logger = logger
	}
}

// creates a new Driver.
func NewDriver(store storage.VersionedSecretStore, machine *StateMachine, opts ...DriverOption) *Driver {
	d := &Driver{
		store:    store,
		machine:  machine,
		notifier: nopNotifier{},
		recorder: nopRecorder{},
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle runs one rotation step.
func (d *Driver) Handle(ctx context.Context, req Request) error {
	_, err := d.Run(ctx, req)
	return err
}

// Run runs one rotation step and reports the result.
func (d *Driver) Run(ctx context.Context, req Request) (Result, error) {
	start := d.now()
	logger := d.logger.With().
		Str("secret_id", req.SecretId).
		Str("token", req.ClientRequestToken).
		Stringer("step", req.Step).
		Logger()

	result, err := d.dispatch(ctx, req, logger)
	elapsed := d.now().Sub(start)
	event := Event{
		SecretID: req.SecretId,
		Token:    req.ClientRequestToken,
		Step:     req.Step,
		State:    result.State,
		Time:     d.now(),
	}

	if err != nil {
		d.recorder.ObserveStep(req.Step, OutcomeError, elapsed)
		logger.Error().Err(err).Bool("retryable", Retryable(err)).Msg("rotation step failed")
		event.Err = err
		d.notifier.NotifyError(event)
		return result, err
	}

	if result.AlreadyDone {
		d.recorder.ObserveStep(req.Step, OutcomeNoop, elapsed)
		return result, nil
	}
	d.recorder.ObserveStep(req.Step, OutcomeSuccess, elapsed)
	if result.Step == StepFinish {
		logger.Info().Msg("rotation finished")
		d.notifier.NotifyRotation(event)
	}
	return result, nil
}

func (d *Driver) dispatch(ctx context.Context, req Request, logger zerolog.Logger) (Result, error) {
	meta, err := d.store.Describe(ctx, req.SecretId)
	if err != nil {
		return Result{Step: req.Step}, fmt.Errorf("failed to describe secret %s: %w", req.SecretId, err)
	}
	if !meta.RotationEnabled {
		return Result{Step: req.Step}, fmt.Errorf("%w: %s", ErrNotRotationEnabled, req.SecretId)
	}

	stages, ok := meta.VersionStages[req.ClientRequestToken]
	if !ok {
		return Result{Step: req.Step}, fmt.Errorf("%w: version %s of %s", ErrUnknownVersion, req.ClientRequestToken, req.SecretId)
	}
	if meta.HasStage(req.ClientRequestToken, storage.StageCurrent) {
		logger.Info().Msg("secret version already set as AWSCURRENT")
		return Result{Step: req.Step, State: Finished, AlreadyDone: true}, nil
	}
	if !meta.HasStage(req.ClientRequestToken, storage.StagePending) {
		return Result{Step: req.Step}, fmt.Errorf("%w: version %s of %s has stages %v", ErrInvalidStage, req.ClientRequestToken, req.SecretId, stages)
	}

	return d.machine.Run(ctx, req.SecretId, req.ClientRequestToken, req.Step)
}
