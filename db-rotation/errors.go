package rotation

import (
	"errors"

	"credential-rotator/db-rotation/credential"
	"credential-rotator/db-rotation/storage"
	"credential-rotator/db-rotation/target"
)

// Request validation failures. None of them goes away on retry without someone
// changing the secret.
var (
	ErrNotRotationEnabled = errors.New("secret is not enabled for rotation")
	ErrUnknownVersion     = errors.New("secret version has no stage for rotation")
	ErrInvalidStage       = errors.New("secret version not set as AWSPENDING")
	ErrInvalidStep        = errors.New("invalid step parameter")
)

// ErrValidationFailed wraps every testSecret failure. The target error stays
// reachable through errors.Is.
var ErrValidationFailed = errors.New("pending credential failed validation")

// Retryable reports whether invoking the same step again may succeed without any
// change to the secret. Target failures and store write races are retryable;
// request validation, bad payloads and rejected identifiers are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrNotRotationEnabled),
		errors.Is(err, ErrUnknownVersion),
		errors.Is(err, ErrInvalidStage),
		errors.Is(err, ErrInvalidStep),
		errors.Is(err, credential.ErrInvalidPayload),
		errors.Is(err, target.ErrInvalidIdentifier),
		errors.Is(err, target.ErrUnsupportedEngine):
		return false
	case errors.Is(err, target.ErrAuthFailed),
		errors.Is(err, target.ErrConnectionTimeout),
		errors.Is(err, target.ErrProbeFailed),
		errors.Is(err, ErrValidationFailed),
		errors.Is(err, storage.ErrConflict):
		return true
	default:
		return false
	}
}
