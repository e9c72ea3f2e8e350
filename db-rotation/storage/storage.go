package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Staging labels understood by the rotator. Any other label on a version is left alone.
const (
	StageCurrent  = "AWSCURRENT"
	StagePending  = "AWSPENDING"
	StagePrevious = "AWSPREVIOUS"
)

var (
	// ErrNotFound is returned when no version matches the requested stage or id.
	ErrNotFound = errors.New("secret version not found")
	// ErrConflict is returned when a write races another writer or contradicts stored state.
	ErrConflict = errors.New("secret version conflict")
)

// Metadata describes the rotation state of a secret.
type Metadata struct {
	SecretID        string
	RotationEnabled bool
	// VersionStages maps version ids to their staging labels.
	VersionStages map[string][]string
	LastRotated   time.Time
}

// HasStage reports whether version carries stage.
func (m *Metadata) HasStage(version, stage string) bool {
	return slices.Contains(m.VersionStages[version], stage)
}

// VersionWithStage returns the version holding stage.
func (m *Metadata) VersionWithStage(stage string) (string, bool) {
	for version, stages := range m.VersionStages {
		if slices.Contains(stages, stage) {
			return version, true
		}
	}
	return "", false
}

// defines the versioned store the rotation protocol runs against.
type VersionedSecretStore interface {
	// returns rotation metadata of a secret.
	Describe(ctx context.Context, secretID string) (*Metadata, error)
	// returns the content of the version holding stage. A non-empty versionID
	// narrows the lookup to that version, which must also hold stage.
	GetValue(ctx context.Context, secretID, stage, versionID string) ([]byte, error)
	// writes value as the version identified by token with the given stages.
	PutValue(ctx context.Context, secretID, token string, value []byte, stages []string) error
	// moves stage onto toVersion, removing it from fromVersion in the same operation.
	MoveStage(ctx context.Context, secretID, stage, toVersion, fromVersion string) error
}

// PendingStager is implemented by stores that have no service-side rotation
// trigger; it registers token as the AWSPENDING version before createSecret runs.
type PendingStager interface {
	StagePending(ctx context.Context, secretID, token string) error
}
