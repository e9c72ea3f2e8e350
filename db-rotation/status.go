package rotation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"credential-rotator/db-rotation/storage"
)

// Status summarizes the rotation state of a secret.
type Status struct {
	SecretID        string
	RotationEnabled bool
	Current         string
	Pending         string
	Previous        string
	LastRotated     time.Time
}

// InProgress reports whether a pending version is waiting to be promoted.
func (s *Status) InProgress() bool {
	return s.Pending != "" && s.Pending != s.Current
}

// String renders the status as a few human readable lines.
func (s *Status) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Secret: %s\n", s.SecretID)
	fmt.Fprintf(&b, "Rotation enabled: %t\n", s.RotationEnabled)
	fmt.Fprintf(&b, "Current version: %s\n", orNone(s.Current))
	fmt.Fprintf(&b, "Pending version: %s\n", orNone(s.Pending))
	fmt.Fprintf(&b, "Previous version: %s\n", orNone(s.Previous))
	if s.LastRotated.IsZero() {
		b.WriteString("Last rotated: never")
	} else {
		fmt.Fprintf(&b, "Last rotated: %s", s.LastRotated.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// DescribeStatus reads the rotation state of secretID from store.
func DescribeStatus(ctx context.Context, store storage.VersionedSecretStore, secretID string) (*Status, error) {
	meta, err := store.Describe(ctx, secretID)
	if err != nil {
		return nil, fmt.Errorf("failed to describe secret %s: %w", secretID, err)
	}

	status := &Status{
		SecretID:        secretID,
		RotationEnabled: meta.RotationEnabled,
		LastRotated:     meta.LastRotated,
	}
	status.Current, _ = meta.VersionWithStage(storage.StageCurrent)
	status.Pending, _ = meta.VersionWithStage(storage.StagePending)
	status.Previous, _ = meta.VersionWithStage(storage.StagePrevious)
	return status, nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
