package storage

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore is a VersionedSecretStore kept in process memory. It follows the
// Secrets Manager contract and backs tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	secrets map[string]*memorySecret
	now     func() time.Time
}

type memorySecret struct {
	rotationEnabled bool
	values          map[string][]byte
	stages          stageMap
	lastRotated     time.Time
}

// creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		secrets: make(map[string]*memorySecret),
		now:     time.Now,
	}
}

// Seed creates a secret whose version token holds AWSCURRENT.
func (s *MemoryStore) Seed(secretID, token string, value []byte, rotationEnabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.secrets[secretID] = &memorySecret{
		rotationEnabled: rotationEnabled,
		values:          map[string][]byte{token: bytes.Clone(value)},
		stages:          stageMap{token: {StageCurrent}},
	}
}

// SetRotationEnabled toggles the rotation flag of an existing secret.
func (s *MemoryStore) SetRotationEnabled(secretID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, err := s.lookup(secretID)
	if err != nil {
		return err
	}
	secret.rotationEnabled = enabled
	return nil
}

// Describe returns a snapshot of the secret's rotation metadata.
func (s *MemoryStore) Describe(ctx context.Context, secretID string) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, err := s.lookup(secretID)
	if err != nil {
		return nil, err
	}
	return &Metadata{
		SecretID:        secretID,
		RotationEnabled: secret.rotationEnabled,
		VersionStages:   secret.stages.clone(),
		LastRotated:     secret.lastRotated,
	}, nil
}

// GetValue returns the content of the version holding stage.
func (s *MemoryStore) GetValue(ctx context.Context, secretID, stage, versionID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, err := s.lookup(secretID)
	if err != nil {
		return nil, err
	}

	version := versionID
	if version == "" {
		version = secret.stages.holder(stage)
	}
	if version == "" || !slices.Contains(secret.stages[version], stage) {
		return nil, fmt.Errorf("%w: no version of %s with stage %s", ErrNotFound, secretID, stage)
	}
	value, ok := secret.values[version]
	if !ok {
		return nil, fmt.Errorf("%w: version %s of %s has no content", ErrNotFound, version, secretID)
	}
	return bytes.Clone(value), nil
}

// PutValue writes a version. Rewriting a token with identical content is a no-op.
func (s *MemoryStore) PutValue(ctx context.Context, secretID, token string, value []byte, stages []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, err := s.lookup(secretID)
	if err != nil {
		return err
	}

	if existing, ok := secret.values[token]; ok {
		if !bytes.Equal(existing, value) {
			return fmt.Errorf("%w: version %s of %s already has different content", ErrConflict, token, secretID)
		}
	} else {
		secret.values[token] = bytes.Clone(value)
	}

	for _, stage := range stages {
		secret.stages.attach(token, stage)
	}
	return nil
}

// MoveStage moves stage between versions atomically.
func (s *MemoryStore) MoveStage(ctx context.Context, secretID, stage, toVersion, fromVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, err := s.lookup(secretID)
	if err != nil {
		return err
	}
	if _, ok := secret.values[toVersion]; !ok {
		return fmt.Errorf("%w: version %s of %s", ErrNotFound, toVersion, secretID)
	}

	stages := secret.stages.clone()
	if err := stages.move(stage, toVersion, fromVersion); err != nil {
		return err
	}
	secret.stages = stages
	if stage == StageCurrent {
		secret.lastRotated = s.now()
	}
	return nil
}

// StagePending registers token as the pending version.
func (s *MemoryStore) StagePending(ctx context.Context, secretID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, err := s.lookup(secretID)
	if err != nil {
		return err
	}
	if _, ok := secret.stages[token]; ok {
		return nil
	}
	secret.stages.attach(token, StagePending)
	return nil
}

// Value returns the stored content of a version regardless of its labels.
func (s *MemoryStore) Value(secretID, token string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, ok := s.secrets[secretID]
	if !ok {
		return nil, false
	}
	value, ok := secret.values[token]
	return bytes.Clone(value), ok
}

func (s *MemoryStore) lookup(secretID string) (*memorySecret, error) {
	secret, ok := s.secrets[secretID]
	if !ok {
		return nil, fmt.Errorf("%w: secret %s", ErrNotFound, secretID)
	}
	return secret, nil
}
