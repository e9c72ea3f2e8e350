package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore() *MemoryStore {
	s := NewMemoryStore()
	s.Seed("db", "v1", []byte(`{"password":"old"}`), true)
	return s
}

func TestMemoryStore_GetValue(t *testing.T) {
	ctx := context.Background()
	s := seededStore()

	value, err := s.GetValue(ctx, "db", StageCurrent, "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"password":"old"}`, string(value))

	_, err = s.GetValue(ctx, "db", StagePending, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetValue(ctx, "db", StagePending, "v1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetValue(ctx, "missing", StageCurrent, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_StagePendingHasNoContent(t *testing.T) {
	ctx := context.Background()
	s := seededStore()

	require.NoError(t, s.StagePending(ctx, "db", "v2"))
	meta, err := s.Describe(ctx, "db")
	require.NoError(t, err)
	assert.True(t, meta.HasStage("v2", StagePending))

	_, err = s.GetValue(ctx, "db", StagePending, "v2")
	assert.ErrorIs(t, err, ErrNotFound)

	// staging a second token moves the label
	require.NoError(t, s.StagePending(ctx, "db", "v3"))
	meta, err = s.Describe(ctx, "db")
	require.NoError(t, err)
	assert.False(t, meta.HasStage("v2", StagePending))
	assert.True(t, meta.HasStage("v3", StagePending))
}

func TestMemoryStore_PutValue(t *testing.T) {
	ctx := context.Background()
	s := seededStore()

	require.NoError(t, s.PutValue(ctx, "db", "v2", []byte("new"), []string{StagePending}))
	require.NoError(t, s.PutValue(ctx, "db", "v2", []byte("new"), []string{StagePending}))

	err := s.PutValue(ctx, "db", "v2", []byte("other"), []string{StagePending})
	assert.ErrorIs(t, err, ErrConflict)

	value, err := s.GetValue(ctx, "db", StagePending, "v2")
	require.NoError(t, err)
	assert.Equal(t, "new", string(value))
}

func TestMemoryStore_MoveStage(t *testing.T) {
	ctx := context.Background()
	s := seededStore()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.PutValue(ctx, "db", "v2", []byte("new"), []string{StagePending}))

	err := s.MoveStage(ctx, "db", StageCurrent, "v2", "v9")
	assert.ErrorIs(t, err, ErrConflict)

	err = s.MoveStage(ctx, "db", StageCurrent, "v9", "v1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.MoveStage(ctx, "db", StageCurrent, "v2", "v1"))

	meta, err := s.Describe(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"v1": {StagePrevious},
		"v2": {StageCurrent},
	}, meta.VersionStages)
	assert.Equal(t, now, meta.LastRotated)

	// repeating the move is a no-op
	require.NoError(t, s.MoveStage(ctx, "db", StageCurrent, "v2", "v1"))

	old, ok := s.Value("db", "v1")
	require.True(t, ok)
	assert.JSONEq(t, `{"password":"old"}`, string(old))
}

func TestMemoryStore_SetRotationEnabled(t *testing.T) {
	ctx := context.Background()
	s := seededStore()

	require.NoError(t, s.SetRotationEnabled("db", false))
	meta, err := s.Describe(ctx, "db")
	require.NoError(t, err)
	assert.False(t, meta.RotationEnabled)

	assert.ErrorIs(t, s.SetRotationEnabled("missing", true), ErrNotFound)
}

func TestStageMap_Move(t *testing.T) {
	tests := []struct {
		name     string
		stages   stageMap
		to, from string
		want     stageMap
		wantErr  error
	}{
		{
			name:   "promote pending",
			stages: stageMap{"a": {StageCurrent}, "b": {StagePending}, "z": {StagePrevious}},
			to:     "b", from: "a",
			want: stageMap{"a": {StagePrevious}, "b": {StageCurrent}},
		},
		{
			name:   "already current",
			stages: stageMap{"b": {StageCurrent}},
			to:     "b", from: "a",
			want: stageMap{"b": {StageCurrent}},
		},
		{
			name:   "stale from",
			stages: stageMap{"a": {StageCurrent}, "b": {StagePending}},
			to:     "b", from: "c",
			wantErr: ErrConflict,
		},
		{
			name:   "keeps custom labels",
			stages: stageMap{"a": {StageCurrent, "blue"}, "b": {StagePending}},
			to:     "b", from: "a",
			want: stageMap{"a": {"blue", StagePrevious}, "b": {StageCurrent}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.stages.move(StageCurrent, tt.to, tt.from)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tt.stages)
		})
	}
}
