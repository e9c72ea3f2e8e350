package rotation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credential-rotator/db-rotation/storage"
	"credential-rotator/db-rotation/target"
)

func TestParseStep(t *testing.T) {
	for _, want := range Steps {
		got, err := ParseStep(string(want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseStep("CreateSecret")
	assert.ErrorIs(t, err, ErrInvalidStep)
}

func TestRequest_DecodeInvocation(t *testing.T) {
	var req Request
	err := json.Unmarshal([]byte(`{"SecretId":"arn:secret","ClientRequestToken":"tok","Step":"testSecret"}`), &req)
	require.NoError(t, err)
	assert.Equal(t, Request{SecretId: "arn:secret", ClientRequestToken: "tok", Step: StepTest}, req)

	err = json.Unmarshal([]byte(`{"SecretId":"arn:secret","ClientRequestToken":"tok","Step":"deleteSecret"}`), &req)
	assert.ErrorIs(t, err, ErrInvalidStep)
}

func TestTransitionsChainInOrder(t *testing.T) {
	state := NoPendingVersion
	for _, step := range Steps {
		tr, ok := transitions[step]
		require.True(t, ok, step)
		assert.Equal(t, state, tr.from, step)
		state = tr.to
	}
	assert.Equal(t, Finished, state)
	assert.Equal(t, "PasswordTested", PasswordTested.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrNotRotationEnabled, false},
		{ErrInvalidStage, false},
		{target.ErrInvalidIdentifier, false},
		{target.ErrAuthFailed, true},
		{target.ErrConnectionTimeout, true},
		{storage.ErrConflict, true},
		{errors.Join(ErrValidationFailed, target.ErrProbeFailed), true},
		{storage.ErrNotFound, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Retryable(tt.err), "%v", tt.err)
	}
}
