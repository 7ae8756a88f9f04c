package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_IsKind(t *testing.T) {
	assert.True(t, errors.Is(ErrStoreConflict, ErrConcurrentModification))
	assert.True(t, IsRetryable(ErrStoreConflict))
	assert.True(t, IsValidation(ErrInvalidDate))
	assert.True(t, IsNotFound(ErrSettingNotFound))
	assert.False(t, IsNotFound(ErrInvalidDate))
}

func TestDomainError_WrappedSentinelStillMatches(t *testing.T) {
	cause := errors.New("serialization failure")
	err := StoreConflict(cause)

	assert.ErrorIs(t, err, ErrStoreConflict)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, fmt.Errorf("upsert 2024-01-01: %w", err), ErrStoreConflict)
	assert.NotErrorIs(t, err, ErrUnknownJob)
	assert.Equal(t, "store.Upsert: write conflict: serialization failure", err.Error())
}
