package dferr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKindRegardlessOfMessage(t *testing.T) {
	err := Wrap(KindNotFound, errors.New("backend miss"), "schema foo not found")
	assert.True(t, errors.Is(err, NotFound))
	assert.False(t, errors.Is(err, Conflict))
}

func TestWithSubKindAndCorrelationDoNotMutateOriginal(t *testing.T) {
	base := New(KindKeyRotationError, "rotation failed")
	withSub := base.WithSubKind(TransactionFailed)
	withCorr := withSub.WithCorrelation("corr-1")

	assert.Empty(t, base.SubKind)
	assert.Equal(t, "TRANSACTION_FAILED", withSub.SubKind)
	assert.Equal(t, "corr-1", withCorr.Correlation)
	assert.Equal(t, "TRANSACTION_FAILED", withCorr.SubKind)
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(KindNetwork, cause, "peer unreachable").WithSubKind(NetworkTimeout)

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "Network(Timeout)")

	got, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, KindNetwork, got.Kind)
}
