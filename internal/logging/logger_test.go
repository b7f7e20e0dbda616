package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "not-a-level", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestWithFields_DoesNotMutateReceiver(t *testing.T) {
	base, err := New(Config{Level: "info", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	derived := base.WithSession("sess-1")
	assert.NotSame(t, base, derived)
	assert.Len(t, base.fields, 0)
	assert.Len(t, derived.fields, 1)
}

func TestWithContext_NoValuesReturnsSameLogger(t *testing.T) {
	base := Default()
	derived := base.WithContext(context.Background())
	assert.Same(t, base, derived)
}

func TestWithContext_CopiesCorrelationID(t *testing.T) {
	base, err := New(Config{Level: "info", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), CorrelationIDKey, "corr-123")
	derived := base.WithContext(ctx)
	assert.NotSame(t, base, derived)
}

func TestNew_InvalidOutputPathErrors(t *testing.T) {
	_, err := New(Config{Level: "info", Format: "json", OutputPath: "/no/such/dir/agentd.log"})
	assert.Error(t, err)
}
