package tools

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	t.Parallel()

	result, err := Run(context.Background(), time.Minute, "sh", "-c", "echo out; echo err >&2")
	require.NoError(t, err)
	assert.Equal(t, "out\n", result.Stdout)
	assert.Equal(t, "err\n", result.Stderr)
	assert.Zero(t, result.ExitCode)
}

func TestRunReturnsExitCode(t *testing.T) {
	t.Parallel()

	result, err := Run(context.Background(), time.Minute, "sh", "-c", "echo partial; exit 3")
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 3, result.ExitCode)
	// Output captured even on failure so callers can log it.
	assert.Equal(t, "partial\n", result.Stdout)
}

func TestRunTimesOut(t *testing.T) {
	t.Parallel()

	start := time.Now()
	_, err := Run(context.Background(), 100*time.Millisecond, "sh", "-c", "sleep 30")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 15*time.Second)
}

func TestRunMissingBinary(t *testing.T) {
	t.Parallel()

	_, err := Run(context.Background(), time.Minute, "definitely-not-a-real-binary-xyz")
	require.Error(t, err)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	small := []byte("hello")
	assert.Equal(t, "hello", truncate(small))

	big := bytes.Repeat([]byte("a"), maxCapturedOutput+100)
	out := truncate(big)
	assert.True(t, strings.HasSuffix(out, "\n[truncated]"))
	assert.Len(t, out, maxCapturedOutput+len("\n[truncated]"))
}
