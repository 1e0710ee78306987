package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithQueryID(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewLogfmtLogger(&buf)

	require.NoError(t, WithQueryID(42, logger).Log("msg", "fragment started"))
	assert.Equal(t, "query_id=42 msg=\"fragment started\"\n", buf.String())
}

func TestWithContextNoSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewLogfmtLogger(&buf)

	// Without a span in the context the logger passes through unchanged.
	require.NoError(t, WithContext(context.Background(), logger).Log("msg", "hello"))
	assert.Equal(t, "msg=hello\n", buf.String())
}

func TestExtractSampledTraceIDEmptyContext(t *testing.T) {
	traceID, sampled := ExtractSampledTraceID(context.Background())
	assert.Empty(t, traceID)
	assert.False(t, sampled)
}
