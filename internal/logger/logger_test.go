package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.Disabled, ParseLevel("disabled"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestLogGrpcRequest(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "warn", Output: &buf})

	// Successful requests log at info.
	l.LogGrpcRequest("/grpc.health.v1.Health/Check", time.Millisecond, nil)
	assert.Zero(t, buf.Len())

	l.LogGrpcRequest("/grpc.health.v1.Health/Check", time.Millisecond, errors.New("boom"))
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	assert.Equal(t, "error", fields["level"])
	assert.Equal(t, "wpstore", fields["service"])
	assert.Equal(t, "grpc", fields["component"])
	assert.Equal(t, "/grpc.health.v1.Health/Check", fields["method"])
	assert.Equal(t, "boom", fields["error"])
}
