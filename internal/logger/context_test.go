package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextFields(t *testing.T) {
	ctx := Discard().WithContext(context.Background())
	assert.Empty(t, GetRequestID(ctx))

	ctx = SetRequestID(ctx, "req-1")
	ctx = SetJobID(ctx, "job-1")
	ctx = SetComponent(ctx, "worker")

	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "job-1", GetJobID(ctx))
	assert.Equal(t, "worker", GetFieldString(ctx, FieldComponent))
}

func TestEntryWritesMetricFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&EnvConfig{Level: "debug", Format: "json", Output: &buf, ServiceName: "ring-test"})
	ctx := SetJobID(log.WithContext(context.Background()), "job-7")

	With(Fields{"step": "render"}).WithCost(0.01234).WithStatus("failed").Info(ctx, "Attempt %d done", 2)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Attempt 2 done", line["message"])
	assert.Equal(t, "job-7", line[FieldJobID])
	assert.Equal(t, "render", line["step"])
	assert.Equal(t, "failed", line[FieldStatus])
	assert.InDelta(t, 0.01234, line[FieldCostUSD], 1e-9)
}
