package logger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"aire/pkg/logging"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := New("debug", format)
		require.NoError(t, err)
		require.NotNil(t, l)
	}
}

func TestContextFieldsAreAttached(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromCore(core)

	ctx := logging.WithConsumerGroup(context.Background(), "grupo-a")
	ctx = logging.WithPartition(ctx, 1)
	l.InfowCtx(ctx, "batch flushed", "saved", 3)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "grupo-a", fields["consumer_group"])
	assert.EqualValues(t, 1, fields["partition"])
	assert.EqualValues(t, 3, fields["saved"])
}

func TestThrottled(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	th := NewThrottled(NewFromCore(core), time.Hour, 2)

	for i := 0; i < 5; i++ {
		th.WarnwCtx(context.Background(), "decode failed")
	}

	assert.Equal(t, 2, logs.Len())
	assert.EqualValues(t, 3, th.Suppressed())
}
