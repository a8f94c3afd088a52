package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLoggerUsableBeforeInitialize(t *testing.T) {
	require.NotNil(t, Logger)
	assert.NotPanics(t, func() {
		Infow("before init", FieldJobID, "J-1")
		Warnw("before init")
	})
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	l := zap.NewExample().Sugar()
	assert.Same(t, l, OrNop(l))
}

func TestFieldsFromContext(t *testing.T) {
	ctx := WithStepID(WithJobID(context.Background(), "J-1"), "S-2")
	assert.Equal(t, []interface{}{FieldJobID, "J-1", FieldStepID, "S-2"}, FieldsFromContext(ctx))

	assert.Equal(t, []interface{}{FieldJobID, "J-1"}, FieldsFromContext(WithJobID(context.Background(), "J-1")))
	assert.Empty(t, FieldsFromContext(context.Background()))
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(5))
}

func TestMinimalEncoderRendersLeadingFieldsFirst(t *testing.T) {
	enc := newMinimalEncoder()
	enc.AddString(FieldResource, "db:main")

	ent := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Date(2024, 1, 2, 13, 4, 35, 0, time.UTC),
		LoggerName: "pulse.executor",
		Message:    "Job admitted",
	}
	buf, err := enc.EncodeEntry(ent, []zapcore.Field{
		zap.Float64(FieldNeeded, 2.5),
		zap.String(FieldJobID, "J-1"),
	})
	require.NoError(t, err)

	line := buf.String()
	assert.Contains(t, line, "13:04:35")
	assert.Contains(t, line, "p.executor")
	assert.Contains(t, line, "Job admitted")
	assert.True(t, strings.HasSuffix(line, "\n"))

	jobIdx := strings.Index(line, FieldJobID)
	resIdx := strings.Index(line, FieldResource)
	neededIdx := strings.Index(line, FieldNeeded)
	require.True(t, jobIdx > 0 && resIdx > 0 && neededIdx > 0, line)
	assert.Less(t, jobIdx, resIdx)
	assert.Less(t, resIdx, neededIdx)
	assert.Contains(t, line, "=2.5")
}

func TestMinimalEncoderCloneIsolatesFields(t *testing.T) {
	parent := newMinimalEncoder()
	parent.AddString(FieldJobID, "J-1")

	child := parent.Clone().(*minimalEncoder)
	child.AddString(FieldStepID, "S-1")

	assert.Len(t, parent.Fields, 1)
	assert.Len(t, child.Fields, 2)
}

func TestMinimalEncoderLevelLabels(t *testing.T) {
	assert.Empty(t, levelLabel(zapcore.InfoLevel))
	assert.Contains(t, levelLabel(zapcore.WarnLevel), "WARN")
	assert.Contains(t, levelLabel(zapcore.ErrorLevel), "ERROR")
	assert.Equal(t, "p.executor", abbreviateName("pulse.executor"))
	assert.Equal(t, "db", abbreviateName("db"))
}

func TestConsoleLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := build(false, zapcore.WarnLevel, &buf)
	require.NoError(t, err)
	defer SetLevel(zapcore.InfoLevel)

	l.Sugar().Infow("hidden", FieldJobID, "J-1")
	assert.Empty(t, buf.String())

	SetLevel(zapcore.DebugLevel)
	assert.Equal(t, zapcore.DebugLevel, Level())
	l.Sugar().Debugw("Step dispatched", FieldJobID, "J-1")
	assert.Contains(t, buf.String(), "Step dispatched")
	assert.Contains(t, buf.String(), "J-1")
}
