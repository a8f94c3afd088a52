// Package logger holds the process-wide zap logger used by the CLI and the executor.
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is never nil; it is a no-op until Initialize runs
	Logger = zap.NewNop().Sugar()
	// JSONOutput reports whether Logger emits JSON lines
	JSONOutput bool

	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize sets up the global logger at info level
func Initialize(jsonOutput bool) error {
	return InitializeWithLevel(jsonOutput, zapcore.InfoLevel)
}

// InitializeWithLevel sets up the global logger with an explicit minimum level.
// The CLI derives the level from -v flags via VerbosityToLevel.
// Console output goes to stderr so command output on stdout stays parseable.
func InitializeWithLevel(jsonOutput bool, lvl zapcore.Level) error {
	l, err := build(jsonOutput, lvl, os.Stderr)
	if err != nil {
		return err
	}
	JSONOutput = jsonOutput
	Logger = l.Sugar()
	return nil
}

func build(jsonOutput bool, lvl zapcore.Level, out io.Writer) (*zap.Logger, error) {
	level.SetLevel(lvl)
	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = level
		config.OutputPaths = []string{"stderr"}
		return config.Build()
	}
	core := zapcore.NewCore(newMinimalEncoder(), zapcore.AddSync(out), level)
	return zap.New(core), nil
}

// SetLevel changes the minimum level of the initialized logger in place
func SetLevel(lvl zapcore.Level) {
	level.SetLevel(lvl)
}

// Level is the current minimum level
func Level() zapcore.Level {
	return level.Level()
}

// Cleanup flushes buffered entries
func Cleanup() {
	_ = Logger.Sync()
}

// OrNop returns l, or a no-op logger when l is nil.
// Constructors accept nil loggers so tests can skip wiring one.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}

func Infow(msg string, keysAndValues ...interface{})  { Logger.Infow(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { Logger.Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { Logger.Errorw(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...interface{}) { Logger.Debugw(msg, keysAndValues...) }
