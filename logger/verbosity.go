package logger

import "go.uber.org/zap/zapcore"

// VerbosityToLevel maps the count of -v flags to a minimum level:
// none shows warnings and errors, -v adds admissions and dispatches,
// -vv adds load calculations, poll results and SQL.
func VerbosityToLevel(count int) zapcore.Level {
	switch {
	case count <= 0:
		return zapcore.WarnLevel
	case count == 1:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
