package executor

import (
	"go.uber.org/zap"

	"github.com/teranos/hubjobs/sym"
)

// pulseLogger wraps zap.SugaredLogger with the opening and closing markers of the executor
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event at DEBUG level
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event at WARN level
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general executor operations at INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.Pulse+" "+msg, keysAndValues...)
}
