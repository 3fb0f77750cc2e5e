package brook

import "github.com/yanun0323/logs"

// Logger is the logging collaborator injected at construction. Implementations
// must be safe for concurrent use; every method may be called from receive and
// recovery paths.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (NoopLogger) Debugf(string, ...interface{}) {}
func (NoopLogger) Infof(string, ...interface{})  {}
func (NoopLogger) Warnf(string, ...interface{})  {}
func (NoopLogger) Errorf(string, ...interface{}) {}

type defaultLogger struct {
	verbose bool
}

// NewDefaultLogger returns the stock logger. Debug output is emitted only in
// verbose mode; warnings and errors always pass through.
func NewDefaultLogger(verbose bool) Logger {
	return &defaultLogger{verbose: verbose}
}

func (logger *defaultLogger) Debugf(format string, args ...interface{}) {
	if logger.verbose {
		logs.Debugf(format, args...)
	}
}

func (logger *defaultLogger) Infof(format string, args ...interface{}) {
	if logger.verbose {
		logs.Infof(format, args...)
	}
}

func (logger *defaultLogger) Warnf(format string, args ...interface{}) {
	logs.Warnf(format, args...)
}

func (logger *defaultLogger) Errorf(format string, args ...interface{}) {
	logs.Errorf(format, args...)
}
