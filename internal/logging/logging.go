package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Logger denotes the leveled log interface every bridge component logs through
type Logger interface {
	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
}

// NullLogger denotes a null-op logger that ignores all messages
type NullLogger struct{}

func (l *NullLogger) Error(args ...interface{}) {}

func (l *NullLogger) Errorf(format string, args ...interface{}) {}

func (l *NullLogger) Warn(args ...interface{}) {}

func (l *NullLogger) Warnf(format string, args ...interface{}) {}

func (l *NullLogger) Info(args ...interface{}) {}

func (l *NullLogger) Infof(format string, args ...interface{}) {}

func (l *NullLogger) Debug(args ...interface{}) {}

func (l *NullLogger) Debugf(format string, args ...interface{}) {}

// New builds the default development logger. When logPath is non-empty the
// output is additionally written to that file; the returned func flushes and
// closes it.
func New(debug bool, logPath string) (*zap.SugaredLogger, func(), error) {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	logCfg := zap.NewDevelopmentConfig()
	logCfg.DisableStacktrace = true
	logCfg.DisableCaller = level > zap.DebugLevel
	logCfg.Level.SetLevel(level)

	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logCfg.OutputPaths = append(logCfg.OutputPaths, logPath)
	}

	zapLogger, err := logCfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to instantiate logger: %w", err)
	}

	return zapLogger.Sugar(), func() {
		_ = zapLogger.Sync()
	}, nil
}

// MustNew is New for entry points that cannot continue without a logger
func MustNew(debug bool, logPath string) (*zap.SugaredLogger, func()) {
	logger, closeFn, err := New(debug, logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	return logger, closeFn
}
