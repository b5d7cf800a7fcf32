// Package logging wraps zap for the bridge's components.
//
// There is no package-level global logger. New builds a
// *zap.SugaredLogger value that callers inject into every component
// that needs it; components call .Named(...) to get a sub-logger tagged
// with their part of the system.
//
// All output goes to stderr: stdout belongs to the MCP stdio framing
// and must never carry log lines.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger. jsonOutput selects structured JSON
// output suitable for log aggregation; otherwise a compact console
// encoder is used for local/interactive runs.
func New(jsonOutput bool) (*zap.SugaredLogger, error) {
	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zl, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		return zl.Sugar(), nil
	}

	zl := zap.New(
		zapcore.NewCore(
			newConsoleEncoder(),
			zapcore.AddSync(os.Stderr),
			zap.InfoLevel,
		),
	)
	return zl.Sugar(), nil
}

// Nop returns a logger that discards everything, for use in tests and as
// a safe default before a real logger is constructed.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// Sync flushes any buffered log entries. Sync errors on stdout/stderr are
// routinely EINVAL on Linux/macOS and are intentionally not treated as
// fatal by callers.
func Sync(logger *zap.SugaredLogger) error {
	if logger == nil {
		return nil
	}
	return logger.Sync()
}
