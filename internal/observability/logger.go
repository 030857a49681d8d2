// Package observability holds the process-wide CLI logger and the
// Prometheus metrics of the tracker.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileConsole    = "console"
	ProfileStructured = "structured"
)

// CLILogger is the logger used by commands. Components receive a logger
// through their constructors instead of reading this variable.
var CLILogger = zap.NewNop()

// LoggerOptions configures NewLogger.
type LoggerOptions struct {
	Name    string
	Level   string
	Profile string
	Verbose bool
}

// InitCLILogger replaces CLILogger with a console logger for name.
func InitCLILogger(name string, verbose bool) {
	CLILogger = NewLogger(LoggerOptions{Name: name, Profile: ProfileConsole, Verbose: verbose})
}

// NewLogger builds a zap logger. The console profile prints human readable
// lines to stdout; the structured profile prints JSON.
func NewLogger(opts LoggerOptions) *zap.Logger {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			level = zapcore.InfoLevel
		}
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	var enc zapcore.Encoder
	if strings.EqualFold(opts.Profile, ProfileStructured) {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncodeCaller = nil
		cfg.CallerKey = ""
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level)
	logger := zap.New(core)
	if opts.Name != "" {
		logger = logger.Named(opts.Name)
	}
	return logger
}
