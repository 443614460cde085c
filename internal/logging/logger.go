// Package logging builds the zap loggers used by the CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options select the encoder, the minimum level and the destinations.
type Options struct {
	// Development switches to a colored console encoder with caller info.
	Development bool
	// Level is debug, info, warn or error. Empty means info.
	Level string
	// Output receives log lines. Nil means os.Stderr; stdout is kept for
	// command output.
	Output io.Writer
	// File, when set, also receives every line as JSON. Parent
	// directories are created and the file is appended to.
	File string
}

// New builds a logger from opts. The returned func syncs the logger and
// closes the log file; call it once the command is done.
func New(opts Options) (*zap.Logger, func(), error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
	}
	enabled := zap.NewAtomicLevelAt(level)
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	console := zapcore.Lock(zapcore.AddSync(out))

	var (
		encoder zapcore.Encoder
		extra   []zap.Option
	)
	if opts.Development {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
		extra = append(extra, zap.AddCaller(), zap.Development())
	} else {
		encoder = zapcore.NewJSONEncoder(jsonEncoderConfig())
	}
	core := zapcore.NewCore(encoder, console, enabled)

	closeFile := func() {}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		sink, closeSink, err := zap.Open(opts.File)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		closeFile = closeSink
		core = zapcore.NewTee(core, zapcore.NewCore(zapcore.NewJSONEncoder(jsonEncoderConfig()), sink, enabled))
	}

	logger := zap.New(core, append(extra, zap.ErrorOutput(console))...)
	done := func() {
		_ = logger.Sync()
		closeFile()
	}
	return logger, done, nil
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return ec
}
