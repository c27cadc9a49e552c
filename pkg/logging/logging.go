// Package logging builds the zap logger shared by all commands.
package logging

import (
	"fmt"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the logger level and destination
type Options struct {
	// Level is debug, info, warn or error; empty means info
	Level string

	// File, when set, sends logs to a rotating file instead of stderr
	File string

	// MaxSizeMB and MaxAgeDays control rotation of File
	MaxSizeMB  int
	MaxAgeDays int
}

// New builds a production zap logger for opts
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("unknown log level %q: %w", opts.Level, err)
		}
	}

	if opts.File == "" {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(level)
		return config.Build()
	}

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename: opts.File,
		MaxSize:  opts.MaxSizeMB, // megabytes
		MaxAge:   opts.MaxAgeDays, // days
	})
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller()), nil
}
