// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package log provides structured, leveled logging for the storage
// client. Messages are emitted as JSON through zap. Each call takes a
// context; fields stored in the context by WithRequestID and
// WithOperation are attached to every message, so that all log
// lines belonging to one request attempt can be correlated with the
// service's own logs.
//
// The level defaults to info and may be overridden with the LOG_LEVEL
// environment variable.
package log

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// DebugLevel logs are typically voluminous.
	DebugLevel = zapcore.DebugLevel
	// InfoLevel is the default logging priority.
	InfoLevel = zapcore.InfoLevel
	// WarnLevel logs are more important than Info, but don't need
	// individual human review.
	WarnLevel = zapcore.WarnLevel
	// ErrorLevel logs are high-priority.
	ErrorLevel = zapcore.ErrorLevel
	// RFC3339TrailingNano is RFC3339 format with trailing nanoseconds precision.
	RFC3339TrailingNano = "2006-01-02T15:04:05.000000000Z07:00"
	// LevelEnvVar is the environment variable used to set the logging level.
	LevelEnvVar = "LOG_LEVEL"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	operationKey
)

var logLevels = map[string]zapcore.Level{
	"debug": DebugLevel,
	"DEBUG": DebugLevel,
	"info":  InfoLevel,
	"INFO":  InfoLevel,
	"warn":  WarnLevel,
	"WARN":  WarnLevel,
	"error": ErrorLevel,
	"ERROR": ErrorLevel,
}

// WithRequestID returns a context that carries the client request
// id. The id is logged as "clientRequestID".
func WithRequestID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the client request id carried by ctx, if any.
func RequestID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(requestIDKey).(uuid.UUID)
	return id, ok
}

// WithOperation returns a context that carries an operation name,
// logged as "operation".
func WithOperation(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, operationKey, name)
}

// Config configures a Logger.
type Config struct {
	// OutputPaths are zap output paths; stderr by default.
	OutputPaths []string
	// Level is the minimum level logged. The LOG_LEVEL environment
	// variable overrides it.
	Level zapcore.Level
}

// Logger is a leveled, context-aware logger.
type Logger struct {
	core *zap.SugaredLogger
	now  func() time.Time
}

// New builds a new Logger from config. It panics if zap rejects the
// configuration.
func New(config Config) *Logger {
	zl, err := newConfig(config).Build(zap.AddCallerSkip(2))
	if err != nil {
		panic(err)
	}
	return &Logger{core: zl.Sugar(), now: time.Now}
}

// NewFromCore wraps an existing zap logger. It allows tests to
// observe log output.
func NewFromCore(core *zap.SugaredLogger) *Logger {
	return &Logger{core: core, now: time.Now}
}

var std atomic.Pointer[Logger]

func init() {
	std.Store(New(Config{Level: InfoLevel}))
}

// SetDefault replaces the package-level logger and returns the
// previous one.
func SetDefault(l *Logger) *Logger {
	return std.Swap(l)
}

// Default returns the package-level logger.
func Default() *Logger {
	return std.Load()
}

func (l *Logger) log(ctx context.Context, level zapcore.Level, msg string, keysAndValues []interface{}) {
	if !l.core.Desugar().Core().Enabled(level) {
		return
	}
	if len(keysAndValues)%2 != 0 {
		dangling := keysAndValues[len(keysAndValues)-1]
		keysAndValues = keysAndValues[:len(keysAndValues)-1]
		l.core.Errorw("Ignored key without a value.", "ignored", dangling)
	}
	fields := []interface{}{"ts", l.now()}
	if ctx != nil {
		if id, ok := RequestID(ctx); ok {
			fields = append(fields, "clientRequestID", id.String())
		}
		if op, ok := ctx.Value(operationKey).(string); ok {
			fields = append(fields, "operation", op)
		}
	}
	fields = append(fields, keysAndValues...)
	switch level {
	case DebugLevel:
		l.core.Debugw(msg, fields...)
	case InfoLevel:
		l.core.Infow(msg, fields...)
	case WarnLevel:
		l.core.Warnw(msg, fields...)
	default:
		l.core.Errorw(msg, fields...)
	}
}

// Debug logs a message, the context fields of ctx, and variadic
// key-value pairs.
func (l *Logger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, DebugLevel, msg, keysAndValues)
}

// Info logs a message, the context fields of ctx, and variadic
// key-value pairs.
func (l *Logger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, InfoLevel, msg, keysAndValues)
}

// Warn logs a message, the context fields of ctx, and variadic
// key-value pairs.
func (l *Logger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, WarnLevel, msg, keysAndValues)
}

// Error logs a message, the context fields of ctx, and variadic
// key-value pairs.
func (l *Logger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, ErrorLevel, msg, keysAndValues)
}

// Debug logs to the default logger at debug level.
func Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	Default().log(ctx, DebugLevel, msg, keysAndValues)
}

// Debugf logs a templated message to the default logger at debug level.
func Debugf(ctx context.Context, format string, args ...interface{}) {
	Default().log(ctx, DebugLevel, fmt.Sprintf(format, args...), nil)
}

// Info logs to the default logger at info level.
func Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	Default().log(ctx, InfoLevel, msg, keysAndValues)
}

// Infof logs a templated message to the default logger at info level.
func Infof(ctx context.Context, format string, args ...interface{}) {
	Default().log(ctx, InfoLevel, fmt.Sprintf(format, args...), nil)
}

// Warn logs to the default logger at warn level.
func Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	Default().log(ctx, WarnLevel, msg, keysAndValues)
}

// Warnf logs a templated message to the default logger at warn level.
func Warnf(ctx context.Context, format string, args ...interface{}) {
	Default().log(ctx, WarnLevel, fmt.Sprintf(format, args...), nil)
}

// Error logs to the default logger at error level.
func Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	Default().log(ctx, ErrorLevel, msg, keysAndValues)
}

// Errorf logs a templated message to the default logger at error level.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	Default().log(ctx, ErrorLevel, fmt.Sprintf(format, args...), nil)
}

func rfc3339TrailingNanoTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format(RFC3339TrailingNano))
}

// newConfig is similar to zap's NewProductionConfig. Timestamps are
// supplied as a field by Logger so they can be faked in tests.
func newConfig(override Config) zap.Config {
	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(override.Level),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			LevelKey:       "level",
			NameKey:        "logger",
			MessageKey:     "msg",
			CallerKey:      "caller",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     rfc3339TrailingNanoTimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if override.OutputPaths != nil {
		config.OutputPaths = override.OutputPaths
	}
	if level, ok := logLevels[os.Getenv(LevelEnvVar)]; ok {
		config.Level = zap.NewAtomicLevelAt(level)
	}
	return config
}
