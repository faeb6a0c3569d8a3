// Package logger holds the process-wide zap logger. Request and session
// scoped fields travel in the context and are attached by FromContext.
package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the global logger. It discards everything until Init runs, so
// packages can log from tests without setup.
var Log = zap.NewNop()

// Config holds logger configuration
type Config struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
	Service  string
}

// Build creates a logger from cfg without installing it
func Build(cfg *Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "text" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.TimeKey = "timestamp"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	zapConfig.OutputPaths = []string{"stdout"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	if cfg.Output == "file" && cfg.FilePath != "" {
		zapConfig.OutputPaths = []string{cfg.FilePath}
		zapConfig.ErrorOutputPaths = []string{cfg.FilePath}
	}

	built, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return nil, err
	}
	if cfg.Service != "" {
		built = built.With(zap.String("service", cfg.Service))
	}
	return built, nil
}

// Init installs a logger built from cfg
func Init(cfg *Config) error {
	built, err := Build(cfg)
	if err != nil {
		return err
	}
	Log = built
	return nil
}

// InitDefault installs a JSON info logger for service. Binaries call it
// first so configuration errors are logged, then Init once config is loaded.
func InitDefault(service string) {
	if err := Init(&Config{Level: "info", Format: "json", Service: service}); err != nil {
		Log, _ = zap.NewProduction()
	}
}

type contextKey int

const (
	requestIDKey contextKey = iota
	identityKey
)

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithIdentity adds the authenticated identity to context
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// FromContext returns Log with the request ID and identity found in ctx
func FromContext(ctx context.Context) *zap.Logger {
	l := Log
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		l = l.With(zap.String("request_id", requestID))
	}
	if identity, ok := ctx.Value(identityKey).(string); ok {
		l = l.With(zap.String("user_id", identity))
	}
	return l
}

func Debug(msg string, fields ...zap.Field) { Log.Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { Log.Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { Log.Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }

// Sync flushes any buffered log entries
func Sync() error {
	return Log.Sync()
}
