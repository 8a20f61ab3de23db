package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig contains logging configuration
type LogConfig struct {
	// Output settings
	OutputPath string `yaml:"output_path"`

	// Log level: debug, info, warn, error
	Level string `yaml:"level"`

	// Format settings
	Encoding    string `yaml:"encoding"` // json or console
	Development bool   `yaml:"development"`

	// AuditPath is the dedicated audit-trail log file
	AuditPath string `yaml:"audit_path"`

	// Rotation settings
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`

	// Performance settings
	DisableCaller     bool `yaml:"disable_caller"`
	DisableStacktrace bool `yaml:"disable_stacktrace"`
}

// NewLogger creates the application logger from config
func NewLogger(config *LogConfig) (*zap.Logger, error) {
	logger, _, err := NewReloadableLogger(config)
	return logger, err
}

// NewReloadableLogger creates the application logger plus the atomic
// level handle backing it, so the running level can follow config
// reloads without rebuilding the logger.
func NewReloadableLogger(config *LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level: %w", err)
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	core, err := buildCore(config, atomicLevel)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger core: %w", err)
	}

	logger := zap.New(core, buildOptions(config)...)
	zap.ReplaceGlobals(logger)

	return logger, atomicLevel, nil
}

// NewAuditSink creates a dedicated JSON logger for the audit trail.
// Audit entries are isolated from application logs and never sampled,
// so the evidence stream stays complete and machine-parseable.
func NewAuditSink(path string) (*zap.Logger, error) {
	if path == "" {
		path = "logs/audit.log"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	encoderConfig := buildEncoderConfig(&LogConfig{DisableCaller: true, DisableStacktrace: true})
	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 30,
		MaxAge:     365,
		Compress:   true,
	})

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), writer, zapcore.InfoLevel)
	return zap.New(core).Named("audit"), nil
}

func buildEncoderConfig(config *LogConfig) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if config.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if config.DisableCaller {
		encoderConfig.CallerKey = zapcore.OmitKey
	}
	if config.DisableStacktrace {
		encoderConfig.StacktraceKey = zapcore.OmitKey
	}

	return encoderConfig
}

func buildCore(config *LogConfig, level zapcore.LevelEnabler) (zapcore.Core, error) {
	encoderConfig := buildEncoderConfig(config)

	var encoder zapcore.Encoder
	if config.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	writers := []zapcore.WriteSyncer{}

	// File output with rotation
	if config.OutputPath != "" && config.OutputPath != "stdout" {
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		fileWriter := &lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}
		writers = append(writers, zapcore.AddSync(fileWriter))
	}

	if config.OutputPath == "stdout" || config.Development {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}
	if len(writers) == 0 {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}

	writer := zapcore.NewMultiWriteSyncer(writers...)
	return zapcore.NewCore(encoder, writer, level), nil
}

func buildOptions(config *LogConfig) []zap.Option {
	options := []zap.Option{}

	if !config.DisableCaller {
		options = append(options, zap.AddCaller())
	}
	if !config.DisableStacktrace {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if config.Development {
		options = append(options, zap.Development())
	}

	return options
}

// WithComponent adds component context
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// WithIncident adds incident tracking fields
func WithIncident(logger *zap.Logger, incidentID string) *zap.Logger {
	return logger.With(zap.String("incident_id", incidentID))
}

// LogIf logs only if error is not nil
func LogIf(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	if err != nil {
		logger.Error(msg, append(fields, zap.Error(err))...)
	}
}

// DefaultLogConfig returns default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		OutputPath:        "stdout",
		Level:             "info",
		Encoding:          "console",
		Development:       false,
		MaxSizeMB:         100,
		MaxBackups:        7,
		MaxAgeDays:        30,
		Compress:          true,
		DisableCaller:     false,
		DisableStacktrace: false,
	}
}
