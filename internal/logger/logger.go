package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"lossly-go/internal/config"
)

// LoggerConfig defines the configuration for the logger.
type LoggerConfig struct {
	Level      string // Log level (e.g., "info", "debug", "error")
	FilePath   string // Path to the log file
	MaxSize    int    // Maximum size in megabytes before log rotation
	MaxBackups int    // Maximum number of old log files to retain
	MaxAge     int    // Maximum number of days to retain old log files
	Compress   bool   // Whether to compress rotated log files
	Console    bool   // Whether to also log to the console
	// Stream overrides the console writer. Worker processes log to stderr
	// because stdout carries the protocol.
	Stream io.Writer
}

// FromConfig converts the logging section of the application config.
func FromConfig(c config.LoggingConfig) LoggerConfig {
	return LoggerConfig{
		Level:      c.Level,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   c.Compress,
		Console:    c.Console,
	}
}

// NewLogger returns a new logrus.Logger configured according to the provided LoggerConfig.
// The logger supports log rotation and structured JSON output.
func NewLogger(config LoggerConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
			logrus.FieldKeyFunc:  "function",
		},
	})

	var writers []io.Writer

	if config.FilePath != "" {
		dir := filepath.Dir(config.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}

		fileWriter := &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writers = append(writers, fileWriter)
	}

	if config.Console || config.FilePath == "" {
		stream := config.Stream
		if stream == nil {
			stream = os.Stdout
		}
		writers = append(writers, stream)
	}

	if len(writers) > 1 {
		logger.SetOutput(io.MultiWriter(writers...))
	} else if len(writers) == 1 {
		logger.SetOutput(writers[0])
	}

	return logger, nil
}

// WithTask returns a logger entry with the task context.
func WithTask(logger *logrus.Logger, taskID, inputPath string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"task_id": taskID,
		"file":    inputPath,
	})
}

// WithBatch returns a logger entry with the batch context.
func WithBatch(logger *logrus.Logger, batchID string) *logrus.Entry {
	return logger.WithField("batch_id", batchID)
}

// WithWorker returns a logger entry with the worker context.
func WithWorker(logger *logrus.Logger, workerID string) *logrus.Entry {
	return logger.WithField("worker_id", workerID)
}

// WithOperation returns a logger entry with the specified operation context.
func WithOperation(logger *logrus.Logger, operation string) *logrus.Entry {
	return logger.WithField("operation", operation)
}

// DefaultConfig returns the default LoggerConfig.
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:      "info",
		FilePath:   "lossly.log",
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     30,
		Compress:   true,
		Console:    true,
	}
}

// NewLoggerWithFallback builds a logger from config. When config is unusable it
// falls back to DefaultConfig on the same stream, and to a bare stderr logger if
// that fails too. The returned error is the one config produced.
func NewLoggerWithFallback(config LoggerConfig) (*logrus.Logger, error) {
	log, err := NewLogger(config)
	if err == nil {
		return log, nil
	}
	def := DefaultConfig()
	def.Stream = config.Stream
	if log, defErr := NewLogger(def); defErr == nil {
		return log, err
	}
	log = logrus.New()
	log.SetLevel(logrus.InfoLevel)
	return log, err
}
