// Package logger is the structured audit and logging sink of the security layer.
package logger

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config represents logger configuration
type Config struct {
	ConsoleOutput  bool   `yaml:"console_output"`
	ConsoleColor   bool   `yaml:"console_color"`
	FileOutput     bool   `yaml:"file_output"`
	FileName       string `yaml:"file_name"`
	FileMaxSize    string `yaml:"file_max_size"`
	FileMaxBackups int    `yaml:"file_max_backups"`
	Level          string `yaml:"level"`
}

// DefaultConfig logs info and above to the console
func DefaultConfig() Config {
	return Config{ConsoleOutput: true, Level: "info"}
}

// Logger wraps zerolog with a key/value field API
type Logger struct {
	zlog zerolog.Logger
	file *lumberjack.Logger
}

// New creates a new logger instance
func New(config Config) (*Logger, error) {
	level, err := parseLogLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var writers []io.Writer
	if config.ConsoleOutput {
		var consoleWriter io.Writer = os.Stdout
		if config.ConsoleColor {
			consoleWriter = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		}
		writers = append(writers, consoleWriter)
	}

	var file *lumberjack.Logger
	if config.FileOutput {
		if config.FileName == "" {
			return nil, fmt.Errorf("file_name is required when file_output is enabled")
		}
		maxSizeMB, err := parseMaxSize(config.FileMaxSize)
		if err != nil {
			return nil, fmt.Errorf("invalid file_max_size: %w", err)
		}
		file = &lumberjack.Logger{
			Filename:   config.FileName,
			MaxSize:    maxSizeMB,
			MaxBackups: config.FileMaxBackups,
			Compress:   true,
		}
		writers = append(writers, file)
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	var writer io.Writer = writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}

	l := NewWithWriter(writer, level)
	l.file = file
	return l, nil
}

// NewWithWriter creates a JSON logger writing to w
func NewWithWriter(w io.Writer, level zerolog.Level) *Logger {
	return &Logger{zlog: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// With returns a child logger carrying the given fields on every entry
func (l *Logger) With(fields ...interface{}) *Logger {
	return &Logger{zlog: l.zlog.With().Fields(fieldsToMap(fields...)).Logger(), file: l.file}
}

// Close releases the rotating log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func parseLogLevel(levelStr string) (zerolog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level: %s", levelStr)
	}
}

// parseMaxSize converts size string (e.g., "10MB") to megabytes
func parseMaxSize(sizeStr string) (int, error) {
	if sizeStr == "" {
		return 10, nil
	}

	trimmed := strings.TrimSuffix(strings.ToUpper(sizeStr), "MB")
	size, err := strconv.Atoi(trimmed)
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("invalid size format: %s", sizeStr)
	}
	return size, nil
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.zlog.Debug().Fields(fieldsToMap(fields...)).Msg(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...interface{}) {
	l.zlog.Info().Fields(fieldsToMap(fields...)).Msg(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.zlog.Warn().Fields(fieldsToMap(fields...)).Msg(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...interface{}) {
	l.zlog.Error().Fields(fieldsToMap(fields...)).Msg(msg)
}

// fieldsToMap converts alternating key/value fields to a map. Non-string keys are skipped
// and errors are rendered with their message.
func fieldsToMap(fields ...interface{}) map[string]interface{} {
	fieldMap := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if err, isErr := fields[i+1].(error); isErr && err != nil {
			fieldMap[key] = err.Error()
			continue
		}
		fieldMap[key] = fields[i+1]
	}
	return fieldMap
}
