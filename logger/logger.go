/*
Package logger wraps zerolog so every component of the connection stack logs with the
same fields. Sub-loggers are derived from a parent with GetComponentLogger,
GetConnectionLogger and GetPeerLogger, and inherit its writers and level.
*/
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level = zerolog.Level

const (
	TraceLevel Level = zerolog.TraceLevel
	DebugLevel Level = zerolog.DebugLevel
	InfoLevel  Level = zerolog.InfoLevel
	WarnLevel  Level = zerolog.WarnLevel
	ErrorLevel Level = zerolog.ErrorLevel
	Disabled   Level = zerolog.Disabled
)

const (
	// rotation limits for the log file, in megabytes and days
	maxFileSize    = 50
	maxFileBackups = 5
	maxFileAge     = 28
)

type Config struct {
	// Optional path to a log file, rotated by lumberjack
	FilePath string

	// Additional human-readable outputs, e.g. os.Stdout
	ConsoleWriters []io.Writer

	// Colorize console output, only sensible when it goes to a terminal
	Color bool

	// Defaults to debug when unset. The level is process-wide so that
	// SetLevel reaches every derived logger.
	LogLevel *Level
}

type Logger struct {
	logger zerolog.Logger
}

// ToLogLevel parses a level name, falling back to debug on anything unrecognized
func ToLogLevel(level string) Level {
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil && level != "" {
		return parsed
	}
	return zerolog.DebugLevel
}

func New(config *Config) (*Logger, error) {
	writers := []io.Writer{}

	if config.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.FilePath), os.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create log directory for %s: %w", config.FilePath, err)
		}

		writers = append(writers, &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    maxFileSize,
			MaxBackups: maxFileBackups,
			MaxAge:     maxFileAge,
			Compress:   true,
		})
	}

	for _, writer := range config.ConsoleWriters {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.RFC3339,
			NoColor:    !config.Color,
		})
	}

	level := zerolog.DebugLevel
	if config.LogLevel != nil {
		level = *config.LogLevel
	}

	zerolog.SetGlobalLevel(level)

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Logger()

	return &Logger{logger: zl}, nil
}

func (l *Logger) with(key string, value string) *Logger {
	return &Logger{
		logger: l.logger.With().Str(key, value).Logger(),
	}
}

func (l *Logger) GetComponentLogger(component string) *Logger {
	return l.with("component", component)
}

func (l *Logger) GetConnectionLogger(connectionId string) *Logger {
	return l.with("connectionId", connectionId)
}

func (l *Logger) GetPeerLogger(peerId string) *Logger {
	return l.with("peerId", peerId)
}

// AddField permanently attaches a field to this logger
func (l *Logger) AddField(key string, value string) {
	l.logger = l.logger.With().Str(key, value).Logger()
}

func (l *Logger) AddClientVersion(version string) {
	l.AddField("clientVersion", version)
}

func (l *Logger) SetLevel(level Level) {
	zerolog.SetGlobalLevel(level)
}

func (l *Logger) Trace(msg string) {
	l.logger.Trace().Msg(msg)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.logger.Trace().Msgf(format, a...)
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.logger.Debug().Msgf(format, a...)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.logger.Info().Msgf(format, a...)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	l.logger.Warn().Msgf(format, a...)
}

func (l *Logger) Error(err error) {
	l.logger.Error().Msg(err.Error())
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.logger.Error().Msgf(format, a...)
}
