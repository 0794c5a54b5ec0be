package telemetry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a zerolog logger that knows about plans, steps and commands.
// Every With method returns a child; the receiver is never modified.
type Logger struct {
	zlog zerolog.Logger
}

// NewLogger builds the process logger. Output "stdout" and "stderr" name the
// streams; anything else is a file rotated by lumberjack.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, err := logOutput(cfg)
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		_, toFile := out.(*lumberjack.Logger)
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: toFile}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	return &Logger{zlog: ctx.Logger()}, nil
}

func logOutput(cfg LoggingConfig) (io.Writer, error) {
	switch cfg.Output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, nil
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	}
	return time.RFC3339
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Zerolog returns the underlying logger, for packages that log with zerolog
// directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func (l *Logger) child(ctx zerolog.Context) *Logger {
	return &Logger{zlog: ctx.Logger()}
}

func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.child(l.zlog.With().Str("component", component))
}

func (l *Logger) WithPlanID(planID string) *Logger {
	return l.child(l.zlog.With().Str("plan_id", planID))
}

func (l *Logger) WithStepIndex(index int) *Logger {
	return l.child(l.zlog.With().Int("step_index", index))
}

func (l *Logger) WithCommandID(commandID string) *Logger {
	return l.child(l.zlog.With().Str("command_id", commandID))
}

func (l *Logger) WithError(err error) *Logger {
	return l.child(l.zlog.With().Err(err))
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.child(l.zlog.With().Interface(key, value))
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.child(l.zlog.With().Fields(fields))
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zlog.Error().Msgf(format, args...) }
