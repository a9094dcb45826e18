package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var Log = zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Field attaches one key/value pair to a log event.
type Field func(e *zerolog.Event)

// Init replaces the package logger. format "console" switches to the
// human-readable writer; anything else logs JSON lines.
func Init(level, format string, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}

	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	Log = zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Caller().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch Level(strings.ToLower(level)) {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel, "warning":
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func emit(e *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		f(e)
	}
	e.Msg(msg)
}

func Debug(msg string, fields ...Field) {
	emit(Log.Debug(), msg, fields)
}

func Info(msg string, fields ...Field) {
	emit(Log.Info(), msg, fields)
}

func Warn(msg string, fields ...Field) {
	emit(Log.Warn(), msg, fields)
}

func Error(msg string, fields ...Field) {
	emit(Log.Error(), msg, fields)
}

func Err(err error) Field {
	return func(e *zerolog.Event) { e.Err(err) }
}

func String(key, value string) Field {
	return func(e *zerolog.Event) { e.Str(key, value) }
}

func Int(key string, value int) Field {
	return func(e *zerolog.Event) { e.Int(key, value) }
}

func Int64(key string, value int64) Field {
	return func(e *zerolog.Event) { e.Int64(key, value) }
}

func Bool(key string, value bool) Field {
	return func(e *zerolog.Event) { e.Bool(key, value) }
}

func Duration(key string, value time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(key, value) }
}

func Any(key string, value any) Field {
	return func(e *zerolog.Event) { e.Interface(key, value) }
}
