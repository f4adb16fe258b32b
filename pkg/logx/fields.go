package logx

import (
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// Field mutates a zerolog event.
//
// Fields are applied in order; setting the same key twice means the later
// field wins. The console writer renders them as key=value pairs, JSON
// sinks keep them structured.
type Field func(e *zerolog.Event)

func String(k, v string) Field { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field {
	return func(e *zerolog.Event) { e.Int(k, v) }
}
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field {
	return func(e *zerolog.Event) { e.Float64(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Stack captures the calling goroutine's stack at the point Stack is
// invoked, not when the event is written. Meant for recover blocks.
func Stack() Field {
	stack := string(debug.Stack())
	return func(e *zerolog.Event) {
		e.Str("stack", stack)
	}
}
