package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// zerologAdapter satisfies both the pipeline and the engine Logger interfaces
// with a zerolog backend.
type zerologAdapter struct {
	log zerolog.Logger
}

func newLogger(level string) *zerologAdapter {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = zerolog.InfoLevel
	}

	log := zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Logger()

	return &zerologAdapter{log: log}
}

func (l *zerologAdapter) Debug(msg string, args ...any) {
	l.emit(l.log.Debug(), msg, args)
}

func (l *zerologAdapter) Info(msg string, args ...any) {
	l.emit(l.log.Info(), msg, args)
}

func (l *zerologAdapter) Warn(msg string, args ...any) {
	l.emit(l.log.Warn(), msg, args)
}

func (l *zerologAdapter) Error(msg string, args ...any) {
	l.emit(l.log.Error(), msg, args)
}

// badKey marks malformed key/value args the same way log/slog does, so a
// dangling key or a non-string key still shows up in the output instead of
// being dropped.
const badKey = "!BADKEY"

// emit maps slog-style alternating key/value args onto zerolog fields.
func (l *zerologAdapter) emit(event *zerolog.Event, msg string, args []any) {
	for i := 0; i < len(args); {
		key, ok := args[i].(string)
		switch {
		case !ok:
			event = event.Interface(badKey, args[i])
			i++
		case i+1 >= len(args):
			event = event.Str(badKey, key)
			i++
		default:
			event = event.Interface(key, args[i+1])
			i += 2
		}
	}

	event.Msg(msg)
}
