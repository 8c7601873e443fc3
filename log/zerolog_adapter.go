package log

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// zerologAdapter wraps a zerolog.Logger to implement the custom Logger interface.
type zerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter creates a new Logger implemented with zerolog.
func NewZerologAdapter(level zerolog.Level, pretty bool) Logger {
	var zlog zerolog.Logger
	if pretty {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Logger()
	} else {
		zlog = zerolog.New(os.Stderr).
			Level(level).
			With().
			Timestamp().
			Logger()
	}
	return &zerologAdapter{logger: zlog}
}

func (z *zerologAdapter) Debug(_ context.Context, msg string, fields ...map[string]interface{}) {
	event := z.logger.Debug()
	for _, f := range fields {
		event = event.Fields(f)
	}
	event.Msg(msg)
}

func (z *zerologAdapter) Info(_ context.Context, msg string, fields ...map[string]interface{}) {
	event := z.logger.Info()
	for _, f := range fields {
		event = event.Fields(f)
	}
	event.Msg(msg)
}

func (z *zerologAdapter) Warn(_ context.Context, msg string, fields ...map[string]interface{}) {
	event := z.logger.Warn()
	for _, f := range fields {
		event = event.Fields(f)
	}
	event.Msg(msg)
}

func (z *zerologAdapter) Error(_ context.Context, msg string, err error, fields ...map[string]interface{}) {
	event := z.logger.Error().Err(err)
	for _, f := range fields {
		event = event.Fields(f)
	}
	event.Msg(msg)
}

func (z *zerologAdapter) With(fields map[string]interface{}) Logger {
	zlogCtx := z.logger.With()
	for k, v := range fields {
		zlogCtx = zlogCtx.Interface(k, v)
	}
	return &zerologAdapter{logger: zlogCtx.Logger()}
}
