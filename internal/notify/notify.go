// Package notify surfaces violations to the user. Every sink is best effort:
// callers log failures and move on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
)

// Sink delivers a notification.
type Sink interface {
	Notify(ctx context.Context, title, body string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, title, body string) error

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, title, body string) error {
	return f(ctx, title, body)
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify").Logger()}
}

// Notify logs the notification at warn level.
func (s *LogSink) Notify(_ context.Context, title, body string) error {
	s.logger.Warn().Str("title", title).Msg(body)
	return nil
}

// ConsoleSink prints a highlighted line to a terminal.
type ConsoleSink struct {
	mu    sync.Mutex
	out   io.Writer
	title *color.Color
	now   func() time.Time
}

// NewConsoleSink creates a console sink writing to out.
func NewConsoleSink(out io.Writer) *ConsoleSink {
	return &ConsoleSink{
		out:   out,
		title: color.New(color.FgRed, color.Bold),
		now:   time.Now,
	}
}

// Notify prints the notification.
func (s *ConsoleSink) Notify(ctx context.Context, title, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.out, "%s %s %s\n", s.now().Format(time.TimeOnly), s.title.Sprint(title), body)
	return err
}

// Multi fans a notification out to every sink and joins their errors.
type Multi []Sink

// Notify delivers to every sink even when some fail.
func (m Multi) Notify(ctx context.Context, title, body string) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Notify(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
