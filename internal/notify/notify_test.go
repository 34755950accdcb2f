package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
)

func TestConsoleSink(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	sink := NewConsoleSink(&buf)
	sink.now = func() time.Time { return time.Date(2024, 1, 1, 14, 0, 16, 0, time.UTC) }

	if err := sink.Notify(context.Background(), "Screen time", "Active for 16s during class"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	want := "14:00:16 Screen time Active for 16s during class\n"
	if buf.String() != want {
		t.Fatalf("Expected %q, got %q", want, buf.String())
	}
}

func TestConsoleSinkCancelled(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewConsoleSink(&buf).Notify(ctx, "t", "b"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatal("Expected nothing written")
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	if err := sink.Notify(context.Background(), "Screen time", "body"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if !strings.Contains(buf.String(), `"title":"Screen time"`) {
		t.Fatalf("Expected title field in log, got %s", buf.String())
	}
}

func TestMultiDeliversToAll(t *testing.T) {
	var delivered []string
	ok := SinkFunc(func(_ context.Context, title, _ string) error {
		delivered = append(delivered, title)
		return nil
	})
	failing := SinkFunc(func(context.Context, string, string) error {
		return errors.New("no display")
	})

	err := Multi{failing, ok, failing}.Notify(context.Background(), "t", "b")
	if err == nil || !strings.Contains(err.Error(), "no display") {
		t.Fatalf("Expected joined error, got %v", err)
	}
	if len(delivered) != 1 {
		t.Fatalf("Expected healthy sink to receive the notification, got %v", delivered)
	}

	if err := (Multi{}).Notify(context.Background(), "t", "b"); err != nil {
		t.Fatalf("Expected nil for empty Multi, got %v", err)
	}
}
