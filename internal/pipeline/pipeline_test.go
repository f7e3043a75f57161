package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sessionmeta/internal/config"
	"sessionmeta/internal/event"
	"sessionmeta/internal/session"
	"sessionmeta/internal/storage"
	"sessionmeta/internal/writer"
)

type blockingProcessor struct {
	entered chan string
	release chan struct{}
	mu      sync.Mutex
	seen    []config.Settings
}

func (b *blockingProcessor) Process(ctx context.Context, env Envelope, s config.Settings) Result {
	b.mu.Lock()
	b.seen = append(b.seen, s)
	b.mu.Unlock()
	if b.entered != nil {
		b.entered <- env.ID
	}
	if b.release != nil {
		<-b.release
	}
	return Result{Envelope: env}
}

func imageEnvelope(dir string, n int) Envelope {
	return Envelope{
		Type:   event.TypeImageSaved,
		Source: "test",
		Image: &event.ImageSaved{
			ImageType:      event.TypeLight,
			ExposureNumber: n,
			ExposureStart:  time.Date(2021, 6, 1, 22, 15, n, 0, time.UTC),
			Duration:       60,
			PathToImage:    filepath.Join(dir, "frame.fits"),
			Target:         event.Target{Name: "NGC 7000"},
		},
	}
}

func TestPipelineWritesAndRecordsHistory(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer store.Close()

	handler := session.NewHandler(writer.New(slog.Default()), slog.Default())
	p := New(context.Background(), 4, slog.Default(), store, handler, StaticSettings(config.DefaultSettings()))
	results, unsub := p.Subscribe()
	defer unsub()

	for i := 1; i <= 3; i++ {
		if err := p.Submit(imageEnvelope(dir, i)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case res := <-results:
			if res.Error != nil {
				t.Fatalf("unexpected error: %v", res.Error)
			}
			if res.Status() != storage.StatusWritten {
				t.Fatalf("expected written, got %s", res.Status())
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}
	p.Stop()

	data, err := os.ReadFile(filepath.Join(dir, "ImageMetaData.csv"))
	if err != nil {
		t.Fatalf("read image csv: %v", err)
	}
	if lines := countNewlines(data); lines != 4 {
		t.Fatalf("expected header + 3 rows, got %d lines", lines)
	}

	counts, err := store.CountByStatus()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[storage.StatusWritten] != 3 {
		t.Fatalf("expected 3 written events, got %v", counts)
	}
}

func TestPipelineQueueFull(t *testing.T) {
	proc := &blockingProcessor{entered: make(chan string, 1), release: make(chan struct{})}
	p := newWithProcessor(context.Background(), 1, slog.Default(), nil, proc, nil)

	if err := p.Submit(Envelope{ID: "first", Type: event.TypeImageSaved}); err != nil {
		t.Fatalf("submit first: %v", err)
	}
	<-proc.entered // worker is busy with "first"

	if err := p.Submit(Envelope{ID: "second", Type: event.TypeImageSaved}); err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if err := p.Submit(Envelope{ID: "third", Type: event.TypeImageSaved}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	close(proc.release)
	<-proc.entered
	p.Stop()

	if err := p.Submit(Envelope{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestPipelineReadsSettingsPerEvent(t *testing.T) {
	proc := &blockingProcessor{}
	var mu sync.Mutex
	current := config.DefaultSettings()
	source := func() config.Settings {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	p := newWithProcessor(context.Background(), 4, slog.Default(), nil, proc, source)
	results, unsub := p.Subscribe()
	defer unsub()

	if err := p.Submit(Envelope{Type: event.TypeImageSaved}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-results

	mu.Lock()
	current.JSONEnabled = true
	mu.Unlock()

	if err := p.Submit(Envelope{Type: event.TypeImageSaved}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-results
	p.Stop()

	if len(proc.seen) != 2 || proc.seen[0].JSONEnabled || !proc.seen[1].JSONEnabled {
		t.Fatalf("settings not read per event: %+v", proc.seen)
	}
}

func TestPipelineSubscribeAfterStop(t *testing.T) {
	p := newWithProcessor(context.Background(), 1, slog.Default(), nil, &blockingProcessor{}, nil)
	p.Stop()

	ch, unsub := p.Subscribe()
	defer unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after Stop")
	}
}

func TestResultStatus(t *testing.T) {
	cases := []struct {
		res  Result
		want string
	}{
		{Result{}, storage.StatusWritten},
		{Result{Outcome: session.Outcome{Skipped: session.SkipSnapshot}}, storage.StatusSkipped},
		{Result{Error: errors.New("x")}, storage.StatusFailed},
	}
	for _, c := range cases {
		if got := c.res.Status(); got != c.want {
			t.Errorf("Status() = %s, want %s", got, c.want)
		}
	}
}

func countNewlines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}
