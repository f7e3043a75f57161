// Package ingest feeds host notifications from a spool directory into the
// pipeline. Producers drop one envelope per .json file, preferably by
// writing a hidden temporary file and renaming it into place.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"sessionmeta/internal/event"
	"sessionmeta/internal/fsutil"
	"sessionmeta/internal/metrics"
	"sessionmeta/internal/pipeline"
)

const (
	// SourceSpool tags envelopes read from the spool directory.
	SourceSpool = "spool"

	processedDir = "processed"
	failedDir    = "failed"

	retryInterval = 200 * time.Millisecond
)

// Submitter accepts envelopes. *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(env pipeline.Envelope) error
}

// ReadEventFile decodes the envelope stored at path.
func ReadEventFile(path string) (event.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return event.Message{}, err
	}
	return event.DecodeMessage(bytes.NewReader(data))
}

// SpoolWatcher monitors a spool directory and submits every event file it
// finds. Handled files are moved to processed/, undecodable ones to failed/.
type SpoolWatcher struct {
	dir     string
	sub     Submitter
	log     *slog.Logger
	watcher *fsnotify.Watcher
}

// NewSpoolWatcher prepares a watcher for dir, creating it when missing.
func NewSpoolWatcher(dir string, sub Submitter, logger *slog.Logger) (*SpoolWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &SpoolWatcher{
		dir:     dir,
		sub:     sub,
		log:     logger.With("component", "spool"),
		watcher: watcher,
	}, nil
}

// Run processes the existing backlog, then handles new files until ctx is
// cancelled. The watcher is closed on return.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("watching spool directory", "dir", w.dir)

	if err := w.Drain(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !fsutil.IsEventFile(ev.Name) || filepath.Dir(ev.Name) != filepath.Clean(w.dir) {
				continue
			}
			if err := w.handle(ctx, ev.Name, true); err != nil && !errors.Is(err, context.Canceled) {
				w.log.Warn("spool file not handled", "path", ev.Name, "error", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("spool watcher error", "error", err)
		}
	}
}

// Drain submits every event file currently in the spool directory.
func (w *SpoolWatcher) Drain(ctx context.Context) error {
	files, err := fsutil.ListEventFiles(w.dir)
	if err != nil {
		return fmt.Errorf("list spool: %w", err)
	}
	if len(files) > 0 {
		w.log.Info("processing spool backlog", "files", len(files))
	}
	for _, path := range files {
		if err := w.handle(ctx, path, false); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			w.log.Warn("spool file not handled", "path", path, "error", err)
		}
	}
	return nil
}

// handle submits one file. When live is set an incomplete document is left
// in place for the next write notification.
func (w *SpoolWatcher) handle(ctx context.Context, path string, live bool) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if live && !json.Valid(data) {
		w.log.Debug("incomplete event file, waiting for more data", "path", path)
		return nil
	}

	msg, err := event.DecodeMessage(bytes.NewReader(data))
	if err != nil {
		metrics.ObserveIngest(SourceSpool, metrics.IngestInvalid)
		if _, mvErr := fsutil.MoveInto(path, filepath.Join(w.dir, failedDir)); mvErr != nil {
			w.log.Error("move failed spool file", "path", path, "error", mvErr)
		}
		return err
	}

	env := pipeline.NewEnvelope(msg, SourceSpool)
	if err := w.submit(ctx, env); err != nil {
		return err
	}

	if _, err := fsutil.MoveInto(path, filepath.Join(w.dir, processedDir)); err != nil {
		return err
	}
	w.log.Debug("spool file submitted", "path", path, "id", env.ID, "type", env.Type)
	return nil
}

// submit retries while the pipeline queue is full so the spool applies
// back-pressure instead of dropping events.
func (w *SpoolWatcher) submit(ctx context.Context, env pipeline.Envelope) error {
	for {
		err := w.sub.Submit(env)
		if !errors.Is(err, pipeline.ErrQueueFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}
