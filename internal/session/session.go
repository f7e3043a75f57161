// Package session turns host notifications into metadata files: it decides
// whether an event is written, where the files go and which records are
// produced, then hands each record to the writer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"sessionmeta/internal/config"
	"sessionmeta/internal/event"
	"sessionmeta/internal/fsutil"
	"sessionmeta/internal/logging"
	"sessionmeta/internal/naming"
	"sessionmeta/internal/record"
	"sessionmeta/internal/writer"
)

// RecordWriter persists one record. *writer.Writer implements it.
type RecordWriter interface {
	Write(rec record.Record, basePath string, f writer.Format, p writer.Policy) (string, error)
}

// SkipReason explains why an event produced no output.
type SkipReason string

const (
	SkipDisabled SkipReason = "disabled"
	SkipSnapshot SkipReason = "snapshot"
	SkipNotLight SkipReason = "not a light frame"
	SkipNoFormat SkipReason = "no output format enabled"
)

// WrittenFile is one file touched while handling an event.
type WrittenFile struct {
	Kind   record.Kind   `json:"kind"`
	Format writer.Format `json:"format"`
	Path   string        `json:"path"`
}

// Outcome summarizes the handling of one event.
type Outcome struct {
	OutputDir string        `json:"output_dir,omitempty"`
	Written   []WrittenFile `json:"written,omitempty"`
	Skipped   SkipReason    `json:"skipped,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
	Err       error         `json:"-"`
}

// Paths returns the written file paths.
func (o Outcome) Paths() []string {
	paths := make([]string, 0, len(o.Written))
	for _, w := range o.Written {
		paths = append(paths, w.Path)
	}
	return paths
}

// Handler processes one event at a time. It holds no per-event state and
// provides no locking of its own.
type Handler struct {
	w   RecordWriter
	log *slog.Logger
}

// NewHandler returns a Handler writing through w.
func NewHandler(w RecordWriter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{w: w, log: logger}
}

// HandleImageSaved writes the acquisition, image and weather records for e.
// Errors are reported in the Outcome and never panic out of the handler.
func (h *Handler) HandleImageSaved(ctx context.Context, e *event.ImageSaved, s config.Settings) (out Outcome) {
	defer h.recover(&out)

	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}
	if e == nil {
		out.Err = fmt.Errorf("%w: nil image-saved event", event.ErrInvalidEvent)
		return out
	}
	if reason, skip := shouldSkip(e, s); skip {
		h.log.Debug("image skipped", "reason", reason, "type", e.ImageType)
		out.Skipped = reason
		return out
	}

	imagePath, err := e.ImagePath()
	if err != nil {
		out.Err = err
		return out
	}
	out.OutputDir = h.outputDir(s.MetaDataOutputDirectory, filepath.Dir(imagePath))

	records := []record.Record{
		record.NewAcquisition(e),
		record.NewImage(e, imagePath),
	}
	if s.WeatherEnabled {
		if w, ok := record.NewWeather(e); ok {
			records = append(records, w)
		} else {
			msg := "weather enabled but no weather data present, skipping weather record"
			h.log.Warn(msg, "exposure", e.ExposureNumber)
			out.Warnings = append(out.Warnings, msg)
		}
	}

	out.Err = h.writeAll(&out, records, e, s)
	return out
}

// HandleAutoFocus appends an autofocus run to the autofocus file.
func (h *Handler) HandleAutoFocus(ctx context.Context, e *event.AutoFocusCompleted, s config.Settings) (out Outcome) {
	defer h.recover(&out)

	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}
	if e == nil {
		out.Err = fmt.Errorf("%w: nil autofocus event", event.ErrInvalidEvent)
		return out
	}
	if !s.Enabled {
		out.Skipped = SkipDisabled
		return out
	}

	out.OutputDir = h.outputDir(s.MetaDataOutputDirectory, e.ImageDirectory)
	if out.OutputDir == "" {
		out.Err = errors.New("no output directory for autofocus run")
		return out
	}
	out.Err = h.writeAll(&out, []record.Record{record.NewAutoFocus(e)}, e, s)
	return out
}

func shouldSkip(e *event.ImageSaved, s config.Settings) (SkipReason, bool) {
	switch {
	case !s.Enabled:
		return SkipDisabled, true
	case e.ImageType == event.TypeSnapshot:
		return SkipSnapshot, true
	case !e.IsLight() && !s.NonLightsEnabled:
		return SkipNotLight, true
	case len(formats(s)) == 0:
		return SkipNoFormat, true
	}
	return "", false
}

func formats(s config.Settings) []writer.Format {
	var fs []writer.Format
	if s.CSVEnabled {
		fs = append(fs, writer.FormatCSV)
	}
	if s.JSONEnabled {
		fs = append(fs, writer.FormatJSON)
	}
	return fs
}

func (h *Handler) writeAll(out *Outcome, records []record.Record, src naming.Source, s config.Settings) error {
	fs := formats(s)
	if len(fs) == 0 {
		out.Skipped = SkipNoFormat
		return nil
	}
	for _, f := range fs {
		for _, rec := range records {
			base := filepath.Join(out.OutputDir, FileName(s, rec.Kind(), src))
			path, err := h.w.Write(rec, base, f, writer.PolicyFor(rec.Kind()))
			if err != nil {
				return fmt.Errorf("write %s %s: %w", rec.Kind(), f, err)
			}
			if path == "" {
				continue
			}
			logging.LogRecordWritten(h.log, string(rec.Kind()), string(f), path)
			out.Written = append(out.Written, WrittenFile{Kind: rec.Kind(), Format: f, Path: path})
		}
	}
	return nil
}

// FileName resolves the file name (without extension) for kind. A template
// that substitutes to nothing falls back to the default template.
func FileName(s config.Settings, kind record.Kind, src naming.Source) string {
	name := naming.Substitute(s.Template(kind), src)
	if strings.TrimSpace(name) == "" {
		name = naming.Substitute(config.DefaultSettings().Template(kind), src)
	}
	return name
}

// ResolveOutputDir returns override when it is an existing writable
// directory and fallback otherwise.
func ResolveOutputDir(override, fallback string) string {
	if override != "" && fsutil.IsWritableDir(override) {
		return override
	}
	return fallback
}

func (h *Handler) outputDir(override, fallback string) string {
	dir := ResolveOutputDir(override, fallback)
	if override != "" && dir != override {
		h.log.Warn("metadata output directory not usable, using image directory",
			"configured", override, "using", fallback)
	}
	return dir
}

func (h *Handler) recover(out *Outcome) {
	if r := recover(); r != nil {
		out.Err = fmt.Errorf("metadata handler panic: %v", r)
	}
}
