package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"sessionmeta/internal/config"
	"sessionmeta/internal/event"
	"sessionmeta/internal/logging"
	"sessionmeta/internal/metrics"
	"sessionmeta/internal/session"
	"sessionmeta/internal/storage"
)

// ErrQueueFull is returned by Submit when the queue has no free slot.
var ErrQueueFull = errors.New("event queue is full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("pipeline stopped")

// Envelope carries one host notification through the pipeline.
type Envelope struct {
	ID        string
	Type      event.Type
	Image     *event.ImageSaved
	AutoFocus *event.AutoFocusCompleted
	// Source names the ingest surface: cli, spool, http or grpc.
	Source   string
	Received time.Time
}

// NewEnvelope wraps a decoded message for submission.
func NewEnvelope(msg event.Message, source string) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      msg.Type,
		Image:     msg.Image,
		AutoFocus: msg.AutoFocus,
		Source:    source,
		Received:  time.Now(),
	}
}

// Result captures the outcome of an Envelope.
type Result struct {
	Envelope Envelope
	Outcome  session.Outcome
	Error    error
	Duration time.Duration
}

// Status maps a result onto the history statuses.
func (r Result) Status() string {
	switch {
	case r.Error != nil:
		return storage.StatusFailed
	case r.Outcome.Skipped != "":
		return storage.StatusSkipped
	default:
		return storage.StatusWritten
	}
}

// Summary is the wire form of a Result used by the live feeds.
type Summary struct {
	ID         string                `json:"id"`
	Type       event.Type            `json:"type"`
	Source     string                `json:"source,omitempty"`
	Status     string                `json:"status"`
	Skipped    string                `json:"skipped,omitempty"`
	Error      string                `json:"error,omitempty"`
	OutputDir  string                `json:"output_dir,omitempty"`
	Written    []session.WrittenFile `json:"written,omitempty"`
	Warnings   []string              `json:"warnings,omitempty"`
	DurationMS int64                 `json:"duration_ms"`
}

// Summary flattens r for JSON encoding.
func (r Result) Summary() Summary {
	return Summary{
		ID:         r.Envelope.ID,
		Type:       r.Envelope.Type,
		Source:     r.Envelope.Source,
		Status:     r.Status(),
		Skipped:    string(r.Outcome.Skipped),
		Error:      errString(r.Error),
		OutputDir:  r.Outcome.OutputDir,
		Written:    r.Outcome.Written,
		Warnings:   r.Outcome.Warnings,
		DurationMS: r.Duration.Milliseconds(),
	}
}

// Processor handles one envelope with the given settings.
type Processor interface {
	Process(ctx context.Context, env Envelope, settings config.Settings) Result
}

// SettingsSource returns the settings snapshot for the next event.
type SettingsSource func() config.Settings

// StaticSettings always hands out s.
func StaticSettings(s config.Settings) SettingsSource {
	return func() config.Settings { return s }
}

// Pipeline feeds events to exactly one worker so metadata files are never
// written concurrently.
type Pipeline struct {
	processor Processor
	settings  SettingsSource
	log       *slog.Logger
	events    chan Envelope
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline with a bounded queue of queueSize events.
func New(ctx context.Context, queueSize int, logger *slog.Logger, store *storage.Store, handler *session.Handler, settings SettingsSource) *Pipeline {
	return newWithProcessor(ctx, queueSize, logger, store, newRouter(handler), settings)
}

func newWithProcessor(ctx context.Context, queueSize int, logger *slog.Logger, store *storage.Store, proc Processor, settings SettingsSource) *Pipeline {
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if settings == nil {
		settings = StaticSettings(config.DefaultSettings())
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		settings:  settings,
		log:       logger,
		events:    make(chan Envelope, queueSize),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.worker(ctx)
	})

	return p
}

// Submit adds an event to the queue without blocking.
func (p *Pipeline) Submit(env Envelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Received.IsZero() {
		env.Received = time.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		metrics.ObserveIngest(env.Source, metrics.IngestRejected)
		return ErrStopped
	}

	// Recorded before enqueueing so the worker's result update always finds
	// the row.
	if err := p.store.RecordEventQueued(queuedRecord(env)); err != nil {
		p.log.Warn("history insert failed", "id", env.ID, "error", err)
	}

	select {
	case p.events <- env:
	default:
		metrics.ObserveIngest(env.Source, metrics.IngestRejected)
		_ = p.store.RecordEventResult(env.ID, storage.StatusFailed, "", ErrQueueFull.Error(), nil)
		return ErrQueueFull
	}

	metrics.ObserveIngest(env.Source, metrics.IngestAccepted)
	return nil
}

// Stop drains queued events, then waits for the worker to exit.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.events)
		p.mu.Unlock()

		p.wg.Wait()
		p.cancel()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

// Abort cancels the worker without draining the queue.
func (p *Pipeline) Abort() {
	p.cancel()
	p.Stop()
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for env := range p.events {
		if ctx.Err() != nil {
			p.log.Warn("event dropped, pipeline cancelled", "id", env.ID, "type", env.Type)
			_ = p.store.RecordEventResult(env.ID, storage.StatusFailed, "", ctx.Err().Error(), nil)
			continue
		}
		p.broadcast(p.handle(ctx, env))
	}
}

func (p *Pipeline) handle(ctx context.Context, env Envelope) Result {
	start := time.Now()
	logging.LogEventStart(p.log, string(env.Type), env.ID, env.Source)

	res := p.processor.Process(ctx, env, p.settings())
	res.Envelope = env
	res.Duration = time.Since(start)

	status := res.Status()
	if res.Error != nil {
		logging.LogEventError(p.log, string(env.Type), env.ID, res.Duration, res.Error)
	} else {
		logging.LogEventComplete(p.log, string(env.Type), env.ID, res.Duration, res.Outcome.Paths(), string(res.Outcome.Skipped))
	}

	metrics.ObserveEvent(string(env.Type), status, res.Duration)
	files := make([]storage.FileRecord, 0, len(res.Outcome.Written))
	for _, w := range res.Outcome.Written {
		metrics.IncRecordWritten(string(w.Kind), string(w.Format))
		files = append(files, storage.FileRecord{RecordKind: string(w.Kind), Format: string(w.Format), Path: w.Path})
	}
	if err := p.store.RecordEventResult(env.ID, status, string(res.Outcome.Skipped), errString(res.Error), files); err != nil {
		p.log.Warn("history update failed", "id", env.ID, "error", err)
	}
	return res
}

// Subscribe returns a channel for receiving results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	if p.stopped {
		close(ch)
		return ch, func() {}
	}
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func queuedRecord(env Envelope) storage.EventRecord {
	rec := storage.EventRecord{
		ID:         env.ID,
		Kind:       string(env.Type),
		Source:     env.Source,
		Status:     storage.StatusQueued,
		ReceivedAt: env.Received,
	}
	if env.Image != nil {
		rec.ImagePath, _ = env.Image.ImagePath()
		rec.ImageType = string(env.Image.ImageType)
		rec.Target = env.Image.Target.Name
	}
	return rec
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "event", res.Envelope.ID)
		}
	}
}
