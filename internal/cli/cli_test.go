package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sessionmeta/internal/config"
	"sessionmeta/internal/event"
	"sessionmeta/internal/pipeline"
	"sessionmeta/internal/record"
	"sessionmeta/internal/session"
	"sessionmeta/internal/storage"
	"sessionmeta/internal/writer"
)

type fakePipeline struct {
	mu     sync.Mutex
	envs   []pipeline.Envelope
	subs   []chan pipeline.Result
	result func(env pipeline.Envelope) pipeline.Result
	err    error
}

func (f *fakePipeline) Submit(env pipeline.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.envs = append(f.envs, env)
	res := pipeline.Result{Envelope: env}
	if f.result != nil {
		res = f.result(env)
	}
	for _, ch := range f.subs {
		ch <- res
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan pipeline.Result, 8)
	f.subs = append(f.subs, ch)
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, c := range f.subs {
			if c == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
	}
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *bytes.Buffer) {
	t.Helper()
	fp := &fakePipeline{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := NewRoot(fp, config.Default(), logger, nil)
	out := &bytes.Buffer{}
	root.out = out
	return root, fp, out
}

func execute(t *testing.T, root *Root, args ...string) error {
	t.Helper()
	cmd := newRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func writeEventFile(t *testing.T, dir, name string, msg event.Message) string {
	t.Helper()
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func lightFrame(n int) event.Message {
	return event.Message{
		Type: event.TypeImageSaved,
		Image: &event.ImageSaved{
			ImageType:      event.TypeLight,
			ExposureNumber: n,
			ExposureStart:  time.Date(2021, 6, 1, 22, 15, 0, 0, time.UTC),
			Duration:       300,
			PathToImage:    "/data/NGC7000/frame.fits",
			Target:         event.Target{Name: "NGC 7000"},
			Filter:         "Ha",
		},
	}
}

func TestWriteProcessesFilesInOrder(t *testing.T) {
	root, fp, out := newTestRoot(t)
	fp.result = func(env pipeline.Envelope) pipeline.Result {
		return pipeline.Result{
			Envelope: env,
			Outcome: session.Outcome{
				OutputDir: "/data/NGC7000",
				Written: []session.WrittenFile{
					{Kind: record.KindImage, Format: writer.FormatCSV, Path: "/data/NGC7000/ImageMetaData.csv"},
				},
			},
		}
	}
	dir := t.TempDir()
	first := writeEventFile(t, dir, "001.json", lightFrame(1))
	second := writeEventFile(t, dir, "002.json", lightFrame(2))

	if err := execute(t, root, "write", first, second); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if len(fp.envs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(fp.envs))
	}
	if fp.envs[0].Image.ExposureNumber != 1 || fp.envs[1].Image.ExposureNumber != 2 {
		t.Fatalf("events out of order")
	}
	for _, env := range fp.envs {
		if env.Source != SourceCLI {
			t.Fatalf("expected source %q, got %q", SourceCLI, env.Source)
		}
	}
	if got := strings.Count(out.String(), "-> /data/NGC7000/ImageMetaData.csv"); got != 2 {
		t.Fatalf("expected 2 written lines, got %d:\n%s", got, out.String())
	}
}

func TestWriteContinuesPastBadFile(t *testing.T) {
	root, fp, out := newTestRoot(t)
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	good := writeEventFile(t, dir, "good.json", lightFrame(3))

	err := execute(t, root, "write", bad, good)
	if err == nil || !strings.Contains(err.Error(), "bad.json") {
		t.Fatalf("expected error naming bad.json, got %v", err)
	}
	if len(fp.envs) != 1 {
		t.Fatalf("expected good file to be processed, got %d events", len(fp.envs))
	}
	if !strings.Contains(out.String(), "nothing new to write") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestWriteReportsSkipAndFailure(t *testing.T) {
	root, fp, out := newTestRoot(t)
	fp.result = func(env pipeline.Envelope) pipeline.Result {
		if env.Image.ExposureNumber == 1 {
			return pipeline.Result{Envelope: env, Outcome: session.Outcome{Skipped: session.SkipNotLight}}
		}
		return pipeline.Result{Envelope: env, Error: os.ErrPermission}
	}
	dir := t.TempDir()
	skipped := writeEventFile(t, dir, "a.json", lightFrame(1))
	failed := writeEventFile(t, dir, "b.json", lightFrame(2))

	err := execute(t, root, "write", skipped, failed)
	if err == nil || !strings.Contains(err.Error(), "b.json") {
		t.Fatalf("expected failure for b.json, got %v", err)
	}
	if !strings.Contains(out.String(), "skipped (not a light frame)") {
		t.Fatalf("missing skip line:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "b.json: failed") {
		t.Fatalf("missing failure line:\n%s", out.String())
	}
}

func TestWriteQueueFull(t *testing.T) {
	root, fp, _ := newTestRoot(t)
	fp.err = pipeline.ErrQueueFull
	path := writeEventFile(t, t.TempDir(), "a.json", lightFrame(1))

	if err := execute(t, root, "write", path); err == nil {
		t.Fatalf("expected queue full error")
	}
}

func TestWriteRequiresArgs(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if err := execute(t, root, "write"); err == nil {
		t.Fatalf("expected error without event files")
	}
}

func TestSubstituteFromFlags(t *testing.T) {
	root, _, out := newTestRoot(t)
	err := execute(t, root, "substitute", "$$TARGETNAME$$_$$FILTER$$_$$DATE$$",
		"--target", "M 42", "--filter", "Ha", "--time", "2021-06-01T22:15:00Z")
	if err != nil {
		t.Fatalf("substitute failed: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "M_42_Ha_2021-06-01" {
		t.Fatalf("unexpected name %q", got)
	}
}

func TestSubstituteFromEvent(t *testing.T) {
	root, _, out := newTestRoot(t)
	path := writeEventFile(t, t.TempDir(), "a.json", lightFrame(1))
	if err := execute(t, root, "substitute", "$$TARGETNAME$$-$$DATETIME$$", "--event", path); err != nil {
		t.Fatalf("substitute failed: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "NGC_7000-2021-06-01_22-15-00" {
		t.Fatalf("unexpected name %q", got)
	}
}

func TestSubstituteBadTime(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if err := execute(t, root, "substitute", "$$DATE$$", "--time", "yesterday"); err == nil {
		t.Fatalf("expected error for unparsable time")
	}
}

func TestTokensListsAll(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := execute(t, root, "tokens"); err != nil {
		t.Fatalf("tokens failed: %v", err)
	}
	for _, tok := range []string{"$$DATE$$", "$$DATETIME$$", "$$DATEMINUS12$$", "$$TARGETNAME$$", "$$FILTER$$"} {
		if !strings.Contains(out.String(), tok) {
			t.Fatalf("missing %s in:\n%s", tok, out.String())
		}
	}
}

func TestHistoryJSON(t *testing.T) {
	root, _, out := newTestRoot(t)
	store, err := storage.New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	root.store = store

	if err := store.RecordEventQueued(storage.EventRecord{ID: "evt-1", Kind: "image-saved", Target: "M 42"}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordEventResult("evt-1", storage.StatusSkipped, "snapshot", "", nil); err != nil {
		t.Fatal(err)
	}

	if err := execute(t, root, "history", "--json", "--limit", "5"); err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var recs []storage.EventRecord
	if err := json.Unmarshal(out.Bytes(), &recs); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if len(recs) != 1 || recs[0].Status != storage.StatusSkipped || recs[0].SkipReason != "snapshot" {
		t.Fatalf("unexpected history: %+v", recs)
	}

	out.Reset()
	if err := execute(t, root, "history"); err != nil {
		t.Fatalf("history table failed: %v", err)
	}
	if !strings.Contains(out.String(), "M 42") {
		t.Fatalf("table missing target:\n%s", out.String())
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if err := execute(t, root, "history"); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestServePassesFlags(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var got serveOptions
	root.serveFn = func(ctx context.Context, opts serveOptions) error {
		got = opts
		return nil
	}

	if err := execute(t, root, "serve", "--addr", ":9000", "--grpc-addr", "", "--spool", "/data/spool"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	want := serveOptions{Addr: ":9000", GRPCAddr: "", SpoolDir: "/data/spool"}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestServeDefaultsFromConfig(t *testing.T) {
	root, _, _ := newTestRoot(t)
	root.cfg.Server.Addr = "127.0.0.1:7000"
	root.cfg.Paths.SpoolDir = "/spool"
	var got serveOptions
	root.serveFn = func(ctx context.Context, opts serveOptions) error {
		got = opts
		return nil
	}

	if err := execute(t, root, "serve"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if got.Addr != "127.0.0.1:7000" || got.SpoolDir != "/spool" || got.GRPCAddr != root.cfg.Server.GRPCAddr {
		t.Fatalf("unexpected options %+v", got)
	}
}

func TestServeRequiresRealPipeline(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if err := root.serve(context.Background(), serveOptions{Addr: ":0"}); err == nil {
		t.Fatalf("expected error for fake pipeline")
	}
}

func TestWatchRequiresDirectory(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if err := execute(t, root, "watch"); err == nil {
		t.Fatalf("expected error without spool dir")
	}
}

func TestWatchStopsOnCancel(t *testing.T) {
	root, _, _ := newTestRoot(t)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := newRootCmd(root)
	cmd.SetArgs([]string{"watch", dir})
	cmd.SetErr(io.Discard)

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("watch did not stop")
	}
}

func TestConfigCommands(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := execute(t, root, "config", "validate"); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out.String(), "Configuration is valid") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	out.Reset()
	if err := execute(t, root, "config", "show"); err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if !strings.Contains(out.String(), `"queue_size"`) {
		t.Fatalf("show missing config:\n%s", out.String())
	}

	root.cfg.Processing.QueueSize = 0
	if err := execute(t, root, "config", "validate"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestSetOverridesSettings(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if err := execute(t, root, "--set", "JSONEnabled=true", "--set", "CSVEnabled=false", "tokens"); err != nil {
		t.Fatalf("tokens failed: %v", err)
	}
	if !root.cfg.Settings.JSONEnabled || root.cfg.Settings.CSVEnabled {
		t.Fatalf("overrides not applied: %+v", root.cfg.Settings)
	}

	if err := execute(t, root, "--set", "WeatherEnabled=maybe", "tokens"); err == nil {
		t.Fatalf("expected error for bad boolean")
	}
	if err := execute(t, root, "--set", "JsonEnabled=true", "tokens"); err == nil {
		t.Fatalf("expected error for misspelled key")
	}
}

func TestVersion(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := execute(t, root, "version"); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), "sessionmeta v"+Version) {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}
