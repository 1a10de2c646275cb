package watch

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"astralign/internal/config"
	"astralign/internal/pipeline"
	"astralign/internal/storage"
)

func TestWatcherQueuesAlignmentForNewCatalog(t *testing.T) {
	watchDir := t.TempDir()
	workDir := t.TempDir()

	st, err := storage.New(filepath.Join(workDir, "astralign.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	queue := &stubQueue{}
	cfg := config.Watch{
		Enabled:         true,
		Dirs:            []string{watchDir},
		TemplateCatalog: filepath.Join(workDir, "template.cat"),
		OutputDir:       filepath.Join(workDir, "out"),
	}

	w, err := New(cfg, st, queue, discardLogger())
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	w.settle = 10 * time.Millisecond

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Stop()

	imgPath := filepath.Join(watchDir, "frame1.fits")
	if err := os.WriteFile(imgPath, []byte("image"), 0o644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}
	catPath := filepath.Join(watchDir, "frame1.cat")
	if err := os.WriteFile(catPath, []byte("10.0 10.0 100.0 3.0 0\n"), 0o644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return len(queue.snapshot()) == 1 })

	job := queue.snapshot()[0]
	if job.Type != pipeline.JobAlign {
		t.Errorf("expected align job, got %q", job.Type)
	}
	if !strings.HasPrefix(job.ID, "watch-") {
		t.Errorf("expected watch job ID, got %q", job.ID)
	}
	if job.InputPath != imgPath {
		t.Errorf("expected input %q, got %q", imgPath, job.InputPath)
	}
	wantOut := filepath.Join(cfg.OutputDir, "frame1_aligned.fits")
	if job.Output != wantOut {
		t.Errorf("expected output %q, got %q", wantOut, job.Output)
	}
	if got := job.Options["sourceCatalog"]; got != catPath {
		t.Errorf("expected sourceCatalog %q, got %v", catPath, got)
	}
	if got := job.Options["templateCatalog"]; got != cfg.TemplateCatalog {
		t.Errorf("expected templateCatalog %q, got %v", cfg.TemplateCatalog, got)
	}
	if got := job.Options["source"]; got != "watch" {
		t.Errorf("expected source watch, got %v", got)
	}

	// Rewriting the catalog must not queue a second job for the same path.
	if err := os.WriteFile(catPath, []byte("10.0 10.0 100.0 3.0 0\n20.0 20.0 90.0 3.0 0\n"), 0o644); err != nil {
		t.Fatalf("failed to rewrite catalog: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := len(queue.snapshot()); got != 1 {
		t.Errorf("expected 1 job after rewrite, got %d", got)
	}

	events, err := st.RecentWatchEvents(20)
	if err != nil {
		t.Fatalf("failed to read watch events: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("expected at least 2 recorded events, got %d", len(events))
	}
	found := false
	for _, ev := range events {
		if ev.FilePath == catPath && ev.EventType == "created" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a created event for %q, got %+v", catPath, events)
	}
}

func TestWatcherSkipsCatalogWithoutImage(t *testing.T) {
	watchDir := t.TempDir()

	queue := &stubQueue{}
	cfg := config.Watch{
		Enabled:         true,
		Dirs:            []string{watchDir},
		TemplateCatalog: filepath.Join(watchDir, "template.cat"),
	}

	w, err := New(cfg, nil, queue, discardLogger())
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	w.settle = 10 * time.Millisecond

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(watchDir, "lone.cat"), []byte("10.0 10.0 100.0 3.0 0\n"), 0o644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}

	time.Sleep(250 * time.Millisecond)
	if got := len(queue.snapshot()); got != 0 {
		t.Errorf("expected no jobs for a catalog without an image, got %d", got)
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	watchDir := t.TempDir()
	workDir := t.TempDir()

	st, err := storage.New(filepath.Join(workDir, "astralign.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	queue := &stubQueue{}
	cfg := config.Watch{
		Enabled:         true,
		Dirs:            []string{watchDir},
		TemplateCatalog: filepath.Join(workDir, "template.cat"),
	}

	w, err := New(cfg, st, queue, discardLogger())
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	w.settle = 10 * time.Millisecond

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(watchDir, "README.md"), []byte("notes"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	time.Sleep(250 * time.Millisecond)
	if got := len(queue.snapshot()); got != 0 {
		t.Errorf("expected no jobs for unrelated files, got %d", got)
	}
	events, err := st.RecentWatchEvents(20)
	if err != nil {
		t.Fatalf("failed to read watch events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no recorded events for unrelated files, got %+v", events)
	}
}

func TestWatcherStartFailsOnMissingDir(t *testing.T) {
	queue := &stubQueue{}
	cfg := config.Watch{
		Dirs: []string{filepath.Join(t.TempDir(), "missing")},
	}

	w, err := New(cfg, nil, queue, discardLogger())
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := w.Start(); err == nil {
		t.Fatal("expected an error for a missing watch directory")
	}
	w.Stop()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Stubs

type stubQueue struct {
	mu   sync.Mutex
	jobs []pipeline.Job
}

func (q *stubQueue) Submit(job pipeline.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *stubQueue) snapshot() []pipeline.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]pipeline.Job(nil), q.jobs...)
}
