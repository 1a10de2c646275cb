// Package watch monitors directories for new detection catalogs and queues
// an alignment job against the configured template for each catalog that
// has a sibling FITS image.
package watch

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"astralign/internal/config"
	"astralign/internal/fsutil"
	"astralign/internal/pipeline"
	"astralign/internal/storage"
)

// Event represents a filesystem change under a watched directory.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

type jobQueue interface {
	Submit(job pipeline.Job) error
}

// Watcher monitors the configured directories.
type Watcher struct {
	watcher *fsnotify.Watcher
	cfg     config.Watch
	store   *storage.Store
	queue   jobQueue
	log     *slog.Logger
	settle  time.Duration
	seen    map[string]bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a watcher over cfg.Dirs that submits jobs to queue.
func New(cfg config.Watch, store *storage.Store, queue jobQueue, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: fw,
		cfg:     cfg,
		store:   store,
		queue:   queue,
		log:     log,
		settle:  500 * time.Millisecond,
		seen:    make(map[string]bool),
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories.
func (w *Watcher) Start() error {
	for _, dir := range w.cfg.Dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}

	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops the watcher and waits for pending submissions.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				operation = "deleted"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "renamed"
			default:
				continue
			}

			if !fsutil.IsCatalogFile(event.Name) && !fsutil.IsFITSFile(event.Name) {
				continue
			}

			var size int64
			if operation != "deleted" {
				if info, err := os.Stat(event.Name); err == nil {
					size = info.Size()
				}
			}

			w.recordEvent(Event{
				Path:      event.Name,
				Operation: operation,
				Time:      time.Now(),
				Size:      size,
			})

			if fsutil.IsCatalogFile(event.Name) && (operation == "created" || operation == "modified") {
				w.considerCatalog(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) recordEvent(ev Event) {
	if w.store == nil {
		return
	}
	data, _ := json.Marshal(ev)
	_ = w.store.RecordWatchEvent(storage.WatchEvent{
		FilePath:  ev.Path,
		EventType: ev.Operation,
		EventTime: ev.Time,
		FileSize:  ev.Size,
		EventData: string(data),
	})
}

// considerCatalog schedules one alignment per catalog path, delayed so the
// writer can finish before the job reads the file.
func (w *Watcher) considerCatalog(path string) {
	if w.cfg.TemplateCatalog == "" || w.seen[path] {
		return
	}
	w.seen[path] = true

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		select {
		case <-time.After(w.settle):
			w.queueAlign(path)
		case <-w.done:
		}
	}()
}

func (w *Watcher) queueAlign(path string) {
	img := fsutil.SiblingImage(path)
	if img == "" {
		w.log.Debug("catalog has no sibling image, skipping", "catalog", path)
		return
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	outDir := w.cfg.OutputDir
	if outDir == "" {
		outDir = filepath.Dir(path)
	}

	job := pipeline.Job{
		ID:        pipeline.NewID("watch"),
		Type:      pipeline.JobAlign,
		InputPath: img,
		Output:    filepath.Join(outDir, stem+"_aligned.fits"),
		Options: map[string]any{
			"sourceCatalog":   path,
			"templateCatalog": w.cfg.TemplateCatalog,
			"source":          "watch",
		},
	}
	if err := w.queue.Submit(job); err != nil {
		w.log.Warn("failed to queue alignment", "catalog", path, "error", err)
		return
	}
	w.log.Info("queued alignment for new catalog", "catalog", path, "image", img, "job", job.ID)
}
