// Package server exposes the alignment pipeline over HTTP: a JSON API for
// submitting and inspecting jobs, PNG previews of aligned output, and live
// result streams over SSE and WebSocket.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"image/png"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"astralign/internal/config"
	"astralign/internal/fits"
	"astralign/internal/geom"
	"astralign/internal/pipeline"
	"astralign/internal/storage"
	"astralign/internal/watch"
)

// Server wraps the HTTP API and the optional directory watcher.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	watcher  *watch.Watcher
	hub      *wsHub
	upgrader websocket.Upgrader
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server. When watchCfg enables watching, new catalogs
// under the watched directories are queued against the configured template.
func NewServer(
	addr string,
	store *storage.Store,
	pipe *pipeline.Pipeline,
	watchCfg config.Watch,
	log *slog.Logger,
) (*Server, error) {

	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		hub:      newWSHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		log: log,
	}

	if watchCfg.Enabled && len(watchCfg.Dirs) > 0 {
		if watchCfg.OutputDir != "" {
			if err := os.MkdirAll(watchCfg.OutputDir, 0o755); err != nil {
				log.Warn("failed to create watch output dir", "dir", watchCfg.OutputDir, "error", err)
			}
		}
		watcher, err := watch.New(watchCfg, store, pipe, log)
		if err != nil {
			log.Warn("failed to set up directory watcher", "error", err)
		} else {
			s.watcher = watcher
			log.Info("directory watcher initialized", "dirs", watchCfg.Dirs)
		}
	}

	return s, nil
}

// Start begins the server and monitoring services.
func (s *Server) Start(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Error("failed to start directory watcher", "error", err)
			return err
		}
	}

	go s.hub.run(ctx)
	go s.pumpResults(ctx)

	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")

		if s.watcher != nil {
			s.watcher.Stop()
		}

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/api/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/api/jobs/{id}/preview", s.handlePreview).Methods("GET")
	r.HandleFunc("/api/solutions/{id}", s.handleSolution).Methods("GET")
	r.HandleFunc("/api/align", s.handleAlign).Methods("POST")
	r.HandleFunc("/api/watch/events", s.handleWatchEvents).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// pumpResults forwards pipeline results to the WebSocket hub.
func (s *Server) pumpResults(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(newResultEvent(res))
			if err != nil {
				continue
			}
			select {
			case s.hub.broadcast <- payload:
			case <-s.hub.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// resultEvent is the wire form of a pipeline result on /stream and /ws.
type resultEvent struct {
	JobID  string         `json:"jobId"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func newResultEvent(res pipeline.Result) resultEvent {
	ev := resultEvent{
		JobID:  res.Job.ID,
		Type:   string(res.Job.Type),
		Status: "completed",
		Meta:   res.Meta,
	}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

type alignRequest struct {
	SourceImage     string         `json:"sourceImage"`
	SourceCatalog   string         `json:"sourceCatalog"`
	TemplateCatalog string         `json:"templateCatalog"`
	Output          string         `json:"output"`
	Options         map[string]any `json:"options"`
}

// solutionResponse augments the stored record with the row-major matrix
// and offset form expected by external resampling tools.
type solutionResponse struct {
	storage.SolutionRecord
	Matrix [4]float64 `json:"matrix"`
	Offset [2]float64 `json:"offset"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.JobByID(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleSolution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.SolutionByJob(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "no solution for job", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	tr := geom.SimilarityTransform{A: rec.A, B: rec.B, C: rec.C, D: rec.D}
	resp := solutionResponse{SolutionRecord: *rec}
	resp.Matrix, resp.Offset = tr.MatrixOffset()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handlePreview renders the aligned output of a completed job as a PNG.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.JobByID(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec.OutputPath == "" {
		http.Error(w, "job has no output image", http.StatusNotFound)
		return
	}
	img, err := fits.ReadFile(rec.OutputPath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, renderPreview(img, previewMaxDim)); err != nil {
		s.log.Warn("failed to encode preview", "job", id, "error", err)
	}
}

func (s *Server) handleAlign(w http.ResponseWriter, r *http.Request) {
	var req alignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SourceImage == "" || req.SourceCatalog == "" || req.TemplateCatalog == "" || req.Output == "" {
		http.Error(w, "sourceImage, sourceCatalog, templateCatalog and output are required", http.StatusBadRequest)
		return
	}

	options := make(map[string]any, len(req.Options)+3)
	for k, v := range req.Options {
		options[k] = v
	}
	options["sourceCatalog"] = req.SourceCatalog
	options["templateCatalog"] = req.TemplateCatalog
	options["source"] = "api"

	job := pipeline.Job{
		ID:        pipeline.NewID("align"),
		Type:      pipeline.JobAlign,
		InputPath: req.SourceImage,
		Output:    req.Output,
		Options:   options,
	}
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": job.ID})
}

func (s *Server) handleWatchEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.RecentWatchEvents(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newResultEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
