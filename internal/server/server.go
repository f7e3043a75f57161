package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"sessionmeta/internal/event"
	"sessionmeta/internal/metrics"
	"sessionmeta/internal/naming"
	"sessionmeta/internal/pipeline"
	"sessionmeta/internal/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SourceHTTP tags envelopes received over HTTP.
const SourceHTTP = "http"

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Pipeline is the part of *pipeline.Pipeline the server needs.
type Pipeline interface {
	Submit(env pipeline.Envelope) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes event ingest, history and live feeds over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline Pipeline
	hub      *Hub
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server listening on addr. store may be nil, in which
// case the history endpoints report 503.
func NewServer(addr string, store *storage.Store, pipe Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		hub:      NewHub(log),
		log:      log,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.feedHub(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.ServeWS).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/events", s.handleSubmitEnvelope).Methods("POST")
	api.HandleFunc("/events/image-saved", s.handleSubmitImage).Methods("POST")
	api.HandleFunc("/events/autofocus", s.handleSubmitAutoFocus).Methods("POST")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/events/{id}/files", s.handleEventFiles).Methods("GET")
	api.HandleFunc("/tokens", s.handleTokens).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleSubmitEnvelope(w http.ResponseWriter, r *http.Request) {
	msg, err := event.DecodeMessage(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	s.submit(w, msg, err)
}

func (s *Server) handleSubmitImage(w http.ResponseWriter, r *http.Request) {
	img, err := event.DecodeImageSaved(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	s.submit(w, event.Message{Type: event.TypeImageSaved, Image: img}, err)
}

func (s *Server) handleSubmitAutoFocus(w http.ResponseWriter, r *http.Request) {
	af, err := event.DecodeAutoFocus(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	s.submit(w, event.Message{Type: event.TypeAutoFocusCompleted, AutoFocus: af}, err)
}

type submitResponse struct {
	ID     string     `json:"id"`
	Type   event.Type `json:"type"`
	Status string     `json:"status"`
}

func (s *Server) submit(w http.ResponseWriter, msg event.Message, decodeErr error) {
	if decodeErr != nil {
		metrics.ObserveIngest(SourceHTTP, metrics.IngestInvalid)
		writeError(w, http.StatusBadRequest, decodeErr)
		return
	}

	env := pipeline.NewEnvelope(msg, SourceHTTP)
	if err := s.pipeline.Submit(env); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) || errors.Is(err, pipeline.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{ID: env.ID, Type: env.Type, Status: storage.StatusQueued})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("history store disabled"))
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recs, err := s.store.RecentEvents(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.EventRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleEventFiles(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("history store disabled"))
		return
	}
	files, err := s.store.EventFiles(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if files == nil {
		files = []storage.FileRecord{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, naming.Tokens())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	metrics.AddSubscribers(1)
	defer metrics.AddSubscribers(-1)

	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res.Summary())
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// feedHub forwards pipeline results to websocket clients.
func (s *Server) feedHub(ctx context.Context) {
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
			payload, err := json.Marshal(res.Summary())
			if err != nil {
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
