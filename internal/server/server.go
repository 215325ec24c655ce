package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"tetra3d/internal/metrics"
	"tetra3d/internal/pipeline"
	"tetra3d/internal/solver"
	"tetra3d/internal/storage"
)

const defaultCallLimit = 50

// Busy reports whether a solve is running.
type Busy interface {
	Busy() bool
}

// Server is the operations HTTP endpoint: health, the call journal, live
// call events and Prometheus metrics.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	busy     Busy
	log      *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// CallEvent is what /stream and /ws publish for every finished call.
type CallEvent struct {
	ID            string    `json:"id"`
	Method        string    `json:"method"`
	Outcome       string    `json:"outcome"`
	Status        string    `json:"status,omitempty"`
	DurationMS    float64   `json:"durationMs"`
	FailureReason string    `json:"failureReason,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	Received      time.Time `json:"received"`
}

// NewServer creates the ops server. store may be nil when journaling is
// disabled.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, busy Busy, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		busy:     busy,
		log:      log,
		upgrader: websocket.Upgrader{
			// Local operators only; the dashboard may be served from anywhere.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down ops server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Ops server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/calls", s.handleCalls).Methods("GET")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "call journal disabled", http.StatusServiceUnavailable)
		return
	}
	limit := defaultCallLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentCalls(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

type statsResponse struct {
	Solving bool                    `json:"solving"`
	Calls   []storage.StatusSummary `json:"calls"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Calls: []storage.StatusSummary{}}
	if s.busy != nil {
		resp.Solving = s.busy.Busy()
	}
	if s.store != nil {
		sums, err := s.store.Summary()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if sums != nil {
			resp.Calls = sums
		}
	}
	writeJSON(w, resp)
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
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(NewCallEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(NewCallEvent(res)); err != nil {
				return
			}
		}
	}
}

// NewCallEvent summarizes a pipeline result.
func NewCallEvent(res pipeline.Result) CallEvent {
	ev := CallEvent{
		ID:         res.Job.ID,
		Method:     string(res.Job.Type),
		Outcome:    res.Outcome(),
		DurationMS: float64(res.Duration) / float64(time.Millisecond),
		Received:   res.Job.Received,
	}
	if res.Solve != nil {
		if st, ok := res.Solve.Status.Get(); ok {
			ev.Status = st.String()
		}
		ev.FailureReason = res.Solve.FailureReason.OrElse("")
		ev.Summary = solver.Describe(res.Solve)
	}
	if res.Error != nil {
		ev.FailureReason = res.Error.Error()
	}
	return ev
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
