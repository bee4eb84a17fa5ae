package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relayq/internal/broker"
	"relayq/internal/dispatch"
	"relayq/internal/domain"
	"relayq/internal/routing"
	"relayq/internal/scheduler"
)

const (
	defaultDeadline = 30 * time.Second
	maxDeadline     = 5 * time.Minute
)

// Server is the coordinator's HTTP surface. Callers never see broker
// internals; they submit typed parameters and get result envelopes back.
type Server struct {
	dispatcher *dispatch.Dispatcher
	broker     broker.Broker
	table      *routing.Table
	scheduler  *scheduler.Service
}

// NewServer wires the coordinator routes. scheduler may be nil when no
// schedules are configured.
func NewServer(d *dispatch.Dispatcher, b broker.Broker, table *routing.Table, sched *scheduler.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{dispatcher: d, broker: b, table: table, scheduler: sched}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/api/tasks", s.submitTask)
	r.Post("/api/tasks/async", s.submitAsync)
	r.Get("/api/tasks/{id}/result", s.getResult)
	r.Get("/api/tasks/{id}/status", s.getStatus)
	r.Get("/api/types", s.listTypes)
	r.Get("/api/queues", s.listQueues)
	r.Get("/api/workers", s.listWorkers)
	r.Get("/api/schedules", s.listSchedules)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type submitReq struct {
	Type          string         `json:"type"`
	Parameters    map[string]any `json:"parameters"`
	CallerContext string         `json:"caller_context"`
	DeadlineMS    int64          `json:"deadline_ms"`
}

type submitAsyncResp struct {
	ID string `json:"id"`
}

type errResp struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "type is required"})
		return
	}
	deadline := defaultDeadline
	if req.DeadlineMS > 0 {
		deadline = time.Duration(req.DeadlineMS) * time.Millisecond
	}
	if deadline > maxDeadline {
		deadline = maxDeadline
	}

	res, err := s.dispatcher.SubmitAndWait(r.Context(), req.Type, req.Parameters, req.CallerContext, deadline)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	// Worker-reported failures come back with 200 and the structured error
	// inside; only dispatch-level problems map to HTTP errors.
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) submitAsync(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, errResp{Error: "type is required"})
		return
	}
	id, err := s.dispatcher.Submit(r.Context(), req.Type, req.Parameters, req.CallerContext)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitAsyncResp{ID: id})
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.dispatcher.Result(r.Context(), id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	if res == nil {
		writeJSON(w, http.StatusNotFound, errResp{Error: "no result for task " + id})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.dispatcher.Status(r.Context(), id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	if st == "" {
		writeJSON(w, http.StatusNotFound, errResp{Error: "no status for task " + id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(st)})
}

func (s *Server) listTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": s.table.Types()})
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	queues := make(map[string]int64)
	for _, ch := range s.table.Channels() {
		n, err := s.broker.QueueLen(r.Context(), ch)
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		queues[ch] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": queues})
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.broker.LiveWorkers(r.Context())
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	if workers == nil {
		workers = []broker.WorkerInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	entries := []scheduler.Entry{}
	if s.scheduler != nil {
		entries = s.scheduler.Entries()
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": entries})
}

// writeDispatchError maps dispatch-layer failures onto HTTP statuses:
// unknown type is the caller's mistake, a timeout means unknown outcome,
// broker unavailability is a "try again later".
func writeDispatchError(w http.ResponseWriter, err error) {
	var te *domain.TaskError
	if errors.As(err, &te) {
		body := errResp{Error: te.Message, Kind: string(te.Kind), TaskID: te.TaskID}
		switch te.Kind {
		case domain.KindUnknownTaskType:
			writeJSON(w, http.StatusBadRequest, body)
		case domain.KindTimeout:
			writeJSON(w, http.StatusGatewayTimeout, body)
		default:
			writeJSON(w, http.StatusInternalServerError, body)
		}
		return
	}
	if routing.IsUnknownType(err) {
		writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error(), Kind: string(domain.KindUnknownTaskType)})
		return
	}
	if errors.Is(err, broker.ErrUnavailable) {
		writeJSON(w, http.StatusServiceUnavailable, errResp{Error: err.Error(), Kind: string(domain.KindBrokerUnavailable)})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
