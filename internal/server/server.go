package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/copyleftdev/ballistic/internal/ballistics"
	"github.com/copyleftdev/ballistic/internal/config"
	"github.com/copyleftdev/ballistic/internal/errors"
	"github.com/copyleftdev/ballistic/internal/logging"
	"github.com/copyleftdev/ballistic/internal/metrics"
	"github.com/copyleftdev/ballistic/internal/observation"
	"github.com/copyleftdev/ballistic/internal/store"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

var (
	errJobNotFound   = errors.New("job not found").WithComponent(errors.ComponentServer)
	errJobTerminated = errors.New("job already finished").WithComponent(errors.ComponentServer)
)

// JobState tracks one submitted batch. Fields are guarded by Server.jobsMu.
type JobState struct {
	ID             string
	Status         string
	Configurations int
	Records        []ballistics.ResultRecord
	StartTime      time.Time
	EndTime        *time.Time
	LastUpdated    time.Time
	CancelFunc     context.CancelFunc
}

// Progress is the fraction of configurations with a record.
func (j *JobState) Progress() float64 {
	if j.Configurations == 0 {
		return 0
	}
	return float64(len(j.Records)) / float64(j.Configurations)
}

func (j *JobState) terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusCancelled
}

// SolveRequest is the body of POST /api/v1/solve and the params of v50.solve.
// Search holds partial overrides of the server's search parameters.
type SolveRequest struct {
	Configurations []config.ConfigurationSpec `json:"configurations"`
	Search         json.RawMessage            `json:"search,omitempty"`
	Parallelism    int                        `json:"parallelism,omitempty"`
}

// Option configures a Server.
type Option func(*Server)

// WithSource overrides the observation source built from the configuration.
func WithSource(source ballistics.ObservationSource) Option {
	return func(s *Server) { s.source = source }
}

// WithStore persists jobs and records.
func WithStore(st *store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithRecorder reports solver metrics.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// Server implements the HTTP and JSON-RPC API. Each submitted batch runs in
// its own goroutine; configurations within a batch follow the batch's
// parallelism setting.
type Server struct {
	cfg      *config.Config
	logger   Logger
	source   ballistics.ObservationSource
	store    *store.Store
	recorder metrics.Recorder

	jobs   map[string]*JobState
	jobsMu sync.RWMutex
	wg     sync.WaitGroup
}

// NewServer creates a server. Unless WithSource is given, the observation
// source is built from cfg.Observer and cfg.Synthetic.
func NewServer(cfg *config.Config, logger Logger, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		recorder: metrics.Noop{},
		jobs:     make(map[string]*JobState),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.source == nil {
		source, err := observation.New(cfg.Observer, cfg.Synthetic, cfg.WorkDir, logger.WithFields(nil))
		if err != nil {
			return nil, errors.Wrap(err, "create observation source").
				WithOperation("NewServer").WithComponent(errors.ComponentServer)
		}
		s.source = source
	}
	return s, nil
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/solve", s.handleSolve)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/solve/{id}", s.handleCancel)
		r.Get("/results", s.handleResults)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      interface{}       `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil)
		return
	}

	if request.JSONRPC != "2.0" {
		s.respondWithError(w, -32600, "Invalid Request", request.ID)
		return
	}
	if len(request.Params) == 0 {
		s.respondWithError(w, -32602, "Invalid params", request.ID)
		return
	}

	var (
		result interface{}
		err    error
	)
	switch request.Method {
	case "v50.solve":
		var req SolveRequest
		if err := json.Unmarshal(request.Params[0], &req); err != nil {
			s.respondWithError(w, -32602, "Invalid params", request.ID)
			return
		}
		result, err = s.startJob(req)
	case "v50.status", "v50.cancel":
		var p struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(request.Params[0], &p); err != nil || p.JobID == "" {
			s.respondWithError(w, -32602, "Invalid params", request.ID)
			return
		}
		if request.Method == "v50.status" {
			result, err = s.jobStatus(p.JobID)
		} else {
			err = s.cancelJob(p.JobID)
			result = map[string]string{"job_id": p.JobID, "status": StatusCancelled}
		}
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, -32000, err.Error(), request.ID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

// batchFor validates req against the server's defaults.
func (s *Server) batchFor(req SolveRequest) (*config.Batch, error) {
	b := config.NewBatch(s.cfg)
	b.Configurations = req.Configurations
	if len(req.Search) > 0 {
		if err := json.Unmarshal(req.Search, &b.Search); err != nil {
			return nil, errors.Wrap(err, "decode search overrides").
				WithOperation("Server.batchFor").WithComponent(errors.ComponentServer)
		}
	}
	if req.Parallelism > 0 {
		b.Parallelism = req.Parallelism
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// startJob validates req and launches the batch in the background.
func (s *Server) startJob(req SolveRequest) (map[string]interface{}, error) {
	b, err := s.batchFor(req)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	jobLogger := s.logger.WithFields(map[string]interface{}{"job_id": id})

	workDir := ""
	if s.cfg.WorkDir != "" {
		workDir = filepath.Join(s.cfg.WorkDir, "jobs", id)
	}
	solver, err := ballistics.NewSolver(b.Search, s.source,
		ballistics.WithLogger(jobLogger),
		ballistics.WithRecorder(s.recorder),
		ballistics.WithWorkDir(workDir),
		ballistics.WithParallelism(b.Parallelism),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	state := &JobState{
		ID:             id,
		Status:         StatusPending,
		Configurations: len(b.Configurations),
		StartTime:      now,
		LastUpdated:    now,
		CancelFunc:     cancel,
	}

	s.jobsMu.Lock()
	s.jobs[id] = state
	s.jobsMu.Unlock()

	s.wg.Add(1)
	go s.runJob(ctx, state, solver, b.Targets(), jobLogger)

	jobLogger.Info("job submitted", map[string]interface{}{
		"configurations": len(b.Configurations),
		"parallelism":    b.Parallelism,
	})
	return map[string]interface{}{
		"job_id": id,
		"status": StatusPending,
	}, nil
}

// runJob executes the batch and records its progress.
func (s *Server) runJob(ctx context.Context, state *JobState, solver *ballistics.Solver, targets []ballistics.TargetConfiguration, logger *logging.Logger) {
	defer s.wg.Done()
	defer state.CancelFunc()

	s.jobsMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
	}
	s.jobsMu.Unlock()
	s.saveJob(state, logger)

	batch := ballistics.NewBatch(solver, func(rec ballistics.ResultRecord) {
		if s.store != nil {
			if err := s.store.SaveRecord(context.Background(), state.ID, rec); err != nil {
				logger.WithError(err).Error("failed to persist record", map[string]interface{}{"config": rec.Index})
			}
		}
		s.jobsMu.Lock()
		state.Records = append(state.Records, rec)
		state.LastUpdated = time.Now()
		s.jobsMu.Unlock()
	})
	batch.Run(ctx, targets)

	s.jobsMu.Lock()
	if state.Status != StatusCancelled {
		state.Status = StatusCompleted
	}
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
	status := state.Status
	s.jobsMu.Unlock()

	s.saveJob(state, logger)
	logger.Info("job finished", map[string]interface{}{"status": status})
}

func (s *Server) saveJob(state *JobState, logger *logging.Logger) {
	if s.store == nil {
		return
	}
	s.jobsMu.RLock()
	job := store.Job{
		ID:             state.ID,
		Status:         state.Status,
		Configurations: state.Configurations,
		CreatedAt:      state.StartTime,
		FinishedAt:     state.EndTime,
	}
	s.jobsMu.RUnlock()

	if err := s.store.SaveJob(context.Background(), job); err != nil {
		logger.WithError(err).Error("failed to persist job")
	}
}

// jobStatus returns the current status and records of a job.
func (s *Server) jobStatus(id string) (map[string]interface{}, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	state, exists := s.jobs[id]
	if !exists {
		return nil, errJobNotFound
	}

	records := append([]ballistics.ResultRecord(nil), state.Records...)
	sort.Slice(records, func(i, j int) bool { return records[i].Index < records[j].Index })

	response := map[string]interface{}{
		"job_id":         state.ID,
		"status":         state.Status,
		"progress":       state.Progress(),
		"configurations": state.Configurations,
		"start_time":     state.StartTime.Format(time.RFC3339),
		"last_update":    state.LastUpdated.Format(time.RFC3339),
		"records":        records,
	}
	if state.EndTime != nil {
		response["end_time"] = state.EndTime.Format(time.RFC3339)
	}
	return response, nil
}

// cancelJob stops a job from starting further configurations. A
// configuration already being solved runs to completion.
func (s *Server) cancelJob(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	state, exists := s.jobs[id]
	if !exists {
		return errJobNotFound
	}
	if state.terminal() {
		return errJobTerminated
	}

	state.CancelFunc()
	state.Status = StatusCancelled
	state.LastUpdated = time.Now()

	s.logger.Info("job cancelled", map[string]interface{}{
		"job_id":    id,
		"completed": len(state.Records),
	})
	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]interface{}{"error": err.Error()})
}

// Close cancels every job. Configurations already running still complete;
// use Wait to block until they have.
func (s *Server) Close() error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	for _, job := range s.jobs {
		if job.CancelFunc != nil {
			job.CancelFunc()
		}
	}
	return nil
}

// Wait blocks until every job goroutine has returned or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleSolve handles POST /api/v1/solve
func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	var req SolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}

	result, err := s.startJob(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}

// handleStatus handles GET /api/v1/status/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.jobStatus(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleCancel handles DELETE /api/v1/solve/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.cancelJob(id)
	switch {
	case errors.Is(err, errJobNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, errJobTerminated):
		respondError(w, http.StatusConflict, err)
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
	default:
		respondJSON(w, http.StatusOK, map[string]string{
			"job_id": id,
			"status": "cancellation requested",
		})
	}
}

// handleResults handles GET /api/v1/results?job_id=&status=&limit=
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, fmt.Errorf("result store is not configured"))
		return
	}

	q := r.URL.Query()
	filter := store.Filter{
		JobID:  q.Get("job_id"),
		Status: q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		filter.Limit = limit
	}

	records, err := s.store.ListRecords(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list records", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []store.StoredRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"results": records,
	})
}
