package studio

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/deepatch/internal/app"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/approval"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/job"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/run"
	"github.com/YoshitsuguKoike/deepatch/internal/domain/model/task"
	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/persistence/file"
)

// Server is the HTTP control surface over one repository's runs and queue.
type Server struct {
	repoRoot  string
	pool      *Pool
	runs      *file.RunStore
	approvals *file.ApprovalStore
	flag      *file.StopFlag
	log       app.Logger
}

// NewServer wires the control surface. The pool must already have a worker
// started for repoRoot.
func NewServer(repoRoot string, pool *Pool) *Server {
	fs := afero.NewOsFs()
	return &Server{
		repoRoot:  repoRoot,
		pool:      pool,
		runs:      file.NewRunStore(fs),
		approvals: file.NewApprovalStore(fs),
		flag:      file.NewStopFlag(fs),
		log:       pool.Log,
	}
}

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Post("/runs/start", s.handleStartRun)
	r.Get("/runs/list", s.handleListRuns)
	r.Route("/runs/{runID}", func(r chi.Router) {
		r.Post("/stop", s.handleStopRun)
		r.Get("/status", s.handleRunStatus)
		r.Get("/events", s.handleRunEvents)
		r.Get("/events_db", s.handleRunEventsDB)
		r.Get("/approvals", s.handlePendingApprovals)
		r.Get("/audit", s.handleAudit)
		r.Post("/approvals/{approvalID}", s.handleDecide)
	})
	r.Post("/jobs/enqueue", s.handleEnqueue)
	r.Get("/jobs/list", s.handleListJobs)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing left to do
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type startRunRequest struct {
	Stage    string   `json:"stage"`
	RelPaths []string `json:"rel_paths"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stage := task.Stage(req.Stage)
	if !task.ValidStage(stage) {
		writeError(w, http.StatusBadRequest, "unknown stage "+req.Stage)
		return
	}
	if len(req.RelPaths) == 0 {
		writeError(w, http.StatusBadRequest, "rel_paths is required")
		return
	}

	runID := run.NewID()
	paths, err := app.EnsureRunPaths(s.repoRoot, runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st := &run.State{
		RunID:     runID,
		RepoRoot:  s.repoRoot,
		Stage:     stage,
		Status:    run.StatusStarting,
		StartedAt: run.NowISO(),
		UpdatedAt: run.NowISO(),
	}
	if err := s.runs.Save(paths.RunStatePath(), st); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.pool.Spawn == nil {
		writeError(w, http.StatusServiceUnavailable, "server cannot spawn runs")
		return
	}
	pseudo := &job.Job{RepoRoot: s.repoRoot, Stage: stage, RelPaths: req.RelPaths}
	pid, err := s.pool.Spawn.Spawn(pseudo, runID)
	if err != nil {
		st.Error = err.Error()
		st.Transition(run.StatusFailed)
		_ = s.runs.Save(paths.RunStatePath(), st)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st.PID = pid
	if err := s.runs.Save(paths.RunStatePath(), st); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run_id": runID, "pid": pid})
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	paths, err := app.EnsureRunPaths(s.repoRoot, runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st, err := s.runs.Load(paths.RunStatePath())
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err := s.flag.Raise(paths.StopFlagPath(), "stop requested via studio"); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Best effort nudge; the flag alone is sufficient
	if st.PID > 0 && s.pool.Alive(st.PID) {
		_ = syscall.Kill(st.PID, syscall.SIGTERM)
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "stopping": "true"})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	paths, err := app.EnsureRunPaths(s.repoRoot, runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := s.runs.MarkFailedIfPIDGone(paths.RunStatePath()); err != nil {
		s.log.Warn("finalize check for %s: %v", runID, err)
	}
	st, err := s.runs.Load(paths.RunStatePath())
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	tasks := file.NewTaskStore(afero.NewOsFs())
	states, err := tasks.List(paths.TasksDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run": st, "tasks": states})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(app.RunsDir(s.repoRoot))
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"runs": []*run.State{}})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var states []*run.State
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		paths, err := app.EnsureRunPaths(s.repoRoot, e.Name())
		if err != nil {
			continue
		}
		st, err := s.runs.Load(paths.RunStatePath())
		if err != nil {
			continue
		}
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].StartedAt > states[j].StartedAt })
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": states})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	paths, err := app.EnsureRunPaths(s.repoRoot, runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var cursor *int
	if c := r.URL.Query().Get("cursor"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = &n
	}
	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	events, start, next := app.TailEvents(paths.EventsPath(), cursor, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events, "start": start, "next_cursor": next,
	})
}

func (s *Server) handleRunEventsDB(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	h, ok := s.pool.Handles(s.repoRoot)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no worker for this repository")
		return
	}
	if err := IngestRun(r.Context(), h, s.repoRoot, runID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	from := 0
	if f := r.URL.Query().Get("from"); f != "" {
		if n, err := strconv.Atoi(f); err == nil && n >= 0 {
			from = n
		}
	}
	events, err := h.Events.List(r.Context(), runID, from, 500)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	paths, err := app.EnsureRunPaths(s.repoRoot, runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pending, err := s.approvals.Pending(paths.ApprovalsDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": pending})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	h, ok := s.pool.Handles(s.repoRoot)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no worker for this repository")
		return
	}
	if err := IngestRun(r.Context(), h, s.repoRoot, runID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	audit, err := h.Approvals.ListByRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"audit": audit})
}

type decideRequest struct {
	Approve   bool   `json:"approve"`
	Reason    string `json:"reason"`
	DecidedBy string `json:"decided_by"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	approvalID := chi.URLParam(r, "approvalID")

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	paths, err := app.EnsureRunPaths(s.repoRoot, runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := s.approvals.LoadRequest(paths.ApprovalsDir, approvalID); err != nil {
		writeError(w, http.StatusNotFound, "approval not found")
		return
	}
	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = "studio"
	}
	dec := approval.Decision{
		Approved:  req.Approve,
		Reason:    req.Reason,
		DecidedAt: run.NowISO(),
		DecidedBy: decidedBy,
	}
	final, err := s.approvals.SaveDecision(paths.ApprovalsDir, approvalID, dec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h, ok := s.pool.Handles(s.repoRoot); ok {
		if err := h.Approvals.UpsertDecision(r.Context(), runID, approvalID, final); err != nil {
			s.log.Warn("mirror decision %s: %v", approvalID, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approval_id": approvalID, "decision": final})
}

type enqueueRequest struct {
	Stage    string   `json:"stage"`
	RelPaths []string `json:"rel_paths"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stage := task.Stage(req.Stage)
	if !task.ValidStage(stage) {
		writeError(w, http.StatusBadRequest, "unknown stage "+req.Stage)
		return
	}
	h, ok := s.pool.Handles(s.repoRoot)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no worker for this repository")
		return
	}
	j := &job.Job{
		RepoRoot:  s.repoRoot,
		Stage:     stage,
		RelPaths:  req.RelPaths,
		CreatedAt: run.NowISO(),
		Status:    job.StatusQueued,
	}
	id, err := h.Jobs.Enqueue(r.Context(), j)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	h, ok := s.pool.Handles(s.repoRoot)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no worker for this repository")
		return
	}
	jobs, err := h.Jobs.List(r.Context(), s.repoRoot, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}
