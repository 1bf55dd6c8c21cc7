// ABOUTME: HTTP facade exposing dispatch, job, task, and agent endpoints.
// ABOUTME: Thin JSON handlers over the orchestration core; no logic lives here.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/asedra/dexagents/internal/agent"
	"github.com/asedra/dexagents/internal/auth"
	"github.com/asedra/dexagents/internal/jobs"
	"github.com/asedra/dexagents/internal/protocol"
	"github.com/asedra/dexagents/internal/schedule"
	"github.com/asedra/dexagents/internal/store"
)

// DispatchRequest is the JSON request body for POST /api/commands.
type DispatchRequest struct {
	AgentID   string            `json:"agent_id"`
	Command   string            `json:"command"`
	Args      map[string]string `json:"args,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
}

// DispatchResponse is the JSON response for a resolved dispatch.
type DispatchResponse struct {
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// CreateJobRequest is the JSON request body for POST /api/jobs.
type CreateJobRequest struct {
	AgentID    string `json:"agent_id"`
	PackageRef string `json:"package_ref"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// JobResponse is the JSON shape of an installation job.
type JobResponse struct {
	ID                string `json:"id"`
	AgentID           string `json:"agent_id"`
	PackageRef        string `json:"package_ref"`
	Status            string `json:"status"`
	Progress          int    `json:"progress"`
	CurrentStep       string `json:"current_step"`
	RetryCount        int    `json:"retry_count"`
	MaxRetries        int    `json:"max_retries"`
	RollbackPerformed bool   `json:"rollback_performed"`
	Error             string `json:"error,omitempty"`
	CreatedAt         string `json:"created_at"`
	StartedAt         string `json:"started_at,omitempty"`
	CompletedAt       string `json:"completed_at,omitempty"`
}

// TaskRequest is the JSON request body for POST /api/tasks.
type TaskRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	AgentID    string `json:"agent_id"`
	Type       string `json:"type,omitempty"`
	Command    string `json:"command,omitempty"`
	PackageRef string `json:"package_ref,omitempty"`
	Expression string `json:"expression"`
	Active     bool   `json:"active"`
}

// TaskResponse is the JSON shape of a scheduled task.
type TaskResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	AgentID    string `json:"agent_id"`
	Type       string `json:"type"`
	Command    string `json:"command,omitempty"`
	PackageRef string `json:"package_ref,omitempty"`
	Expression string `json:"expression"`
	LastRun    string `json:"last_run,omitempty"`
	NextRun    string `json:"next_run,omitempty"`
	Active     bool   `json:"active"`
}

// AgentResponse is the JSON shape of a fleet agent.
type AgentResponse struct {
	ID        string `json:"id"`
	Hostname  string `json:"hostname,omitempty"`
	OS        string `json:"os,omitempty"`
	Version   string `json:"version,omitempty"`
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	LastSeen  string `json:"last_seen,omitempty"`
}

// RegisterAgentRequest is the JSON request body for POST /api/agents.
type RegisterAgentRequest struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname,omitempty"`
	OS       string `json:"os,omitempty"`
	Version  string `json:"version,omitempty"`
}

// routes assembles the HTTP handler with auth on everything under /api.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /ws/agent", g.handleAgentSocket)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/agents", g.handleListAgents)
	api.HandleFunc("POST /api/agents", g.handleRegisterAgent)
	api.HandleFunc("POST /api/agents/{id}/heartbeat", g.handleHeartbeat)
	api.HandleFunc("POST /api/agents/{id}/maintenance", g.handleMaintenance)
	api.HandleFunc("GET /api/agents/{id}/history", g.handleHistory)
	api.HandleFunc("POST /api/commands", g.handleDispatch)
	api.HandleFunc("POST /api/jobs", g.handleCreateJob)
	api.HandleFunc("GET /api/jobs", g.handleListJobs)
	api.HandleFunc("GET /api/jobs/{id}", g.handleGetJob)
	api.HandleFunc("DELETE /api/jobs/{id}", g.handleCancelJob)
	api.HandleFunc("POST /api/tasks", g.handleUpsertTask)
	api.HandleFunc("GET /api/tasks", g.handleListTasks)

	authed := auth.HTTPAuthMiddleware(g.verifier)(api)
	mux.Handle("/api/", authed)
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"server_id": g.serverID,
		"agents":    len(g.registry.List()),
		"pending":   g.dispatcher.PendingCount(),
	})
}

// handleDispatch handles POST /api/commands: a single synchronous dispatch.
func (g *Gateway) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "agent_id and command are required")
		return
	}
	timeout := 30 * time.Second
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	res, err := g.dispatcher.Dispatch(r.Context(), req.AgentID,
		protocol.CommandPayload{Command: req.Command, Args: req.Args}, timeout)
	if err != nil {
		var remote *agent.RemoteError
		switch {
		case errors.Is(err, agent.ErrNotConnected):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, agent.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		case errors.Is(err, agent.ErrDisconnected):
			writeError(w, http.StatusBadGateway, err.Error())
		case errors.As(err, &remote):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, DispatchResponse{
		Success:  res.Success,
		Output:   res.Output,
		Error:    res.Error,
		ExitCode: res.ExitCode,
	})
}

func (g *Gateway) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := g.orchestrator.Create(r.Context(), req.AgentID, req.PackageRef, req.MaxRetries)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, jobToResponse(job))
}

func (g *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := g.orchestrator.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (g *Gateway) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	err := g.orchestrator.Cancel(r.PathValue("id"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func (g *Gateway) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := g.store.ListInstallationJobs(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]JobResponse, 0, len(list))
	for _, job := range list {
		out = append(out, jobToResponse(*job))
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleUpsertTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		req.Type = store.TaskTypeCommand
	}

	task, err := g.scheduler.Upsert(r.Context(), store.ScheduledTask{
		ID:         req.ID,
		Name:       req.Name,
		AgentID:    req.AgentID,
		Type:       req.Type,
		Command:    req.Command,
		PackageRef: req.PackageRef,
		Expression: req.Expression,
		Active:     req.Active,
	})
	if errors.Is(err, schedule.ErrInvalidRecurrence) {
		// The task is persisted inactive; the operator corrects the
		// expression via another upsert.
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": err.Error(),
			"task":  taskToResponse(task),
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := g.store.ListScheduledTasks(r.Context(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]TaskResponse, 0, len(list))
	for _, task := range list {
		out = append(out, taskToResponse(*task))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleListAgents merges durable records with live registry state.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	records, err := g.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]AgentResponse, 0, len(records))
	for _, rec := range records {
		resp := AgentResponse{
			ID:        rec.ID,
			Hostname:  rec.Hostname,
			OS:        rec.OS,
			Version:   rec.Version,
			Status:    string(g.monitor.Status(rec.ID)),
			Connected: g.registry.IsConnected(rec.ID),
		}
		if hb, ok := g.monitor.LastHeartbeat(rec.ID); ok {
			resp.LastSeen = hb.UTC().Format(time.RFC3339)
		} else if rec.LastSeen != nil {
			resp.LastSeen = rec.LastSeen.UTC().Format(time.RFC3339)
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := g.RegisterAgent(r.Context(), &store.AgentRecord{
		ID:       req.ID,
		Hostname: req.Hostname,
		OS:       req.OS,
		Version:  req.Version,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb protocol.HeartbeatPayload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := g.RecordHeartbeat(r.Context(), r.PathValue("id"), hb); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": string(g.monitor.Status(r.PathValue("id"))),
	})
}

func (g *Gateway) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	agentID := r.PathValue("id")
	g.monitor.SetMaintenance(agentID, req.Enabled)
	g.persistAgentStatus(agentID, string(g.monitor.Status(agentID)))
	writeJSON(w, http.StatusOK, map[string]string{
		"status": string(g.monitor.Status(agentID)),
	})
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := g.store.ListCommandHistory(r.Context(), r.PathValue("id"), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type historyEntry struct {
		CorrelationID string `json:"correlation_id"`
		Command       string `json:"command"`
		Success       bool   `json:"success"`
		Output        string `json:"output,omitempty"`
		Error         string `json:"error,omitempty"`
		DurationMS    int64  `json:"duration_ms"`
		CreatedAt     string `json:"created_at"`
	}
	out := make([]historyEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, historyEntry{
			CorrelationID: rec.CorrelationID,
			Command:       rec.Command,
			Success:       rec.Success,
			Output:        rec.Output,
			Error:         rec.Error,
			DurationMS:    rec.DurationMS,
			CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func jobToResponse(job store.InstallationJob) JobResponse {
	resp := JobResponse{
		ID:                job.ID,
		AgentID:           job.AgentID,
		PackageRef:        job.PackageRef,
		Status:            job.Status,
		Progress:          job.Progress,
		CurrentStep:       job.CurrentStep,
		RetryCount:        job.RetryCount,
		MaxRetries:        job.MaxRetries,
		RollbackPerformed: job.RollbackPerformed,
		Error:             job.Error,
		CreatedAt:         job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.UTC().Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		resp.CompletedAt = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func taskToResponse(task store.ScheduledTask) TaskResponse {
	resp := TaskResponse{
		ID:         task.ID,
		Name:       task.Name,
		AgentID:    task.AgentID,
		Type:       task.Type,
		Command:    task.Command,
		PackageRef: task.PackageRef,
		Expression: task.Expression,
		Active:     task.Active,
	}
	if task.LastRun != nil {
		resp.LastRun = task.LastRun.UTC().Format(time.RFC3339)
	}
	if task.NextRun != nil {
		resp.NextRun = task.NextRun.UTC().Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
