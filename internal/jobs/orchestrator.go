// ABOUTME: Installation job orchestrator driving download/install/verify phases
// ABOUTME: over the dispatcher with retry, rollback, and offline-hold policy.

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/asedra/dexagents/internal/agent"
	"github.com/asedra/dexagents/internal/protocol"
	"github.com/asedra/dexagents/internal/store"
)

// ErrJobNotFound indicates the requested job is unknown.
var ErrJobNotFound = errors.New("job not found")

// Commands dispatched to agents per phase.
const (
	CommandDownload = "software.download"
	CommandInstall  = "software.install"
	CommandVerify   = "software.verify"
	CommandRollback = "software.rollback"
)

// Dispatcher is the outward-facing dispatch contract the orchestrator calls.
// The dispatcher has no awareness of jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentID string, payload protocol.CommandPayload, timeout time.Duration) (*protocol.ResultPayload, error)
}

// LivenessReader reports the monitor's view of an agent.
type LivenessReader interface {
	Status(agentID string) agent.Status
}

// Config holds orchestration timing and retry policy.
type Config struct {
	MaxRetries       int
	DownloadTimeout  time.Duration
	InstallTimeout   time.Duration
	VerifyTimeout    time.Duration
	HoldPollInterval time.Duration
}

// phase is one step of the install sequence.
type phase struct {
	status   string
	step     string
	command  string
	progress int // progress when the phase completes
	timeout  time.Duration
}

// jobState is the in-memory authority for one job. The persisted record is a
// durability shadow of this.
type jobState struct {
	mu  sync.Mutex
	job store.InstallationJob

	cancelRequested atomic.Bool
}

func (js *jobState) snapshot() store.InstallationJob {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.job
}

// Orchestrator owns installation jobs and drives each through its phases in a
// dedicated goroutine. Jobs targeting an offline agent are held in place, not
// retried, until the agent returns.
type Orchestrator struct {
	dispatcher Dispatcher
	liveness   LivenessReader
	store      store.Store
	cfg        Config
	logger     *slog.Logger

	mu   sync.Mutex
	jobs map[string]*jobState

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator. Jobs run until Stop is called.
func NewOrchestrator(dispatcher Dispatcher, liveness LivenessReader, st store.Store, cfg Config, logger *slog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		dispatcher: dispatcher,
		liveness:   liveness,
		store:      st,
		cfg:        cfg,
		logger:     logger,
		jobs:       make(map[string]*jobState),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Create registers a new pending installation job and starts driving it.
// maxRetries <= 0 uses the configured default.
func (o *Orchestrator) Create(ctx context.Context, agentID, packageRef string, maxRetries int) (store.InstallationJob, error) {
	if agentID == "" || packageRef == "" {
		return store.InstallationJob{}, fmt.Errorf("agent ID and package ref are required")
	}
	if maxRetries <= 0 {
		maxRetries = o.cfg.MaxRetries
	}

	js := &jobState{
		job: store.InstallationJob{
			ID:          uuid.New().String(),
			AgentID:     agentID,
			PackageRef:  packageRef,
			Status:      store.JobStatusPending,
			CurrentStep: "queued",
			MaxRetries:  maxRetries,
			CreatedAt:   time.Now().UTC(),
		},
	}

	if err := o.persist(ctx, js); err != nil {
		return store.InstallationJob{}, fmt.Errorf("persisting new job: %w", err)
	}

	o.mu.Lock()
	o.jobs[js.job.ID] = js
	o.mu.Unlock()

	o.logger.Info("installation job created",
		"job_id", js.job.ID,
		"agent_id", agentID,
		"package_ref", packageRef,
		"max_retries", maxRetries,
	)

	o.wg.Add(1)
	go o.run(js)
	return js.snapshot(), nil
}

// Get returns a snapshot of the job, falling back to the store for jobs that
// finished before a process restart.
func (o *Orchestrator) Get(ctx context.Context, jobID string) (store.InstallationJob, error) {
	o.mu.Lock()
	js, ok := o.jobs[jobID]
	o.mu.Unlock()
	if ok {
		return js.snapshot(), nil
	}

	job, err := o.store.GetInstallationJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return store.InstallationJob{}, ErrJobNotFound
	}
	if err != nil {
		return store.InstallationJob{}, err
	}
	return *job, nil
}

// Cancel requests cooperative cancellation. A job mid-dispatch completes that
// dispatch before honoring the request; terminal jobs are left untouched.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	js, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	js.cancelRequested.Store(true)
	o.logger.Info("installation job cancel requested", "job_id", jobID)
	return nil
}

// NoteAgentOffline marks running jobs for the agent as held. Wired to the
// liveness monitor so in-flight jobs are visibly paused rather than hung.
func (o *Orchestrator) NoteAgentOffline(agentID string) {
	o.mu.Lock()
	var held []*jobState
	for _, js := range o.jobs {
		s := js.snapshot()
		if s.AgentID == agentID && !isTerminal(s.Status) {
			held = append(held, js)
		}
	}
	o.mu.Unlock()

	for _, js := range held {
		o.logger.Warn("holding installation job, agent offline",
			"job_id", js.snapshot().ID,
			"agent_id", agentID,
		)
	}
}

// Resume restarts orchestration for non-terminal jobs found in the store,
// from the beginning of the sequence. Called once at startup.
func (o *Orchestrator) Resume(ctx context.Context) error {
	jobs, err := o.store.ListInstallationJobs(ctx, "")
	if err != nil {
		return fmt.Errorf("loading jobs for resume: %w", err)
	}

	resumed := 0
	for _, job := range jobs {
		if isTerminal(job.Status) {
			continue
		}
		js := &jobState{job: *job}
		js.job.Status = store.JobStatusPending
		js.job.CurrentStep = "resumed"
		js.job.Progress = 0

		o.mu.Lock()
		o.jobs[js.job.ID] = js
		o.mu.Unlock()

		o.wg.Add(1)
		go o.run(js)
		resumed++
	}
	if resumed > 0 {
		o.logger.Info("resumed installation jobs after restart", "count", resumed)
	}
	return nil
}

// Stop cancels all running jobs' dispatches and waits for their goroutines.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// run drives a single job through its phases. It is the only goroutine that
// mutates the job after creation.
func (o *Orchestrator) run(js *jobState) {
	defer o.wg.Done()
	ctx := o.baseCtx

	phases := []phase{
		{status: store.JobStatusDownloading, step: "download", command: CommandDownload, progress: 40, timeout: o.cfg.DownloadTimeout},
		{status: store.JobStatusInstalling, step: "install", command: CommandInstall, progress: 80, timeout: o.cfg.InstallTimeout},
		{status: store.JobStatusInstalling, step: "verify", command: CommandVerify, progress: 95, timeout: o.cfg.VerifyTimeout},
	}

	reachedInstall := false
	started := time.Now().UTC()
	o.update(ctx, js, func(job *store.InstallationJob) {
		job.StartedAt = &started
	})

	for _, ph := range phases {
		if ph.command != CommandDownload {
			reachedInstall = true
		}
		outcome := o.runPhase(ctx, js, ph, reachedInstall)
		switch outcome {
		case phaseDone:
			continue
		case phaseCancelled:
			o.finish(ctx, js, store.JobStatusCancelled, "")
			return
		case phaseFailed:
			// failure already recorded, rollback handled in runPhase
			return
		case phaseShutdown:
			// process stopping; the persisted record resumes on restart
			return
		}
	}

	o.finish(ctx, js, store.JobStatusCompleted, "")
}

type phaseOutcome int

const (
	phaseDone phaseOutcome = iota
	phaseFailed
	phaseCancelled
	phaseShutdown
)

// runPhase attempts one phase until it succeeds, the retry budget is
// exhausted, or the job is cancelled. Failures caused by the agent being
// unreachable hold the job in place without consuming retry budget.
func (o *Orchestrator) runPhase(ctx context.Context, js *jobState, ph phase, reachedInstall bool) phaseOutcome {
	o.update(ctx, js, func(job *store.InstallationJob) {
		job.Status = ph.status
		job.CurrentStep = ph.step
	})

	for {
		if js.cancelRequested.Load() {
			return phaseCancelled
		}
		if out := o.holdWhileOffline(ctx, js); out != phaseDone {
			return out
		}

		snapshot := js.snapshot()
		res, err := o.dispatcher.Dispatch(ctx, snapshot.AgentID, protocol.CommandPayload{
			Command: ph.command,
			Args:    map[string]string{"package": snapshot.PackageRef, "job_id": snapshot.ID},
		}, ph.timeout)

		switch {
		case err == nil && res != nil && res.Success:
			o.update(ctx, js, func(job *store.InstallationJob) {
				job.Progress = ph.progress
			})
			return phaseDone

		case errors.Is(err, context.Canceled):
			return phaseShutdown

		case errors.Is(err, agent.ErrNotConnected), errors.Is(err, agent.ErrDisconnected):
			// Unreachable target: hold in the current phase rather than
			// burning retry budget on a dead agent.
			o.logger.Info("installation phase held, agent unreachable",
				"job_id", snapshot.ID,
				"agent_id", snapshot.AgentID,
				"step", ph.step,
			)
			if !o.sleep(ctx) {
				return phaseShutdown
			}

		default:
			reason := failureReason(res, err)
			exhausted := false
			o.update(ctx, js, func(job *store.InstallationJob) {
				job.RetryCount++
				job.Error = reason
				exhausted = job.RetryCount >= job.MaxRetries
			})
			o.logger.Warn("installation phase attempt failed",
				"job_id", snapshot.ID,
				"step", ph.step,
				"retry_count", js.snapshot().RetryCount,
				"max_retries", snapshot.MaxRetries,
				"error", reason,
			)
			if exhausted {
				o.fail(ctx, js, reachedInstall, reason)
				return phaseFailed
			}
		}
	}
}

// fail drives the job to its terminal failed state, attempting a rollback
// first when the install phase had been reached. Rollback outcome is recorded
// but never changes the terminal status.
func (o *Orchestrator) fail(ctx context.Context, js *jobState, reachedInstall bool, reason string) {
	if reachedInstall {
		o.update(ctx, js, func(job *store.InstallationJob) {
			job.Status = store.JobStatusRollback
			job.CurrentStep = "rollback"
		})

		snapshot := js.snapshot()
		res, err := o.dispatcher.Dispatch(ctx, snapshot.AgentID, protocol.CommandPayload{
			Command: CommandRollback,
			Args:    map[string]string{"package": snapshot.PackageRef, "job_id": snapshot.ID},
		}, o.cfg.InstallTimeout)

		performed := err == nil && res != nil && res.Success
		o.update(ctx, js, func(job *store.InstallationJob) {
			job.RollbackPerformed = performed
		})
		if performed {
			o.logger.Info("rollback completed", "job_id", snapshot.ID, "agent_id", snapshot.AgentID)
		} else {
			o.logger.Error("rollback failed", "job_id", snapshot.ID, "agent_id", snapshot.AgentID, "error", err)
		}
	}

	o.finish(ctx, js, store.JobStatusFailed, reason)
}

// holdWhileOffline blocks while the liveness monitor reports the target agent
// as anything but online. Cancellation is still honored while holding.
func (o *Orchestrator) holdWhileOffline(ctx context.Context, js *jobState) phaseOutcome {
	logged := false
	for o.liveness.Status(js.snapshot().AgentID) != agent.StatusOnline {
		if js.cancelRequested.Load() {
			return phaseCancelled
		}
		if !logged {
			s := js.snapshot()
			o.logger.Info("waiting for agent to come online",
				"job_id", s.ID,
				"agent_id", s.AgentID,
			)
			logged = true
		}
		if !o.sleep(ctx) {
			return phaseShutdown
		}
	}
	return phaseDone
}

// sleep waits one hold interval, reporting false on shutdown.
func (o *Orchestrator) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(o.cfg.HoldPollInterval):
		return true
	}
}

// finish applies a terminal status and timestamps.
func (o *Orchestrator) finish(ctx context.Context, js *jobState, status, reason string) {
	done := time.Now().UTC()
	o.update(ctx, js, func(job *store.InstallationJob) {
		job.Status = status
		job.CompletedAt = &done
		if reason != "" {
			job.Error = reason
		}
		switch status {
		case store.JobStatusCancelled:
			job.CurrentStep = "cancelled"
		case store.JobStatusCompleted:
			job.CurrentStep = "done"
			job.Progress = 100
		}
	})
	o.logger.Info("installation job finished",
		"job_id", js.snapshot().ID,
		"status", status,
		"retry_count", js.snapshot().RetryCount,
		"rollback_performed", js.snapshot().RollbackPerformed,
	)
}

// update mutates the in-memory job under its lock and persists the snapshot.
func (o *Orchestrator) update(ctx context.Context, js *jobState, mutate func(*store.InstallationJob)) {
	js.mu.Lock()
	mutate(&js.job)
	js.mu.Unlock()
	if err := o.persist(ctx, js); err != nil {
		// The in-memory state machine stays authoritative; durability catches
		// up on the next transition.
		o.logger.Error("persisting job state failed", "job_id", js.snapshot().ID, "error", err)
	}
}

func (o *Orchestrator) persist(ctx context.Context, js *jobState) error {
	snapshot := js.snapshot()
	return store.WithRetry(ctx, o.logger, "save installation job", func() error {
		return o.store.SaveInstallationJob(ctx, &snapshot)
	})
}

func failureReason(res *protocol.ResultPayload, err error) string {
	if err != nil {
		return err.Error()
	}
	if res != nil && res.Error != "" {
		return res.Error
	}
	return "command reported failure"
}

func isTerminal(status string) bool {
	switch status {
	case store.JobStatusCompleted, store.JobStatusFailed, store.JobStatusCancelled:
		return true
	}
	return false
}
