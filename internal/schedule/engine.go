// ABOUTME: Schedule engine firing due tasks from cron recurrences.
// ABOUTME: Periodic sweep with at-least-once firing semantics.

package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/asedra/dexagents/internal/protocol"
	"github.com/asedra/dexagents/internal/store"
)

// Dispatcher is the outward-facing dispatch contract for command tasks.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentID string, payload protocol.CommandPayload, timeout time.Duration) (*protocol.ResultPayload, error)
}

// Installer hands installation tasks off to the job orchestrator.
type Installer interface {
	Create(ctx context.Context, agentID, packageRef string, maxRetries int) (store.InstallationJob, error)
}

// Engine sweeps active scheduled tasks and fires the due ones.
//
// Firing is at-least-once: last_run is recorded after a firing is initiated,
// so a process restart between the two may repeat the firing on recovery.
// Tasks whose commands are not idempotent must tolerate duplicates.
type Engine struct {
	dispatcher      Dispatcher
	installer       Installer
	store           store.Store
	interval        time.Duration
	dispatchTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// NewEngine creates a schedule engine. Run must be called for firing to happen.
func NewEngine(dispatcher Dispatcher, installer Installer, st store.Store, interval, dispatchTimeout time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		dispatcher:      dispatcher,
		installer:       installer,
		store:           st,
		interval:        interval,
		dispatchTimeout: dispatchTimeout,
		logger:          logger,
		now:             time.Now,
	}
}

// Upsert validates and persists a task definition, computing its next fire
// time anchored at last_run, or now for a task that has never fired. A task
// with an unparseable expression is saved inactive and the error surfaced.
func (e *Engine) Upsert(ctx context.Context, task store.ScheduledTask) (store.ScheduledTask, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.AgentID == "" {
		return task, fmt.Errorf("agent ID is required")
	}
	switch task.Type {
	case store.TaskTypeCommand:
		if task.Command == "" {
			return task, fmt.Errorf("command is required for command tasks")
		}
	case store.TaskTypeInstall:
		if task.PackageRef == "" {
			return task, fmt.Errorf("package ref is required for install tasks")
		}
	default:
		return task, fmt.Errorf("unknown task type %q", task.Type)
	}

	anchor := e.now()
	if task.LastRun != nil {
		anchor = *task.LastRun
	}

	var exprErr error
	next, err := NextFireTime(task.Expression, anchor)
	if err != nil {
		task.Active = false
		task.NextRun = nil
		exprErr = err
	} else {
		task.NextRun = &next
	}

	saveErr := store.WithRetry(ctx, e.logger, "upsert scheduled task", func() error {
		return e.store.UpsertScheduledTask(ctx, &task)
	})
	if saveErr != nil {
		return task, saveErr
	}
	if exprErr != nil {
		return task, exprErr
	}

	e.logger.Info("scheduled task upserted",
		"task_id", task.ID,
		"name", task.Name,
		"expression", task.Expression,
		"next_run", task.NextRun,
	)
	return task, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("schedule engine started", "sweep_interval", e.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep fires every active task whose next_run has passed. Tasks are loaded
// as a snapshot and acted on individually; a task mutated concurrently (for
// example re-upserted mid-sweep) loses nothing but this round's firing.
func (e *Engine) Sweep(ctx context.Context) {
	tasks, err := e.store.ListScheduledTasks(ctx, true)
	if err != nil {
		// One failed sweep is recoverable; the next tick retries.
		e.logger.Error("loading scheduled tasks failed", "error", err)
		return
	}

	now := e.now()
	for _, task := range tasks {
		if task.NextRun == nil || task.NextRun.After(now) {
			continue
		}
		e.fire(ctx, task)
	}
}

// fire initiates the task's action, then records last_run and recomputes
// next_run. An expression that no longer parses deactivates the task instead
// of crashing the sweep.
func (e *Engine) fire(ctx context.Context, task *store.ScheduledTask) {
	fireTime := e.now()
	e.logger.Info("firing scheduled task",
		"task_id", task.ID,
		"name", task.Name,
		"agent_id", task.AgentID,
		"type", task.Type,
	)

	switch task.Type {
	case store.TaskTypeInstall:
		if _, err := e.installer.Create(ctx, task.AgentID, task.PackageRef, 0); err != nil {
			e.logger.Error("scheduled install creation failed",
				"task_id", task.ID,
				"agent_id", task.AgentID,
				"error", err,
			)
		}
	default:
		// Fire-and-record: the dispatch outcome lands in command history; the
		// sweep must not stall behind one slow agent.
		payload := protocol.CommandPayload{Command: task.Command}
		agentID := task.AgentID
		taskID := task.ID
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), e.dispatchTimeout+time.Second)
			defer cancel()
			if _, err := e.dispatcher.Dispatch(dctx, agentID, payload, e.dispatchTimeout); err != nil {
				e.logger.Warn("scheduled command dispatch failed",
					"task_id", taskID,
					"agent_id", agentID,
					"error", err,
				)
			}
		}()
	}

	task.LastRun = &fireTime
	next, err := NextFireTime(task.Expression, fireTime)
	if err != nil {
		if !errors.Is(err, ErrNoFurtherOccurrences) {
			e.logger.Error("scheduled task has invalid recurrence, deactivating",
				"task_id", task.ID,
				"expression", task.Expression,
				"error", err,
			)
		}
		task.Active = false
		task.NextRun = nil
	} else {
		task.NextRun = &next
	}

	err = store.WithRetry(ctx, e.logger, "record scheduled task firing", func() error {
		return e.store.UpsertScheduledTask(ctx, task)
	})
	if err != nil {
		e.logger.Error("recording task firing failed", "task_id", task.ID, "error", err)
	}
}
