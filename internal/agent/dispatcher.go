// ABOUTME: Command dispatcher and correlator turning the agent message stream
// ABOUTME: into a request/response call with timeout and disconnect handling.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asedra/dexagents/internal/protocol"
	"github.com/asedra/dexagents/internal/store"
)

// outcome is the single resolution of a pending command.
type outcome struct {
	result *protocol.ResultPayload
	err    error
}

// pendingCommand tracks one in-flight command. It resolves exactly once:
// whichever of {result, timeout, disconnect, caller cancel} is observed first
// wins, and every later resolution attempt is a no-op.
type pendingCommand struct {
	correlationID string
	agentID       string
	command       string
	session       Session // the session the command was sent over
	submittedAt   time.Time

	once sync.Once
	done chan outcome // buffered, written exactly once
}

// resolve delivers the outcome if this is the first resolution.
func (p *pendingCommand) resolve(res *protocol.ResultPayload, err error) {
	p.once.Do(func() {
		p.done <- outcome{result: res, err: err}
	})
}

// Dispatcher sends commands to agent sessions and correlates asynchronous
// results back to the waiting caller. It depends on the Registry for routing
// and has no awareness of jobs or schedules.
type Dispatcher struct {
	registry *Registry
	history  store.CommandHistoryAppender // optional audit sink
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCommand // correlation ID -> pending
}

// NewDispatcher creates a Dispatcher routing through the given registry.
// history may be nil to disable command audit records.
func NewDispatcher(registry *Registry, history store.CommandHistoryAppender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		history:  history,
		logger:   logger,
		pending:  make(map[string]*pendingCommand),
	}
}

// Dispatch sends the command to the agent's live session and blocks the caller
// until the correlated result arrives, the timeout elapses, or the session
// drops. A dispatch to an agent without a session fails immediately with
// ErrNotConnected and records no pending command.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID string, payload protocol.CommandPayload, timeout time.Duration) (*protocol.ResultPayload, error) {
	sess, ok := d.registry.Lookup(agentID)
	if !ok {
		return nil, fmt.Errorf("dispatch to %s: %w", agentID, ErrNotConnected)
	}

	pc := &pendingCommand{
		correlationID: uuid.New().String(),
		agentID:       agentID,
		command:       payload.Command,
		session:       sess,
		submittedAt:   time.Now(),
		done:          make(chan outcome, 1),
	}

	d.mu.Lock()
	d.pending[pc.correlationID] = pc
	d.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.TypeCommand, agentID, pc.correlationID, payload)
	if err != nil {
		d.remove(pc.correlationID)
		return nil, err
	}
	if err := sess.Send(env); err != nil {
		d.remove(pc.correlationID)
		return nil, fmt.Errorf("sending to %s: %w", agentID, ErrDisconnected)
	}

	d.logger.Debug("command dispatched",
		"agent_id", agentID,
		"correlation_id", pc.correlationID,
		"command", payload.Command,
		"timeout", timeout,
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out outcome
	select {
	case out = <-pc.done:
	case <-timer.C:
		pc.resolve(nil, fmt.Errorf("dispatch to %s after %s: %w", agentID, timeout, ErrTimeout))
		out = <-pc.done
	case <-ctx.Done():
		pc.resolve(nil, ctx.Err())
		out = <-pc.done
	}

	// The entry is removed only here, by the owning caller, so a correlation
	// ID is never reused while its command is unresolved and a late result
	// finds no entry and is discarded.
	d.remove(pc.correlationID)
	d.recordHistory(pc, out)
	return out.result, out.err
}

// HandleResult resolves the pending command matching the correlation ID with a
// result or agent-reported error frame. Results with no matching pending
// command (late arrivals after timeout, or unknown IDs) are discarded.
func (d *Dispatcher) HandleResult(agentID, correlationID string, result *protocol.ResultPayload, remoteErr string) {
	d.mu.Lock()
	pc, ok := d.pending[correlationID]
	d.mu.Unlock()

	if !ok || pc.agentID != agentID {
		d.logger.Warn("discarding result for unknown command",
			"agent_id", agentID,
			"correlation_id", correlationID,
		)
		return
	}

	if remoteErr != "" {
		pc.resolve(nil, &RemoteError{AgentID: agentID, Message: remoteErr})
		return
	}
	pc.resolve(result, nil)
}

// FailAgent resolves every pending command targeting the agent with
// ErrDisconnected. Called on session removal and on liveness-driven offline
// transitions.
func (d *Dispatcher) FailAgent(agentID string) {
	d.mu.Lock()
	var targets []*pendingCommand
	for _, pc := range d.pending {
		if pc.agentID == agentID {
			targets = append(targets, pc)
		}
	}
	d.mu.Unlock()

	for _, pc := range targets {
		pc.resolve(nil, fmt.Errorf("agent %s: %w", agentID, ErrDisconnected))
	}
	if len(targets) > 0 {
		d.logger.Info("failed in-flight commands for disconnected agent",
			"agent_id", agentID,
			"count", len(targets),
		)
	}
}

// FailSession resolves every pending command that was sent over the given
// session with ErrDisconnected. Called when a session is evicted by a
// replacement: commands bound to the replaced session must not sit out their
// full deadlines, and commands already in flight on the replacement are left
// alone.
func (d *Dispatcher) FailSession(agentID string, s Session) {
	d.mu.Lock()
	var targets []*pendingCommand
	for _, pc := range d.pending {
		if pc.agentID == agentID && pc.session == s {
			targets = append(targets, pc)
		}
	}
	d.mu.Unlock()

	for _, pc := range targets {
		pc.resolve(nil, fmt.Errorf("agent %s: session replaced: %w", agentID, ErrDisconnected))
	}
	if len(targets) > 0 {
		d.logger.Info("failed in-flight commands for evicted session",
			"agent_id", agentID,
			"count", len(targets),
		)
	}
}

// PendingCount returns the number of unresolved commands.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) remove(correlationID string) {
	d.mu.Lock()
	delete(d.pending, correlationID)
	d.mu.Unlock()
}

// recordHistory appends an audit record for the resolved dispatch. Persistence
// failures are retried with backoff and logged, never surfaced to the caller.
func (d *Dispatcher) recordHistory(pc *pendingCommand, out outcome) {
	if d.history == nil {
		return
	}

	rec := &store.CommandRecord{
		ID:            uuid.New().String(),
		AgentID:       pc.agentID,
		CorrelationID: pc.correlationID,
		Command:       pc.command,
		DurationMS:    time.Since(pc.submittedAt).Milliseconds(),
		CreatedAt:     time.Now(),
	}
	switch {
	case out.err != nil:
		rec.Error = out.err.Error()
	case out.result != nil:
		rec.Success = out.result.Success
		rec.Output = out.result.Output
		rec.Error = out.result.Error
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := store.WithRetry(ctx, d.logger, "append command history", func() error {
			return d.history.AppendCommandHistory(ctx, rec)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("dropping command history record",
				"agent_id", rec.AgentID,
				"correlation_id", rec.CorrelationID,
				"error", err,
			)
		}
	}()
}
