// ABOUTME: Tests for the installation orchestrator covering phase progression,
// ABOUTME: retry exhaustion, rollback policy, offline hold, and cancellation.

package jobs

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asedra/dexagents/internal/agent"
	"github.com/asedra/dexagents/internal/protocol"
	"github.com/asedra/dexagents/internal/store"
)

// dispatchOutcome is one scripted reply for a command.
type dispatchOutcome struct {
	res *protocol.ResultPayload
	err error
}

// fakeDispatcher replays scripted outcomes per command and records the order
// commands were dispatched in. Commands with no script left succeed.
type fakeDispatcher struct {
	mu      sync.Mutex
	scripts map[string][]dispatchOutcome
	calls   []string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{scripts: make(map[string][]dispatchOutcome)}
}

func (d *fakeDispatcher) script(command string, outcomes ...dispatchOutcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[command] = append(d.scripts[command], outcomes...)
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, agentID string, payload protocol.CommandPayload, timeout time.Duration) (*protocol.ResultPayload, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, payload.Command)
	queue := d.scripts[payload.Command]
	if len(queue) == 0 {
		return &protocol.ResultPayload{Success: true}, nil
	}
	next := queue[0]
	d.scripts[payload.Command] = queue[1:]
	return next.res, next.err
}

func (d *fakeDispatcher) commandCalls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *fakeDispatcher) countCalls(command string) int {
	n := 0
	for _, c := range d.commandCalls() {
		if c == command {
			n++
		}
	}
	return n
}

// fakeLiveness reports a single switchable status for every agent.
type fakeLiveness struct {
	mu     sync.Mutex
	status agent.Status
}

func (l *fakeLiveness) Status(string) agent.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *fakeLiveness) set(s agent.Status) {
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()
}

func failed(msg string) dispatchOutcome {
	return dispatchOutcome{res: &protocol.ResultPayload{Success: false, Error: msg}}
}

func errored(err error) dispatchOutcome {
	return dispatchOutcome{err: err}
}

func newTestOrchestrator(t *testing.T, disp *fakeDispatcher, live *fakeLiveness) (*Orchestrator, store.Store) {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	o := NewOrchestrator(disp, live, st, Config{
		MaxRetries:       3,
		DownloadTimeout:  time.Second,
		InstallTimeout:   time.Second,
		VerifyTimeout:    time.Second,
		HoldPollInterval: 10 * time.Millisecond,
	}, slog.Default())
	t.Cleanup(o.Stop)
	return o, st
}

func waitForTerminal(t *testing.T, o *Orchestrator, jobID string) store.InstallationJob {
	t.Helper()

	var job store.InstallationJob
	require.Eventually(t, func() bool {
		got, err := o.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = got
		return isTerminal(job.Status)
	}, 5*time.Second, 5*time.Millisecond, "job never reached a terminal status")
	return job
}

func TestCreateRequiresAgentAndPackage(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeDispatcher(), &fakeLiveness{status: agent.StatusOnline})

	_, err := o.Create(context.Background(), "", "pkg-1", 0)
	assert.Error(t, err)
	_, err = o.Create(context.Background(), "a1", "", 0)
	assert.Error(t, err)
}

func TestGetUnknownJob(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeDispatcher(), &fakeLiveness{status: agent.StatusOnline})

	_, err := o.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRunsAllPhasesToCompletion(t *testing.T) {
	disp := newFakeDispatcher()
	o, st := newTestOrchestrator(t, disp, &fakeLiveness{status: agent.StatusOnline})

	created, err := o.Create(context.Background(), "a1", "pkg-1", 0)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusPending, created.Status)

	job := waitForTerminal(t, o, created.ID)
	assert.Equal(t, store.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "done", job.CurrentStep)
	assert.Equal(t, 0, job.RetryCount)
	assert.False(t, job.RollbackPerformed)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)

	assert.Equal(t, []string{CommandDownload, CommandInstall, CommandVerify}, disp.commandCalls())

	// The terminal state is durable.
	persisted, err := st.GetInstallationJob(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCompleted, persisted.Status)
}

func TestRetriesThenSucceeds(t *testing.T) {
	disp := newFakeDispatcher()
	disp.script(CommandInstall, failed("disk busy"), failed("disk busy"))
	o, _ := newTestOrchestrator(t, disp, &fakeLiveness{status: agent.StatusOnline})

	created, err := o.Create(context.Background(), "a1", "pkg-7", 3)
	require.NoError(t, err)

	job := waitForTerminal(t, o, created.ID)
	assert.Equal(t, store.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.RetryCount)
	assert.False(t, job.RollbackPerformed)
	assert.Zero(t, disp.countCalls(CommandRollback))
}

func TestRetryExhaustionRollsBack(t *testing.T) {
	disp := newFakeDispatcher()
	disp.script(CommandInstall,
		failed("dependency conflict"),
		failed("dependency conflict"),
		failed("dependency conflict"),
	)
	o, _ := newTestOrchestrator(t, disp, &fakeLiveness{status: agent.StatusOnline})

	created, err := o.Create(context.Background(), "a1", "pkg-7", 3)
	require.NoError(t, err)

	job := waitForTerminal(t, o, created.ID)
	assert.Equal(t, store.JobStatusFailed, job.Status)
	assert.Equal(t, 3, job.RetryCount)
	assert.True(t, job.RollbackPerformed)
	assert.Contains(t, job.Error, "dependency conflict")
	assert.Equal(t, 1, disp.countCalls(CommandRollback))
}

func TestRollbackFailureStillFails(t *testing.T) {
	disp := newFakeDispatcher()
	disp.script(CommandVerify, failed("checksum mismatch"), failed("checksum mismatch"), failed("checksum mismatch"))
	disp.script(CommandRollback, failed("nothing to roll back"))
	o, _ := newTestOrchestrator(t, disp, &fakeLiveness{status: agent.StatusOnline})

	created, err := o.Create(context.Background(), "a1", "pkg-7", 3)
	require.NoError(t, err)

	job := waitForTerminal(t, o, created.ID)
	assert.Equal(t, store.JobStatusFailed, job.Status)
	assert.False(t, job.RollbackPerformed)
	assert.Equal(t, 1, disp.countCalls(CommandRollback))
}

func TestDownloadFailureSkipsRollback(t *testing.T) {
	disp := newFakeDispatcher()
	disp.script(CommandDownload, failed("404"), failed("404"), failed("404"))
	o, _ := newTestOrchestrator(t, disp, &fakeLiveness{status: agent.StatusOnline})

	created, err := o.Create(context.Background(), "a1", "pkg-1", 3)
	require.NoError(t, err)

	job := waitForTerminal(t, o, created.ID)
	assert.Equal(t, store.JobStatusFailed, job.Status)
	assert.False(t, job.RollbackPerformed)
	// Nothing was installed, so nothing to undo.
	assert.Zero(t, disp.countCalls(CommandRollback))
	assert.Zero(t, disp.countCalls(CommandInstall))
}

func TestUnreachableAgentDoesNotBurnRetries(t *testing.T) {
	disp := newFakeDispatcher()
	disp.script(CommandDownload, errored(agent.ErrNotConnected), errored(agent.ErrDisconnected))
	o, _ := newTestOrchestrator(t, disp, &fakeLiveness{status: agent.StatusOnline})

	created, err := o.Create(context.Background(), "a1", "pkg-1", 3)
	require.NoError(t, err)

	job := waitForTerminal(t, o, created.ID)
	assert.Equal(t, store.JobStatusCompleted, job.Status)
	assert.Equal(t, 0, job.RetryCount)
}

func TestOfflineAgentHoldsJobInPlace(t *testing.T) {
	disp := newFakeDispatcher()
	live := &fakeLiveness{status: agent.StatusOffline}
	o, _ := newTestOrchestrator(t, disp, live)

	created, err := o.Create(context.Background(), "a1", "pkg-1", 3)
	require.NoError(t, err)

	// While offline, the job sits in its first phase with no dispatches.
	time.Sleep(50 * time.Millisecond)
	job, err := o.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusDownloading, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.Empty(t, disp.commandCalls())

	// Agent comes back, the job runs through.
	live.set(agent.StatusOnline)
	job = waitForTerminal(t, o, created.ID)
	assert.Equal(t, store.JobStatusCompleted, job.Status)
}

func TestCancelWhileHeld(t *testing.T) {
	disp := newFakeDispatcher()
	live := &fakeLiveness{status: agent.StatusOffline}
	o, _ := newTestOrchestrator(t, disp, live)

	created, err := o.Create(context.Background(), "a1", "pkg-1", 3)
	require.NoError(t, err)
	require.NoError(t, o.Cancel(created.ID))

	job := waitForTerminal(t, o, created.ID)
	assert.Equal(t, store.JobStatusCancelled, job.Status)
	assert.Equal(t, "cancelled", job.CurrentStep)
	assert.NotNil(t, job.CompletedAt)
}

func TestCancelUnknownJob(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeDispatcher(), &fakeLiveness{status: agent.StatusOnline})
	assert.ErrorIs(t, o.Cancel("nope"), ErrJobNotFound)
}

func TestResumeRestartsNonTerminalJobs(t *testing.T) {
	disp := newFakeDispatcher()
	live := &fakeLiveness{status: agent.StatusOnline}

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// A job left mid-install by a previous process, plus one already done.
	interrupted := &store.InstallationJob{
		ID:          "job-interrupted",
		AgentID:     "a1",
		PackageRef:  "pkg-1",
		Status:      store.JobStatusInstalling,
		CurrentStep: "install",
		Progress:    40,
		MaxRetries:  3,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.SaveInstallationJob(context.Background(), interrupted))
	done := time.Now().UTC()
	finished := &store.InstallationJob{
		ID:          "job-finished",
		AgentID:     "a1",
		PackageRef:  "pkg-2",
		Status:      store.JobStatusCompleted,
		CurrentStep: "done",
		Progress:    100,
		MaxRetries:  3,
		CreatedAt:   time.Now().UTC(),
		CompletedAt: &done,
	}
	require.NoError(t, st.SaveInstallationJob(context.Background(), finished))

	o := NewOrchestrator(disp, live, st, Config{
		MaxRetries:       3,
		DownloadTimeout:  time.Second,
		InstallTimeout:   time.Second,
		VerifyTimeout:    time.Second,
		HoldPollInterval: 10 * time.Millisecond,
	}, slog.Default())
	t.Cleanup(o.Stop)

	require.NoError(t, o.Resume(context.Background()))

	job := waitForTerminal(t, o, "job-interrupted")
	assert.Equal(t, store.JobStatusCompleted, job.Status)
	// The sequence restarts from the top after a restart.
	assert.Equal(t, []string{CommandDownload, CommandInstall, CommandVerify}, disp.commandCalls())

	// The finished job was not relaunched.
	got, err := o.Get(context.Background(), "job-finished")
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCompleted, got.Status)
}
