// ABOUTME: Tests for the command dispatcher and correlator.
// ABOUTME: Covers timeout, disconnect, late results, and exactly-once resolution.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asedra/dexagents/internal/protocol"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Registry) {
	t.Helper()
	r := NewRegistry(slog.Default())
	return NewDispatcher(r, nil, slog.Default()), r
}

// waitForCommand polls until the session has received a command frame.
func waitForCommand(t *testing.T, sess *mockSession) *protocol.Envelope {
	t.Helper()
	var env *protocol.Envelope
	require.Eventually(t, func() bool {
		for _, e := range sess.sentEnvelopes() {
			if e.Type == protocol.TypeCommand {
				env = e
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "command frame never sent")
	return env
}

func TestDispatchNotConnected(t *testing.T) {
	d, _ := newTestDispatcher(t)

	res, err := d.Dispatch(context.Background(), "ghost", protocol.CommandPayload{Command: "noop"}, time.Second)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, d.PendingCount(), "failed dispatch must not leave a pending command")
}

func TestDispatchResolvesWithResult(t *testing.T) {
	d, r := newTestDispatcher(t)
	sess := newMockSession("a1")
	r.Register(sess)

	type dispatchDone struct {
		res *protocol.ResultPayload
		err error
	}
	done := make(chan dispatchDone, 1)
	go func() {
		res, err := d.Dispatch(context.Background(), "a1", protocol.CommandPayload{Command: "sysinfo"}, time.Second)
		done <- dispatchDone{res, err}
	}()

	env := waitForCommand(t, sess)
	require.NotEmpty(t, env.CorrelationID)

	d.HandleResult("a1", env.CorrelationID, &protocol.ResultPayload{Success: true, Output: "hello"}, "")

	out := <-done
	require.NoError(t, out.err)
	require.NotNil(t, out.res)
	assert.True(t, out.res.Success)
	assert.Equal(t, "hello", out.res.Output)
	assert.Equal(t, 0, d.PendingCount())
}

func TestDispatchTimeoutDiscardsLateResult(t *testing.T) {
	d, r := newTestDispatcher(t)
	sess := newMockSession("a1")
	r.Register(sess)

	_, err := d.Dispatch(context.Background(), "a1", protocol.CommandPayload{Command: "slow"}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, d.PendingCount(), "timed-out command must be removed")

	// A result arriving after the deadline finds no pending entry and is
	// discarded without a second resolution.
	env := waitForCommand(t, sess)
	d.HandleResult("a1", env.CorrelationID, &protocol.ResultPayload{Success: true}, "")
	assert.Equal(t, 0, d.PendingCount())
}

func TestDispatchRemoteError(t *testing.T) {
	d, r := newTestDispatcher(t)
	sess := newMockSession("a1")
	r.Register(sess)

	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), "a1", protocol.CommandPayload{Command: "forbidden"}, time.Second)
		done <- err
	}()

	env := waitForCommand(t, sess)
	d.HandleResult("a1", env.CorrelationID, nil, "unsupported command")

	err := <-done
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "a1", remote.AgentID)
	assert.Contains(t, remote.Message, "unsupported command")
}

func TestFailAgentResolvesDisconnected(t *testing.T) {
	d, r := newTestDispatcher(t)
	sess := newMockSession("a1")
	r.Register(sess)

	done := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := d.Dispatch(context.Background(), "a1", protocol.CommandPayload{Command: "hang"}, time.Second)
			done <- err
		}()
	}

	require.Eventually(t, func() bool {
		return d.PendingCount() == 2
	}, time.Second, 5*time.Millisecond)

	d.FailAgent("a1")

	for range 2 {
		assert.ErrorIs(t, <-done, ErrDisconnected)
	}
	assert.Equal(t, 0, d.PendingCount())
}

func TestFailAgentLeavesOtherAgentsAlone(t *testing.T) {
	d, r := newTestDispatcher(t)
	a1 := newMockSession("a1")
	a2 := newMockSession("a2")
	r.Register(a1)
	r.Register(a2)

	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), "a2", protocol.CommandPayload{Command: "hang"}, time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool { return d.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	d.FailAgent("a1")

	env := waitForCommand(t, a2)
	d.HandleResult("a2", env.CorrelationID, &protocol.ResultPayload{Success: true}, "")
	assert.NoError(t, <-done)
}

func TestConcurrentDispatchesCorrelateIndependently(t *testing.T) {
	d, r := newTestDispatcher(t)
	sess := newMockSession("a1")
	r.Register(sess)

	results := make(chan string, 2)
	errs := make(chan error, 2)
	for _, cmd := range []string{"first", "second"} {
		go func() {
			res, err := d.Dispatch(context.Background(), "a1", protocol.CommandPayload{Command: cmd}, time.Second)
			if err != nil {
				errs <- err
				return
			}
			results <- res.Output
		}()
	}

	var envs []*protocol.Envelope
	require.Eventually(t, func() bool {
		envs = sess.sentEnvelopes()
		return len(envs) == 2
	}, time.Second, 5*time.Millisecond)

	// Resolve in reverse send order; each caller must see its own result.
	for i := len(envs) - 1; i >= 0; i-- {
		var cmd protocol.CommandPayload
		require.NoError(t, envs[i].DecodePayload(&cmd))
		d.HandleResult("a1", envs[i].CorrelationID, &protocol.ResultPayload{Success: true, Output: cmd.Command}, "")
	}

	got := map[string]bool{}
	for range 2 {
		select {
		case out := <-results:
			got[out] = true
		case err := <-errs:
			t.Fatalf("unexpected dispatch error: %v", err)
		case <-time.After(time.Second):
			t.Fatal("dispatch did not resolve")
		}
	}
	assert.True(t, got["first"])
	assert.True(t, got["second"])
}

func TestFailSessionResolvesEvictedSessionsCommands(t *testing.T) {
	d, r := newTestDispatcher(t)
	first := newMockSession("a1")
	r.Register(first)

	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), "a1", protocol.CommandPayload{Command: "hang"}, time.Minute)
		done <- err
	}()
	require.Eventually(t, func() bool { return d.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	// The agent reconnects; the replacement evicts the first session and the
	// parked dispatch resolves as disconnected, not after its full deadline.
	second := newMockSession("a1")
	evicted := r.Register(second)
	require.Same(t, Session(first), evicted)
	d.FailSession("a1", evicted)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("dispatch against evicted session did not resolve")
	}
	assert.Equal(t, 0, d.PendingCount())
}

func TestFailSessionLeavesReplacementSessionsCommandsAlone(t *testing.T) {
	d, r := newTestDispatcher(t)
	first := newMockSession("a1")
	r.Register(first)
	second := newMockSession("a1")
	evicted := r.Register(second)

	// A dispatch parked on the replacement must survive the eviction cleanup.
	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), "a1", protocol.CommandPayload{Command: "sysinfo"}, time.Second)
		done <- err
	}()
	env := waitForCommand(t, second)

	d.FailSession("a1", evicted)
	require.Equal(t, 1, d.PendingCount())

	d.HandleResult("a1", env.CorrelationID, &protocol.ResultPayload{Success: true}, "")
	assert.NoError(t, <-done)
}

func TestDispatchSendFailure(t *testing.T) {
	d, r := newTestDispatcher(t)
	sess := newMockSession("a1")
	sess.sendErr = errors.New("broken pipe")
	r.Register(sess)

	_, err := d.Dispatch(context.Background(), "a1", protocol.CommandPayload{Command: "noop"}, time.Second)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, 0, d.PendingCount())
}

func TestDispatchCallerCancellationReleasesPending(t *testing.T) {
	d, r := newTestDispatcher(t)
	sess := newMockSession("a1")
	r.Register(sess)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, "a1", protocol.CommandPayload{Command: "hang"}, time.Minute)
		done <- err
	}()

	require.Eventually(t, func() bool { return d.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, d.PendingCount(), "cancelled dispatch must release its pending command")
}
