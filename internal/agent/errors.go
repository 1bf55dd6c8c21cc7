// ABOUTME: Error taxonomy for command dispatch against fleet agents.
// ABOUTME: Distinguishes transport-level failures from agent-reported ones.

package agent

import (
	"errors"
	"fmt"
)

// ErrNotConnected indicates the target agent has no live session. The caller
// may retry later; commands are never queued for offline agents here.
var ErrNotConnected = errors.New("agent not connected")

// ErrTimeout indicates the dispatch deadline elapsed with no result. The
// remote state of the command is unknown, not assumed failed.
var ErrTimeout = errors.New("command timed out")

// ErrDisconnected indicates the agent's session dropped while the command was
// in flight. Same ambiguity as ErrTimeout.
var ErrDisconnected = errors.New("agent disconnected")

// RemoteError is an authoritative failure: the agent explicitly reported it
// could not attempt the command.
type RemoteError struct {
	AgentID string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent %s rejected command: %s", e.AgentID, e.Message)
}
