// ABOUTME: Session abstraction over one live agent transport connection.
// ABOUTME: The registry owns session handles; everything else sends through them.

package agent

import (
	"time"

	"github.com/asedra/dexagents/internal/protocol"
)

// Session is the transport handle for one connected agent. Implementations
// must be safe for concurrent Send calls; Close must be idempotent.
type Session interface {
	AgentID() string
	Send(env *protocol.Envelope) error
	Close() error
}

// SessionInfo is a read-only snapshot of a registered session.
type SessionInfo struct {
	AgentID     string
	ConnectedAt time.Time
}
