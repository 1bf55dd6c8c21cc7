// ABOUTME: Wire envelope and payload types exchanged with dex-agents over WebSocket.
// ABOUTME: Every frame is a JSON Envelope; payloads are decoded per frame type.

package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame types carried in Envelope.Type.
const (
	TypeRegister  = "register"  // agent -> server, first frame after connect
	TypeHeartbeat = "heartbeat" // agent -> server, periodic liveness signal
	TypeCommand   = "command"   // server -> agent, correlated request
	TypeResult    = "result"    // agent -> server, correlated execution result
	TypeError     = "error"     // agent -> server, command could not be attempted
	TypeWelcome   = "welcome"   // server -> agent, registration acknowledgement
)

// Envelope is the outer frame for all agent traffic. CorrelationID is set on
// command/result/error frames and links a result back to its dispatch.
type Envelope struct {
	Type          string          `json:"type"`
	AgentID       string          `json:"agent_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload carries agent metadata presented at connection handshake.
type RegisterPayload struct {
	Hostname string `json:"hostname,omitempty"`
	OS       string `json:"os,omitempty"`
	Version  string `json:"version,omitempty"`
}

// HeartbeatPayload carries periodic agent metrics.
type HeartbeatPayload struct {
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	DiskPercent   float64 `json:"disk_percent,omitempty"`
	UptimeSeconds int64   `json:"uptime_seconds,omitempty"`
}

// CommandPayload is the body of a dispatched command.
type CommandPayload struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

// ResultPayload is the body of a result frame. Success reflects the outcome of
// the command as run on the agent; a transport-level failure to even attempt
// the command arrives as a TypeError frame instead.
type ResultPayload struct {
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// WelcomePayload acknowledges a successful registration.
type WelcomePayload struct {
	ServerID string `json:"server_id"`
	AgentID  string `json:"agent_id"`
}

// NewEnvelope builds an envelope with the payload marshaled in place.
func NewEnvelope(frameType, agentID, correlationID string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:          frameType,
		AgentID:       agentID,
		CorrelationID: correlationID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", frameType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into out.
func (e *Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}
