// ABOUTME: Gateway orchestrator wiring registry, dispatcher, liveness monitor,
// ABOUTME: job orchestrator, schedule engine, and the HTTP/WebSocket servers.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asedra/dexagents/internal/agent"
	"github.com/asedra/dexagents/internal/auth"
	"github.com/asedra/dexagents/internal/config"
	"github.com/asedra/dexagents/internal/jobs"
	"github.com/asedra/dexagents/internal/protocol"
	"github.com/asedra/dexagents/internal/schedule"
	"github.com/asedra/dexagents/internal/store"
)

// Gateway composes the control-plane components and owns their lifecycle.
type Gateway struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	verifier *auth.JWTVerifier

	registry     *agent.Registry
	dispatcher   *agent.Dispatcher
	monitor      *agent.Monitor
	orchestrator *jobs.Orchestrator
	scheduler    *schedule.Engine

	httpServer *http.Server
	upgrader   websocket.Upgrader

	serverID string
}

// New builds a Gateway from config. Nothing starts until Run is called.
func New(cfg *config.Config, serverID string, logger *slog.Logger) (*Gateway, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	registry := agent.NewRegistry(logger.With("component", "registry"))
	dispatcher := agent.NewDispatcher(registry, st, logger.With("component", "dispatcher"))
	monitor := agent.NewMonitor(cfg.Agents.LivenessWindow, cfg.Agents.SweepInterval,
		logger.With("component", "liveness"))

	orchestrator := jobs.NewOrchestrator(dispatcher, monitor, st, jobs.Config{
		MaxRetries:       cfg.Jobs.MaxRetries,
		DownloadTimeout:  cfg.Jobs.DownloadTimeout,
		InstallTimeout:   cfg.Jobs.InstallTimeout,
		VerifyTimeout:    cfg.Jobs.VerifyTimeout,
		HoldPollInterval: cfg.Jobs.HoldPollInterval,
	}, logger.With("component", "jobs"))

	scheduler := schedule.NewEngine(dispatcher, orchestrator, st,
		cfg.Scheduler.SweepInterval, cfg.Scheduler.DispatchTimeout,
		logger.With("component", "scheduler"))

	g := &Gateway{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		verifier:     verifier,
		registry:     registry,
		dispatcher:   dispatcher,
		monitor:      monitor,
		orchestrator: orchestrator,
		scheduler:    scheduler,
		serverID:     serverID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	// Liveness-driven offline transitions fail in-flight commands, surface to
	// the job orchestrator, and tear down a dead-but-open session.
	monitor.OnOffline(dispatcher.FailAgent)
	monitor.OnOffline(orchestrator.NoteAgentOffline)
	monitor.OnOffline(func(agentID string) {
		if sess, ok := registry.Lookup(agentID); ok {
			_ = sess.Close()
		}
		g.persistAgentStatus(agentID, string(agent.StatusOffline))
	})

	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: g.routes(),
	}
	return g, nil
}

// Run starts the sweeps and the HTTP server and blocks until ctx is
// cancelled, then shuts everything down in dependency order.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.orchestrator.Resume(ctx); err != nil {
		g.logger.Error("resuming jobs failed", "error", err)
	}

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	go g.monitor.Run(sweepCtx)
	go g.scheduler.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", g.cfg.Server.HTTPAddr, "server_id", g.serverID)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("HTTP shutdown error", "error", err)
	}
	stopSweeps()
	g.orchestrator.Stop()
	return g.store.Close()
}

// onConnect registers the session and flips the agent online. When the
// registration evicts a previous session, commands still pending on that
// session resolve as disconnected immediately instead of waiting out their
// deadlines.
func (g *Gateway) onConnect(sess *wsSession, reg protocol.RegisterPayload) {
	if evicted := g.registry.Register(sess); evicted != nil {
		g.dispatcher.FailSession(sess.AgentID(), evicted)
	}
	g.monitor.MarkOnline(sess.AgentID())

	now := time.Now().UTC()
	rec := &store.AgentRecord{
		ID:       sess.AgentID(),
		Hostname: reg.Hostname,
		OS:       reg.OS,
		Version:  reg.Version,
		Status:   string(agent.StatusOnline),
		LastSeen: &now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := store.WithRetry(ctx, g.logger, "upsert agent record", func() error {
		return g.store.UpsertAgent(ctx, rec)
	})
	if err != nil {
		g.logger.Error("persisting agent record failed", "agent_id", sess.AgentID(), "error", err)
	}

	welcome, err := protocol.NewEnvelope(protocol.TypeWelcome, sess.AgentID(), "",
		protocol.WelcomePayload{ServerID: g.serverID, AgentID: sess.AgentID()})
	if err == nil {
		_ = sess.Send(welcome)
	}
}

// onMessage routes one decoded frame from an agent session into the core.
func (g *Gateway) onMessage(sess *wsSession, env *protocol.Envelope) {
	agentID := sess.AgentID()

	switch env.Type {
	case protocol.TypeHeartbeat:
		var hb protocol.HeartbeatPayload
		if len(env.Payload) > 0 {
			if err := env.DecodePayload(&hb); err != nil {
				g.logger.Warn("malformed heartbeat", "agent_id", agentID, "error", err)
				return
			}
		}
		g.monitor.Heartbeat(agentID)
		g.logger.Debug("heartbeat received",
			"agent_id", agentID,
			"cpu_percent", hb.CPUPercent,
			"memory_percent", hb.MemoryPercent,
		)

	case protocol.TypeResult:
		var res protocol.ResultPayload
		if err := env.DecodePayload(&res); err != nil {
			g.logger.Warn("malformed result", "agent_id", agentID, "error", err)
			return
		}
		g.dispatcher.HandleResult(agentID, env.CorrelationID, &res, "")

	case protocol.TypeError:
		var remote protocol.ErrorPayload
		if err := env.DecodePayload(&remote); err != nil {
			g.logger.Warn("malformed error frame", "agent_id", agentID, "error", err)
			return
		}
		g.dispatcher.HandleResult(agentID, env.CorrelationID, nil, remote.Message)

	default:
		g.logger.Warn("unknown frame type", "agent_id", agentID, "type", env.Type)
	}
}

// onDisconnect removes the session and, if this session was still the live
// one (not already evicted by a replacement), fails its in-flight commands
// and flips the agent offline.
func (g *Gateway) onDisconnect(sess *wsSession) {
	agentID := sess.AgentID()
	if !g.registry.Remove(agentID, sess) {
		// An evicted session's late disconnect must not touch the newer one.
		return
	}
	g.dispatcher.FailAgent(agentID)
	g.monitor.MarkOffline(agentID)
}

// persistAgentStatus mirrors a liveness transition into the durable record.
func (g *Gateway) persistAgentStatus(agentID, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := store.WithRetry(ctx, g.logger, "update agent status", func() error {
		err := g.store.UpdateAgentStatus(ctx, agentID, status, time.Now().UTC())
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		g.logger.Error("persisting agent status failed", "agent_id", agentID, "error", err)
	}
}

// RegisterAgent provisions or updates the durable agent record. Exposed to
// the HTTP facade; the live connection arrives separately over WebSocket.
func (g *Gateway) RegisterAgent(ctx context.Context, rec *store.AgentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("agent ID is required")
	}
	if rec.Status == "" {
		rec.Status = string(g.monitor.Status(rec.ID))
	}
	return store.WithRetry(ctx, g.logger, "register agent", func() error {
		return g.store.UpsertAgent(ctx, rec)
	})
}

// RecordHeartbeat accepts a heartbeat outside the WebSocket path.
func (g *Gateway) RecordHeartbeat(ctx context.Context, agentID string, hb protocol.HeartbeatPayload) error {
	if agentID == "" {
		return fmt.Errorf("agent ID is required")
	}
	g.monitor.Heartbeat(agentID)
	return store.WithRetry(ctx, g.logger, "record heartbeat", func() error {
		err := g.store.UpdateAgentStatus(ctx, agentID, string(g.monitor.Status(agentID)), time.Now().UTC())
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
}
