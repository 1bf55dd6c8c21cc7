// ABOUTME: Simulated fleet agent for manual and load testing.
// ABOUTME: Connects over WebSocket, heartbeats, and answers dispatched commands.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asedra/dexagents/internal/protocol"
)

func main() {
	server := flag.String("server", "ws://localhost:8080/ws/agent", "server WebSocket URL")
	agentID := flag.String("id", "fake-agent-1", "agent identifier")
	token := flag.String("token", os.Getenv("DEX_TOKEN"), "bearer token for the handshake")
	heartbeat := flag.Duration("heartbeat", 5*time.Second, "heartbeat interval")
	workDelay := flag.Duration("work-delay", 500*time.Millisecond, "simulated command duration")
	failEvery := flag.Int("fail-every", 0, "report failure for every Nth command (0 = never)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("agent_id", *agentID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for ctx.Err() == nil {
		if err := run(ctx, *server, *agentID, *token, *heartbeat, *workDelay, *failEvery, logger); err != nil {
			logger.Error("connection lost, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}
}

func run(ctx context.Context, server, agentID, token string, heartbeat, workDelay time.Duration, failEvery int, logger *slog.Logger) error {
	url := server + "?token=" + token
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", server, err)
	}
	defer conn.Close()

	hostname, _ := os.Hostname()
	reg, err := protocol.NewEnvelope(protocol.TypeRegister, agentID, "", protocol.RegisterPayload{
		Hostname: hostname,
		OS:       runtime.GOOS,
		Version:  "fake-0.1",
	})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(reg); err != nil {
		return fmt.Errorf("sending register frame: %w", err)
	}
	logger.Info("connected", "server", server)

	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	// Writes are funneled through one goroutine; the reader never writes.
	outbox := make(chan *protocol.Envelope, 16)
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case env := <-outbox:
				if err := conn.WriteJSON(env); err != nil {
					return
				}
			case <-ticker.C:
				hb, err := protocol.NewEnvelope(protocol.TypeHeartbeat, agentID, "", protocol.HeartbeatPayload{
					CPUPercent:    rand.Float64() * 100,
					MemoryPercent: rand.Float64() * 100,
					DiskPercent:   rand.Float64() * 100,
				})
				if err == nil {
					if err := conn.WriteJSON(hb); err != nil {
						return
					}
				}
			}
		}
	}()

	commandCount := 0
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}

		switch env.Type {
		case protocol.TypeWelcome:
			logger.Info("registration acknowledged")

		case protocol.TypeCommand:
			var cmd protocol.CommandPayload
			if err := env.DecodePayload(&cmd); err != nil {
				logger.Warn("malformed command", "error", err)
				continue
			}
			commandCount++
			logger.Info("executing command", "command", cmd.Command, "correlation_id", env.CorrelationID)

			corrID := env.CorrelationID
			count := commandCount
			go func() {
				time.Sleep(workDelay)
				res := protocol.ResultPayload{Success: true, Output: "ok: " + cmd.Command}
				if failEvery > 0 && count%failEvery == 0 {
					res = protocol.ResultPayload{Success: false, Error: "simulated failure", ExitCode: 1}
				}
				out, err := protocol.NewEnvelope(protocol.TypeResult, agentID, corrID, res)
				if err != nil {
					return
				}
				select {
				case outbox <- out:
				case <-ctx.Done():
				}
			}()

		default:
			raw, _ := json.Marshal(env)
			logger.Warn("unexpected frame", "frame", string(raw))
		}
	}
}
