// ABOUTME: Entry point for the dex-server fleet control plane.
// ABOUTME: Manages agent connections, installation jobs, and scheduled tasks.

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/asedra/dexagents/internal/auth"
	"github.com/asedra/dexagents/internal/config"
	"github.com/asedra/dexagents/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _                                      _
  __| | _____  __      ___  ___ _ ____   __(_)_ __
 / _' |/ _ \ \/ /____ / __|/ _ \ '__\ \ / /| | '__|
| (_| |  __/>  <_____|\__ \  __/ |   \ V / | | |
 \__,_|\___/_/\_\     |___/\___|_|    \_/  |_|_|
`

// getConfigPath returns the path to the server config file.
// Priority: DEX_CONFIG env var > XDG_CONFIG_HOME/dexagents/server.yaml > ~/.config/dexagents/server.yaml
func getConfigPath() string {
	if envPath := os.Getenv("DEX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "server.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "dexagents", "server.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: dex-server <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                 Start the control-plane server")
		fmt.Println("  init                  Create a new config file")
		fmt.Println("  token --sub SUBJECT   Issue a JWT for an agent or operator")
		fmt.Println("  health                Check server health")
		fmt.Println("  agents                List fleet agents")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	color.Cyan(banner)
	fmt.Printf("dex-server %s\n\n", version)

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	serverID := uuid.New().String()[:8]
	gw, err := gateway.New(cfg, serverID, logger)
	if err != nil {
		return err
	}

	return gw.Run(ctx)
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

const configTemplate = `server:
  http_addr: ":8080"

database:
  path: %q

auth:
  jwt_secret: %q

agents:
  liveness_window: 15s
  sweep_interval: 5s

jobs:
  max_retries: 3
  download_timeout: 2m
  install_timeout: 5m
  verify_timeout: 30s
  hold_poll_interval: 10s

scheduler:
  sweep_interval: 15s
  dispatch_timeout: 30s

logging:
  level: info
  format: text
`

func runInit() error {
	path := getConfigPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}

	dbPath := filepath.Join(filepath.Dir(path), "dexagents.db")
	content := fmt.Sprintf(configTemplate, dbPath, base64.StdEncoding.EncodeToString(secret))
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	color.Green("Config written to %s", path)
	return nil
}

func runToken() error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	sub := fs.String("sub", "", "subject (agent or operator ID) for the token")
	ttl := fs.Duration("ttl", 365*24*time.Hour, "token lifetime")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	if *sub == "" {
		return fmt.Errorf("--sub is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}

	token, err := verifier.Generate(*sub, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return err
	}

	url := "http://" + cfg.Server.HTTPAddr
	if strings.HasPrefix(cfg.Server.HTTPAddr, ":") {
		url = "http://localhost" + cfg.Server.HTTPAddr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %s", body)
	}

	color.Green("Server healthy: %s", strings.TrimSpace(string(body)))
	return nil
}

func runAgents(ctx context.Context) error {
	fs := flag.NewFlagSet("agents", flag.ExitOnError)
	token := fs.String("token", os.Getenv("DEX_TOKEN"), "operator bearer token")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return err
	}

	url := "http://localhost" + cfg.Server.HTTPAddr
	if !strings.HasPrefix(cfg.Server.HTTPAddr, ":") {
		url = "http://" + cfg.Server.HTTPAddr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/api/agents", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+*token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("listing agents failed: %s", body)
	}

	var agents []struct {
		ID        string `json:"id"`
		Hostname  string `json:"hostname"`
		Status    string `json:"status"`
		Connected bool   `json:"connected"`
		LastSeen  string `json:"last_seen"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(agents) == 0 {
		fmt.Println("No agents registered.")
		return nil
	}
	for _, a := range agents {
		statusColor := color.RedString
		if a.Status == "online" {
			statusColor = color.GreenString
		}
		fmt.Printf("%-24s %-16s %s  last_seen=%s\n",
			a.ID, a.Hostname, statusColor("%-11s", a.Status), a.LastSeen)
	}
	return nil
}
