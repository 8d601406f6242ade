package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/harborhq/harbor/internal/agents"
	"github.com/harborhq/harbor/internal/audit"
	"github.com/harborhq/harbor/internal/bridge"
	"github.com/harborhq/harbor/internal/bus"
	"github.com/harborhq/harbor/internal/config"
	"github.com/harborhq/harbor/internal/consent"
	"github.com/harborhq/harbor/internal/gateway"
	"github.com/harborhq/harbor/internal/mcp"
	otelPkg "github.com/harborhq/harbor/internal/otel"
	"github.com/harborhq/harbor/internal/permissions"
	"github.com/harborhq/harbor/internal/session"
	"github.com/harborhq/harbor/internal/storage"
	"github.com/harborhq/harbor/internal/sweep"
	"github.com/harborhq/harbor/internal/tabs"
	"github.com/harborhq/harbor/internal/telemetry"
	"github.com/harborhq/harbor/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Start the daemon with the terminal consent UI
  %s -daemon         Start headless (no TUI, logs to stdout)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  HARBOR_HOME            Data directory (default: ~/.harbor)
  HARBOR_NO_TUI          Set to 1 to disable the terminal UI
  HARBOR_BIND_ADDR       Override the gateway bind address
  HARBOR_BRIDGE_COMMAND  Native LLM helper executable
  HARBOR_BRIDGE_URL     HTTP fallback endpoint for the helper
`)
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("HARBOR_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run headless (no terminal UI, logs to stdout)")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}
	// File-only logs in interactive mode so the consent UI stays clean.
	quietLogs := interactive

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if cfg.AuditLog {
		if err := audit.Init(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_AUDIT_INIT", err)
		}
		defer func() { _ = audit.Close() }()
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	exporter := "otlp-http"
	if cfg.OTel.Stdout {
		exporter = "stdout"
	}
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: "harbord",
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	store, err := storage.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	broker := consent.NewBroker(eventBus, logger)
	perms := permissions.NewStore(permissions.Config{
		KV:       store,
		Bus:      eventBus,
		Prompter: broker,
		Logger:   logger,
	})
	sessions := session.NewRegistry(session.RegistryConfig{Bus: eventBus, Logger: logger})
	validator := session.NewValidator(perms)
	agentReg := agents.NewRegistry(agents.RegistryConfig{Perms: perms, Bus: eventBus, Logger: logger})
	orchestrator := agents.NewOrchestrator(agentReg)
	remoteReg := agents.NewRemoteRegistry(nil, logger)
	tabManager := tabs.NewManager(logger)

	var bridgeClient *bridge.Client
	if cfg.Bridge.Command != "" || cfg.Bridge.BaseURL != "" {
		bridgeClient = bridge.New(bridge.Config{
			Command: cfg.Bridge.Command,
			Args:    cfg.Bridge.Args,
			BaseURL: cfg.Bridge.BaseURL,
			Bus:     eventBus,
			Logger:  logger,
		})
		if err := bridgeClient.Connect(); err != nil {
			// The daemon is useful without a model; the client keeps
			// retrying in the background.
			logger.Warn("bridge connect failed, continuing without LLM", "error", err)
		}
		defer func() { _ = bridgeClient.Close() }()
	} else {
		logger.Info("no bridge configured, LLM operations disabled")
	}

	hostCfg := mcp.HostConfig{KV: store, Bus: eventBus, Logger: logger}
	if bridgeClient != nil {
		hostCfg.Syncer = bridgeClient
	}
	toolHost := mcp.NewHost(hostCfg)
	if err := toolHost.LoadPersisted(ctx); err != nil {
		logger.Warn("failed to restore persisted tool servers", "error", err)
	}
	loadManifests(ctx, toolHost, cfg.ManifestPath(), logger)
	defer toolHost.StopAll(context.Background())

	confWatcher := config.NewWatcher(cfg.HomeDir, cfg.ManifestPath(), logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			switch filepath.Base(ev.Path) {
			case "config.yaml":
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("config.yaml reload failed", "error", err)
					break
				}
				if newCfg.Fingerprint() != cfg.Fingerprint() {
					logger.Info("config.yaml changed; bind address and bridge settings apply on restart")
				}
			default:
				if strings.HasSuffix(ev.Path, ".json") {
					loadManifests(ctx, toolHost, cfg.ManifestPath(), logger)
				}
			}
		}
	}()

	sweeper := sweep.NewScheduler(sweep.Config{Logger: logger})
	mustAdd := func(job sweep.Job) {
		if err := sweeper.Add(job); err != nil {
			fatalStartup(logger, "E_SWEEP_SCHEDULE", err)
		}
	}
	mustAdd(sweep.Job{Name: "expired-grants", Schedule: cfg.Sweep.GrantsSchedule, Run: func(ctx context.Context) {
		if err := perms.CleanupExpiredGrants(ctx); err != nil {
			logger.Warn("grant sweep failed", "error", err)
		}
	}})
	mustAdd(sweep.Job{Name: "idle-sessions", Schedule: cfg.Sweep.SessionsSchedule, Run: func(context.Context) {
		sessions.Sweep()
	}})
	if cfg.Sweep.PingRemoteAgents {
		mustAdd(sweep.Job{Name: "remote-ping", Schedule: cfg.Sweep.RemoteSchedule, Run: remoteReg.PingAll})
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	gw := gateway.New(gateway.Config{
		Perms:             perms,
		Sessions:          sessions,
		Validator:         validator,
		Agents:            agentReg,
		Orchestrator:      orchestrator,
		Remote:            remoteReg,
		Tabs:              tabManager,
		Host:              toolHost,
		Bridge:            bridgeClient,
		Consent:           broker,
		Bus:               eventBus,
		Logger:            logger,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			err = fmt.Errorf("%w\n\n  Another harbord may be running. Stop it or change bind_addr in config.yaml.", err)
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	startedAt := time.Now()
	var lastPrompt atomic.Value
	if interactive {
		promptSub := eventBus.Subscribe(bus.TopicPermissionPrompt)
		go func() {
			for ev := range promptSub.Ch() {
				if pe, ok := ev.Payload.(consent.PromptEvent); ok && !pe.Closed {
					lastPrompt.Store(pe.Origin)
				}
			}
		}()
		provider := func() tui.Snapshot {
			snap := tui.Snapshot{
				Sessions: sessions.Count(),
				Agents:   agentReg.Count(),
				Servers:  toolHost.RunningCount(),
				Uptime:   time.Since(startedAt),
			}
			if bridgeClient != nil {
				snap.BridgeUp = bridgeClient.State() == bridge.StateConnected
			}
			if v, ok := lastPrompt.Load().(string); ok {
				snap.LastPrompt = v
			}
			return snap
		}
		go func() {
			if err := tui.Run(ctx, broker, eventBus, provider); err != nil && ctx.Err() == nil {
				logger.Error("terminal UI exited with error", "error", err)
			}
			stop()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// loadManifests registers and starts every *.json manifest in dir. Bad
// manifests are skipped with a warning so one broken file cannot block the
// rest.
func loadManifests(ctx context.Context, host *mcp.Host, dir string, logger *slog.Logger) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("cannot create manifest dir", "dir", dir, "error", err)
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("cannot read manifest dir", "dir", dir, "error", err)
		return
	}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read manifest", "path", path, "error", err)
			continue
		}
		var m mcp.Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			logger.Warn("invalid manifest json", "path", path, "error", err)
			continue
		}
		if err := host.Register(ctx, &m); err != nil {
			logger.Warn("manifest rejected", "path", path, "error", err)
			continue
		}
		if err := host.Start(ctx, m.ID); err != nil {
			logger.Warn("tool server failed to start", "server", m.ID, "error", err)
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", "", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
