package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fabula-ai/fabula/internal/agents"
	"github.com/fabula-ai/fabula/internal/config"
	"github.com/fabula-ai/fabula/internal/costs"
	"github.com/fabula-ai/fabula/internal/engine"
	"github.com/fabula-ai/fabula/internal/logging"
	"github.com/fabula-ai/fabula/internal/panel"
	"github.com/fabula-ai/fabula/internal/scheduler"
	"github.com/fabula-ai/fabula/internal/secrets"
	"github.com/fabula-ai/fabula/internal/store"
	"github.com/fabula-ai/fabula/internal/streaming"
	"github.com/fabula-ai/fabula/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fabula:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	project, err := config.Load(cfg.ProjectPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	// Resolve ${{secrets.KEY}} references in agent environments up front:
	// a missing secret should fail startup, not the first run.
	if cfg.VaultPassphrase != "" {
		vault, vErr := secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if vErr != nil {
			return vErr
		}
		for _, agent := range project.Agents {
			env, rErr := secrets.ResolveEnv(ctx, vault, agent.Env)
			if rErr != nil {
				return rErr
			}
			agent.Env = env
		}
	}

	hub := streaming.NewMemoryHub()
	ledger := costs.NewLedger(st, project.Agents, logger)
	sessions, err := agents.NewSessionRegistry(st, project.Agents, logger)
	if err != nil {
		return err
	}

	notifier := &lazyNotifier{}
	bridge := engine.NewBridge(notifier, logger)
	defer bridge.Close()

	coordinator := engine.NewCoordinator(engine.Deps{
		Workflow: project.Workflow,
		Agents:   project.Agents,
		Store:    st,
		DataDir:  cfg.DataDir,
		Hub:      hub,
		Bridge:   bridge,
		Gate:     engine.NewGate(logger),
		Ledger:   ledger,
		Sessions: sessions,
		Invoker:  agents.NewProcessInvoker(),
		Pool:     engine.NewPool(cfg.PoolSize),
		Logger:   logger,
	})

	fabulaSrv := mcp.NewFabulaServer(mcp.FabulaServerDeps{
		Coordinator: coordinator,
		Store:       st,
		Ledger:      ledger,
		Workflow:    project.Workflow,
		DataDir:     cfg.DataDir,
		Logger:      logger,
	})
	notifier.set(mcp.NewMCPNotifier(fabulaSrv.MCPServer(), fabulaSrv.Sessions()))

	if len(project.Schedules) > 0 {
		specs := make([]scheduler.Schedule, 0, len(project.Schedules))
		for _, sc := range project.Schedules {
			specs = append(specs, scheduler.Schedule{Name: sc.Name, Cron: sc.Cron, Story: sc.Story})
		}
		sched, sErr := scheduler.NewScheduler(coordinator, specs, logger)
		if sErr != nil {
			return sErr
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	if cfg.Panel {
		panelSrv := panel.NewPanelServer(panel.PanelDeps{
			Store:      st,
			Controller: coordinator,
			Hub:        hub,
			Ledger:     ledger,
			Workflow:   project.Workflow,
			DataDir:    cfg.DataDir,
			Logger:     logger,
		})
		httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: panelSrv.Handler()}
		go func() {
			logger.Info("panel listening", "addr", cfg.ListenAddr)
			if serveErr := httpSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				logger.Error("panel server failed", "error", serveErr)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("fabula ready",
		"workflow", project.Workflow.Name,
		"agents", len(project.Agents),
		"db", cfg.DBPath,
	)

	// Blocks until stdin closes or a signal arrives; a finishing run gets
	// to complete its current state.
	err = fabulaSrv.Serve(ctx)
	coordinator.Wait()
	return err
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// lazyNotifier breaks the construction cycle between the bridge (needed by
// the coordinator) and the MCP server (which needs the coordinator).
// Notifications before set() are dropped.
type lazyNotifier struct {
	mu    sync.RWMutex
	inner engine.Notifier
}

func (l *lazyNotifier) set(n engine.Notifier) {
	l.mu.Lock()
	l.inner = n
	l.mu.Unlock()
}

func (l *lazyNotifier) Notify(ctx context.Context, note engine.Notification) error {
	l.mu.RLock()
	inner := l.inner
	l.mu.RUnlock()
	if inner == nil {
		return nil
	}
	return inner.Notify(ctx, note)
}
