package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/leiMizzou/cc-wf-studio/internal/agent"
	"github.com/leiMizzou/cc-wf-studio/internal/api"
	"github.com/leiMizzou/cc-wf-studio/internal/config"
	"github.com/leiMizzou/cc-wf-studio/internal/refine"
	"github.com/leiMizzou/cc-wf-studio/internal/session"
	"github.com/leiMizzou/cc-wf-studio/internal/skills"
	"github.com/leiMizzou/cc-wf-studio/internal/storage"
	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

// runRetention is how long refinement runs are kept in the audit log.
const runRetention = 30 * 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the wfstudio server (foreground)",
	Long: `Start the HTTP API and, unless --no-mcp is given, an MCP server on
stdin/stdout. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noMCP, _ := cmd.Flags().GetBool("no-mcp")
		return runServer(!noMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running wfstudio server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show wfstudio status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("no-mcp", false, "do not serve MCP over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "wfstudio.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// stack is the refinement pipeline shared by serve and refine.
type stack struct {
	store    *storage.Store
	agents   *agent.Supervisor
	sessions *session.Manager
}

func newStack(cfg config.Config, logger *slog.Logger) (*stack, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	agents := agent.New(agent.ConfigLocator{
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.ArgList(),
	}, cfg.Agent.GracePeriod).WithLogger(logger)

	catalog := skills.NewDirCatalog(cfg.Skills.UserDir, cfg.Skills.ProjectDir, cfg.Skills.CacheTTL)
	coordinator := refine.New(agents, workflow.EmbeddedSchema{}, catalog, refine.Options{
		Timeout:   cfg.Refine.Timeout,
		MaxSkills: cfg.Refine.MaxSkills,
		Logger:    logger,
	})
	sessions := session.NewManager(coordinator, session.Options{
		Timeout:       cfg.Refine.Timeout,
		MaxIterations: cfg.Refine.MaxIterations,
		Repository:    store,
		Canceller:     agents,
		Logger:        logger,
	})
	return &stack{store: store, agents: agents, sessions: sessions}, nil
}

// close cancels live requests, waits for their outcomes to be recorded, then
// closes storage.
func (s *stack) close(ctx context.Context) error {
	var errs []error
	if err := s.sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down sessions: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing storage: %w", err))
	}
	return errors.Join(errs...)
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "wfstudio version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	apiToken, err := config.GetAPIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice. The health endpoint is the source of truth; the
	// PID file may be stale.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("wfstudio is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("wfstudio is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStack(cfg, logger)
	if err != nil {
		return err
	}

	if n, err := st.store.PruneRuns(time.Now().Add(-runRetention)); err != nil {
		slog.Warn("pruning old runs", "error", err)
	} else if n > 0 {
		slog.Info("pruned old runs", "count", n)
	}

	handler := api.NewHandler(api.Deps{
		Sessions:  st.sessions,
		Records:   st.store,
		Processes: st.agents,
		Token:     apiToken,
		RateLimit: cfg.API.RateLimit,
		Logger:    logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Sessions: st.sessions, Records: st.store})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("wfstudio listening", "addr", addr, "timeout", cfg.Refine.Timeout, "agent", cfg.Agent.Command)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	}

	// Sessions go first: that ends event streams, which would otherwise hold
	// the HTTP shutdown open. Storage closes last.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second+cfg.Agent.GracePeriod)
	defer cancel()
	errs := []error{serveErr}
	if err := st.sessions.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down sessions: %w", err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down http server: %w", err))
	}
	if err := st.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing storage: %w", err))
	}
	return errors.Join(errs...)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("wfstudio is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop wfstudio (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to wfstudio (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if path, err := exec.LookPath(cfg.Agent.Command); err != nil {
		printStatus("Agent", "%s (not found on PATH)", cfg.Agent.Command)
	} else {
		printStatus("Agent", "%s", path)
	}
	printStatus("Timeout", "%s", cfg.Refine.Timeout)
	printStatus("Max iterations", "%d", cfg.Refine.MaxIterations)

	if running {
		token, tokenErr := config.GetAPIToken(cfg)
		if tokenErr == nil {
			c := &apiClient{baseURL: serverURL, token: token, httpClient: client}
			if r, err := c.get(context.Background(), "/status"); err == nil {
				var st struct {
					Conversations []string `json:"conversations"`
					Running       []string `json:"running"`
				}
				if decodeJSON(r, &st) == nil {
					printStatus("Open conversations", "%d", len(st.Conversations))
					printStatus("Running agents", "%d", len(st.Running))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
