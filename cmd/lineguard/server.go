package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/lineguard/internal/api"
	"github.com/kalambet/lineguard/internal/audit"
	"github.com/kalambet/lineguard/internal/catalog"
	"github.com/kalambet/lineguard/internal/classify"
	"github.com/kalambet/lineguard/internal/config"
	"github.com/kalambet/lineguard/internal/ingest"
	"github.com/kalambet/lineguard/internal/llm"
	"github.com/kalambet/lineguard/internal/pipeline"
	"github.com/kalambet/lineguard/internal/pricefeed"
	"github.com/kalambet/lineguard/internal/pricing"
	"github.com/kalambet/lineguard/internal/retrieval"
	"github.com/kalambet/lineguard/internal/rules"
	"github.com/kalambet/lineguard/internal/scan"
	"github.com/kalambet/lineguard/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the lineguard server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running lineguard server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lineguard system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "lineguard.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "lineguard version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Refuse to double-start: probe the health endpoint before claiming the
	// PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("lineguard is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("lineguard is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Semantic matching and the LLM content screen both need the local
	// runtime; everything degrades to lexical/keyword paths without it.
	llmClient := llm.New(cfg.Ollama.BaseURL)
	var embedder *retrieval.Embedder
	var index retrieval.Index
	if cfg.Ollama.Enabled {
		if !llmClient.IsRunning(ctx) {
			logger.Warn("LLM runtime not reachable, semantic matching and content screen degraded",
				"base_url", cfg.Ollama.BaseURL)
		}
		embedder = retrieval.NewEmbedder(llmClient, cfg.Ollama.EmbedModel)
		index = retrieval.NewSQLiteIndex(store.DB())
	}

	matcher := catalog.NewMatcher(store, embedder, index, catalog.DefaultConfig())

	var feed pricing.Feed
	if cfg.Pricefeed.Enabled {
		timeout, err := time.ParseDuration(cfg.Pricefeed.Timeout)
		if err != nil {
			logger.Warn("invalid pricefeed timeout, using default 10s",
				"value", cfg.Pricefeed.Timeout, "error", err)
			timeout = 10 * time.Second
		}
		feed = pricefeed.New(cfg.Pricefeed.BaseURL, timeout, logger)
	}
	validator := pricing.NewValidator(store, feed, pricing.DefaultConfig())

	classifyCfg := classify.DefaultConfig()
	classifyCfg.Enabled = cfg.Ollama.Enabled
	classifyCfg.Model = cfg.Ollama.ChatModel
	classifier := classify.New(llmClient, logger, classifyCfg)

	scanCfg := scan.DefaultConfig()
	scanCfg.Enabled = cfg.Scan.Enabled
	scanCfg.UsageThreshold = cfg.Scan.UsageThreshold
	scanner := scan.NewScanner(store, logger, scanCfg)

	recorder := audit.NewRecorder(store, logger)

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.Currency = cfg.Pipeline.Currency
	pipeCfg.MaxAttempts = cfg.Pipeline.MaxAttempts
	orch := pipeline.NewOrchestrator(
		store, matcher, validator, rules.NewEngine(store), classifier,
		recorder, logger, pipeCfg,
	)

	deps := api.Deps{
		Store:        store,
		Orchestrator: orch,
		Matcher:      matcher,
		Validator:    validator,
		Classifier:   classifier,
		Scanner:      scanner,
		Recorder:     recorder,
		Token:        cfg.Server.APIToken,
		DryRun:       cfg.Pipeline.DryRun,
	}

	// Start the background ingest worker.
	pollInterval, err := time.ParseDuration(cfg.Ingest.PollInterval)
	if err != nil {
		logger.Warn("invalid ingest poll interval, using default 5s",
			"value", cfg.Ingest.PollInterval, "error", err)
		pollInterval = 5 * time.Second
	}
	worker := ingest.NewWorker(store, classifier, matcher, embedder, index, logger, pollInterval)
	go worker.Run(ctx)

	// Start the MCP server on stdio.
	stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("MCP stdio server error", "error", err)
		}
	}()
	logger.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "lineguard listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("lineguard is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop lineguard (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to lineguard (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	serverUp := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			serverUp = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Ollama.Enabled {
		if llm.New(cfg.Ollama.BaseURL).IsRunning(ctx) {
			printStatus("LLM runtime", "running at %s", cfg.Ollama.BaseURL)
		} else {
			printStatus("LLM runtime", "not running")
		}
		printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
		printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	} else {
		printStatus("LLM runtime", "disabled")
	}

	if cfg.Scan.Enabled {
		printStatus("Safety scan", "enabled (usage threshold %d)", cfg.Scan.UsageThreshold)
	} else {
		printStatus("Safety scan", "disabled")
	}

	if serverUp {
		if c, err := newAPIClient(); err == nil {
			if sessResp, err := c.get(ctx, "/v1/sessions?limit=100"); err == nil {
				var sessions []json.RawMessage
				if decodeJSON(sessResp, &sessions) == nil {
					printStatus("Recent sessions", "%d", len(sessions))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
