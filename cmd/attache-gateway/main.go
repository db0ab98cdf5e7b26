// ABOUTME: Entry point for the attache-gateway chat server
// ABOUTME: Wires store, engine, and capability clients behind the HTTP API

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/hallryn/attache/internal/api"
	"github.com/hallryn/attache/internal/auth"
	"github.com/hallryn/attache/internal/budget"
	"github.com/hallryn/attache/internal/config"
	"github.com/hallryn/attache/internal/engine"
	"github.com/hallryn/attache/internal/extract"
	"github.com/hallryn/attache/internal/history"
	"github.com/hallryn/attache/internal/model"
	"github.com/hallryn/attache/internal/retrieval"
	"github.com/hallryn/attache/internal/stage"
	"github.com/hallryn/attache/internal/store"
	"github.com/hallryn/attache/internal/tokens"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _   _             _
  __ _| |_| |_ __ _  ___| |__   ___
 / _' | __| __/ _' |/ __| '_ \ / _ \
| (_| | |_| || (_| | (__| | | |  __/
 \__,_|\__|\__\__,_|\___|_| |_|\___|
`

// getConfigPath returns the path to the gateway config file.
// Priority: ATTACHE_CONFIG env var > XDG_CONFIG_HOME/attache/gateway.yaml > ~/.config/attache/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ATTACHE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "attache", "gateway.yaml")
}

// getDataPath returns the path to the attache data directory.
// Priority: XDG_DATA_HOME/attache > ~/.local/share/attache
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "attache")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: attache-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the gateway server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check gateway health")
		fmt.Println("  version  Print version")
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
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
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
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Model:     %s\n", cfg.Model.Model)
	if cfg.Retrieval.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Retrieval: ")
		cyan.Println(cfg.Retrieval.BaseURL)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ▶ Auth:      disabled")
	}

	fmt.Println()

	logger.Info("starting attache-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"model", cfg.Model.Model,
	)

	// Storage
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("ATTACHE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	// Services
	log := history.New(st, logger)
	stg := stage.New(st, logger)
	enforcer := budget.New(tokens.Estimator{}, cfg.Chat.HistoryTokenBudget)

	modelClient := model.NewClient(model.Config{
		BaseURL:     cfg.Model.BaseURL,
		APIKey:      cfg.Model.APIKey,
		Model:       cfg.Model.Model,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Timeout:     cfg.Model.Timeout,
	}, logger)

	var retriever engine.Retriever
	if cfg.Retrieval.Enabled {
		retriever = retrieval.NewClient(retrieval.Config{
			BaseURL: cfg.Retrieval.BaseURL,
			APIKey:  cfg.Retrieval.APIKey,
			Limit:   cfg.Retrieval.Limit,
		}, logger)
	}

	var extractor extract.Extractor = extract.Plain{}
	if cfg.Extraction.BaseURL != "" {
		extractor = extract.NewClient(extract.Config{BaseURL: cfg.Extraction.BaseURL}, logger)
	}

	eng := engine.New(log, stg, enforcer, modelClient, retriever, cfg.Chat.SystemPrompt, logger)

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	apiServer := api.NewServer(eng, log, stg, st, extractor, cfg.Uploads.Dir, verifier, logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: apiServer.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("attache-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "attache.db")
	defaultUploadsDir := filepath.Join(defaultDataPath, "uploads")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8000")

	// Database
	fmt.Println("\n--- Storage Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)
	uploadsDir := prompt(reader, "Uploads directory", defaultUploadsDir)

	// Model
	fmt.Println("\n--- Model Configuration ---")
	modelBaseURL := prompt(reader, "Model base URL (OpenAI-compatible)", "http://localhost:8001/v1")
	modelName := prompt(reader, "Model name", "qwen/qwen-2.5-7b-instruct")

	// Retrieval
	fmt.Println("\n--- Retrieval Configuration ---")
	enableRetrieval := prompt(reader, "Enable retrieval?", "no")
	retrievalEnabled := strings.ToLower(enableRetrieval) == "yes" || strings.ToLower(enableRetrieval) == "y"
	var retrievalBaseURL string
	if retrievalEnabled {
		retrievalBaseURL = prompt(reader, "Retrieval base URL", "http://localhost:8002")
	}

	// Auth
	fmt.Println("\n--- Auth Configuration ---")
	enableAuth := prompt(reader, "Require JWT auth?", "no")
	var jwtSecret string
	if strings.ToLower(enableAuth) == "yes" || strings.ToLower(enableAuth) == "y" {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# attache-gateway configuration\n")
	cfg.WriteString("# Generated by attache-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("uploads:\n")
	cfg.WriteString(fmt.Sprintf("  dir: \"%s\"\n", uploadsDir))
	cfg.WriteString("\n")

	cfg.WriteString("model:\n")
	cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", modelBaseURL))
	cfg.WriteString(fmt.Sprintf("  model: \"%s\"\n", modelName))
	cfg.WriteString("  temperature: 0.7\n")
	cfg.WriteString("  max_tokens: 2000\n")
	cfg.WriteString("  timeout: \"60s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("retrieval:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", retrievalEnabled))
	if retrievalEnabled {
		cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", retrievalBaseURL))
		cfg.WriteString("  limit: 3\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("chat:\n")
	cfg.WriteString("  system_prompt: \"You are a helpful assistant.\"\n")
	cfg.WriteString("  history_token_budget: 30000\n")
	cfg.WriteString("\n")

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
		cfg.WriteString("\n")
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directories exist
	for _, dir := range []string{filepath.Dir(dbPath), uploadsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  attache-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
