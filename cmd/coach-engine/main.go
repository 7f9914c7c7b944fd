// ABOUTME: Entry point for the coach-engine conversation server
// ABOUTME: Serves the coaching chat API and manages provider credentials

package main

import (
	"bufio"
	"context"
	"errors"
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
	"github.com/joho/godotenv"

	"github.com/fitlane/coach-engine/internal/api"
	"github.com/fitlane/coach-engine/internal/config"
	"github.com/fitlane/coach-engine/internal/credentials"
	"github.com/fitlane/coach-engine/internal/llm"
	"github.com/fitlane/coach-engine/internal/session"
	"github.com/fitlane/coach-engine/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                       _                         _
  ___ ___   __ _  ___| |__         ___ _ __   __ _(_)_ __   ___
 / __/ _ \ / _' |/ __| '_ \ _____ / _ \ '_ \ / _' | | '_ \ / _ \
| (_| (_) | (_| | (__| | | |_____|  __/ | | | (_| | | | | |  __/
 \___\___/ \__,_|\___|_| |_|      \___|_| |_|\__, |_|_| |_|\___|
                                             |___/
`

// getConfigPath returns the path to the engine config file.
// Priority: COACH_CONFIG env var > XDG_CONFIG_HOME/coach/engine.yaml > ~/.config/coach/engine.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COACH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "engine.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coach", "engine.yaml")
}

// getDataPath returns the path to the coach data directory.
// Priority: XDG_DATA_HOME/coach > ~/.local/share/coach
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coach")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coach-engine <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve              Start the conversation server")
		fmt.Println("  init               Create a new config file interactively")
		fmt.Println("  set-key            Store the provider API key in the database")
		fmt.Println("  health             Check server health")
		os.Exit(1)
	}

	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "set-key":
		err = runSetKey(ctx)
	case "health":
		err = runHealth(ctx)
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

	green.Print("    ▶ ")
	fmt.Printf("Config:      %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:        %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:    %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Model:       %s\n", cfg.Provider.Model)
	green.Print("    ▶ ")
	fmt.Printf("Credentials: %s\n", cfg.Credentials.Source)
	fmt.Println()

	logger.Info("starting coach-engine",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"model", cfg.Provider.Model,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	broker, err := buildBroker(cfg.Credentials, st)
	if err != nil {
		return err
	}
	creds := credentials.NewCache(broker, cfg.Credentials.TTL)

	provider := llm.NewClient(llm.Options{
		BaseURL:   cfg.Provider.BaseURL,
		Model:     cfg.Provider.Model,
		MaxTokens: cfg.Provider.MaxTokens,
		Timeout:   cfg.Provider.Timeout,
	})

	sessions := session.NewManager(st, creds, provider, logger)
	apiServer := api.NewServer(sessions, logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: apiServer.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}

	// Drain outstanding conversation writes before closing the store.
	sessions.Flush()

	logger.Info("shutdown complete")
	return nil
}

// buildBroker selects where the provider API key comes from.
func buildBroker(cfg config.CredentialsConfig, st store.Store) (credentials.Broker, error) {
	switch cfg.Source {
	case config.CredentialSourceEnv:
		return credentials.EnvBroker{Var: cfg.EnvVar}, nil
	case config.CredentialSourceStore:
		return credentials.StoreBroker{Secrets: st, SecretKey: cfg.SecretKey}, nil
	default:
		return nil, fmt.Errorf("unknown credential source %q", cfg.Source)
	}
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

	// Make HTTP request to health endpoint with context
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

// runSetKey stores the provider API key in the secrets table so "serve" can
// run with credentials.source=store. The key is read from a flag or from
// stdin to keep it out of shell history where possible.
//
// Usage: coach-engine set-key [--key VALUE]
func runSetKey(ctx context.Context) error {
	var key string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--key" || arg == "-k":
			if i+1 >= len(args) {
				return fmt.Errorf("--key requires a value")
			}
			key = args[i+1]
			i++
		case strings.HasPrefix(arg, "--key="):
			key = strings.TrimPrefix(arg, "--key=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if key == "" {
		fmt.Print("Provider API key: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading key: %w", err)
		}
		key = strings.TrimSpace(line)
	}
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	if err := st.SetSecret(ctx, cfg.Credentials.SecretKey, key); err != nil {
		return fmt.Errorf("storing key: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Stored provider key as %q in %s\n", cfg.Credentials.SecretKey, cfg.Database.Path)
	fmt.Println()
	fmt.Println("  To use it, set in your config:")
	fmt.Println("    credentials:")
	fmt.Println("      source: \"store\"")
	fmt.Printf("      secret_key: %q\n", cfg.Credentials.SecretKey)

	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coach-engine configuration setup")
	fmt.Println("================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "engine.db")

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
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8080")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Provider
	fmt.Println("\n--- Provider Configuration ---")
	model := prompt(reader, "Model", "claude-sonnet-4-20250514")
	maxTokens := prompt(reader, "Max tokens per reply", "1024")
	timeout := prompt(reader, "Request timeout", "60s")

	// Credentials
	fmt.Println("\n--- Credentials Configuration ---")
	credSource := prompt(reader, "Key source (env/store)", "env")
	var envVar string
	if strings.ToLower(credSource) == "env" {
		envVar = prompt(reader, "Environment variable", "ANTHROPIC_API_KEY")
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# coach-engine configuration\n")
	cfg.WriteString("# Generated by coach-engine init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("provider:\n")
	cfg.WriteString(fmt.Sprintf("  model: \"%s\"\n", model))
	cfg.WriteString(fmt.Sprintf("  max_tokens: %s\n", maxTokens))
	cfg.WriteString(fmt.Sprintf("  timeout: \"%s\"\n", timeout))
	cfg.WriteString("\n")

	cfg.WriteString("credentials:\n")
	cfg.WriteString(fmt.Sprintf("  source: \"%s\"\n", strings.ToLower(credSource)))
	if envVar != "" {
		cfg.WriteString(fmt.Sprintf("  env_var: \"%s\"\n", envVar))
	}
	cfg.WriteString("  ttl: \"1h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  coach-engine serve\n")

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
