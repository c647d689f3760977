// Grocerbot is a conversational shopping agent for the Freshvill
// grocery catalog.
//
// It fronts an OpenAI-style chat model with function calling, a remote
// catalog tool service, and a set of local tools (preferences, previous
// cart, recipe extraction and search, nutrition facts), and exposes the
// whole loop over a small HTTP
// API. Configuration comes from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	grocerbot serve            Start the API server
//	grocerbot ask <text>       Run a single turn (for testing)
//	grocerbot version          Print version and build information
//	grocerbot -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/freshvill/grocerbot/internal/agent"
	"github.com/freshvill/grocerbot/internal/api"
	"github.com/freshvill/grocerbot/internal/buildinfo"
	"github.com/freshvill/grocerbot/internal/cart"
	"github.com/freshvill/grocerbot/internal/config"
	"github.com/freshvill/grocerbot/internal/llm"
	"github.com/freshvill/grocerbot/internal/mcp"
	"github.com/freshvill/grocerbot/internal/nutrition"
	"github.com/freshvill/grocerbot/internal/prefs"
	"github.com/freshvill/grocerbot/internal/pricecache"
	"github.com/freshvill/grocerbot/internal/prompts"
	"github.com/freshvill/grocerbot/internal/recipes"
	"github.com/freshvill/grocerbot/internal/search"
	"github.com/freshvill/grocerbot/internal/session"
	"github.com/freshvill/grocerbot/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package relies on package-level globals that get in the way of
// calling run concurrently from tests, and the surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: grocerbot ask <text>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Grocerbot - Freshvill shopping agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: grocerbot [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Run a single conversation turn (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/grocerbot/config.yaml, /etc/grocerbot/config.yaml")
	return nil
}

// runAsk boots the full agent, runs one turn for a throwaway user, and
// prints the reply. Useful for smoke tests without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	engine, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	reply := engine.ProcessTurn(ctx, "cli-test", strings.Join(args, " "))
	fmt.Fprintln(stdout, reply)
	return nil
}

// runServe is the primary operating mode: load config, build the
// engine, start the API server, and block until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting grocerbot",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Model.Name,
		"storage", cfg.Storage.Path,
	)

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// all components, including the background purge sweep started by
	// buildEngine.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, engine, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("grocerbot stopped")
	return nil
}

// buildEngine wires every component from config. SQLite-backed stores
// degrade to in-memory equivalents when no path is configured or the
// database cannot be opened; the process stays up either way. The
// returned cleanup closes whatever was opened.
func buildEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agent.Engine, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	systemPrompt := cfg.Model.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = prompts.ShoppingSystemPrompt()
	}

	// Model backend.
	if cfg.Model.BaseURL == "" {
		return nil, nil, fmt.Errorf("model.base_url is required")
	}
	model := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.Model.BaseURL,
		APIKey:  cfg.Model.APIKey,
		Model:   cfg.Model.Name,
		Timeout: time.Duration(cfg.Model.TimeoutSec) * time.Second,
	}, logger)

	// Durable stores. Every store shares one SQLite file; each opens
	// its own connection with WAL and a busy timeout.
	sessionTTL := time.Duration(cfg.Storage.SessionTTLSec) * time.Second
	priceTTL := time.Duration(cfg.Storage.PriceTTLSec) * time.Second
	snapshotTTL := time.Duration(cfg.Cart.SnapshotTTLSec) * time.Second

	var store session.Store = session.NewMemoryStore(systemPrompt, cfg.Storage.MaxSessions, logger)
	var priceL2 *pricecache.SQLiteStore
	var prefStore prefs.Store = prefs.NewMemoryStore()
	var snapshots cart.SnapshotStore = cart.NewMemorySnapshotStore(snapshotTTL)
	var recipeStore *recipes.RecipeStore
	var purgers []expiryPurger

	if cfg.Storage.Path != "" {
		if s, err := session.NewSQLiteStore(cfg.Storage.Path, systemPrompt, sessionTTL, logger); err != nil {
			logger.Warn("session store degraded to memory", "path", cfg.Storage.Path, "error", err)
		} else {
			store = s
			closers = append(closers, s.Close)
			purgers = append(purgers, s)
		}
		if s, err := pricecache.NewSQLiteStore(cfg.Storage.Path, priceTTL); err != nil {
			logger.Warn("price cache degraded to memory only", "path", cfg.Storage.Path, "error", err)
		} else {
			priceL2 = s
			closers = append(closers, s.Close)
			purgers = append(purgers, s)
		}
		if s, err := prefs.NewSQLiteStore(cfg.Storage.Path, logger); err != nil {
			logger.Warn("preference store degraded to memory", "path", cfg.Storage.Path, "error", err)
		} else {
			prefStore = s
			closers = append(closers, s.Close)
		}
		if s, err := cart.NewSQLiteSnapshotStore(cfg.Storage.Path, snapshotTTL); err != nil {
			logger.Warn("cart snapshot store degraded to memory", "path", cfg.Storage.Path, "error", err)
		} else {
			snapshots = s
			closers = append(closers, s.Close)
			purgers = append(purgers, s)
		}
		if s, err := recipes.NewRecipeStore(cfg.Storage.Path, logger); err != nil {
			logger.Warn("recipe cache disabled", "path", cfg.Storage.Path, "error", err)
		} else {
			recipeStore = s
			closers = append(closers, s.Close)
		}
	}

	if len(purgers) > 0 {
		startPurgeLoop(ctx, time.Duration(cfg.Storage.PurgeIntervalSec)*time.Second, purgers, logger)
	}

	prices := pricecache.NewTwoLevel(pricecache.New(cfg.Storage.PriceCacheSize), priceL2, logger)
	proc := search.NewProcessor(prices, cfg.Limits.SearchLimit, logger)

	// Remote tool service. Without one, only local tools are available.
	var client *mcp.Client
	if cfg.Tools.URL != "" {
		headers := map[string]string{}
		if cfg.Tools.APIKey != "" {
			headers["Authorization"] = "Bearer " + cfg.Tools.APIKey
		}
		transport := mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     cfg.Tools.URL,
			Headers: headers,
			Logger:  logger,
		})
		client = mcp.NewClient("freshvill-tools", transport, logger)
		initCtx, initCancel := context.WithTimeout(ctx, time.Duration(cfg.Tools.TimeoutSec)*time.Second)
		if err := client.Initialize(initCtx); err != nil {
			logger.Warn("tool service handshake failed, will retry per call", "error", err)
		}
		initCancel()
		closers = append(closers, client.Close)
	} else {
		logger.Warn("no tool service configured, catalog search and carts are unavailable")
	}

	var recipeSvc *recipes.Service
	var remote tools.ToolCaller
	var lister agent.ToolLister
	if client != nil {
		recipeSvc = recipes.NewService(client, proc, tools.SearchToolName, recipes.DefaultConcurrency, logger)
		remote = client
		lister = client
	}

	extractor := recipes.NewExtractor(model, recipeStore, logger)

	var nutritionSvc *nutrition.Service
	if !cfg.Nutrition.Disabled {
		nutritionSvc = nutrition.NewService(nutrition.Config{
			BaseURL: cfg.Nutrition.URL,
			Country: cfg.Nutrition.Country,
			Timeout: time.Duration(cfg.Nutrition.TimeoutSec) * time.Second,
			Logger:  logger,
		})
	}

	registry := tools.NewRegistry(prefStore, snapshots, recipeSvc, extractor, nutritionSvc, prices)
	reconciler := cart.NewReconciler(prices,
		cart.WithQuantityCaps(float64(cfg.Cart.MaxDiscreteQty), cfg.Cart.MaxContinuousQty),
		cart.WithDuplicateTuning(cfg.Cart.DupMinTokenLen, cfg.Cart.DupMinOverlap),
	)
	exec := tools.NewExecutor(remote, registry, proc, reconciler, snapshots, cfg.Limits.SearchLimit, logger)

	locks := session.NewLockArena(session.DefaultMaxLocks)
	engine := agent.New(model, store, locks, exec, lister, snapshots, agent.Config{
		MaxToolCalls:  cfg.Limits.MaxToolCalls,
		MaxHistory:    cfg.Limits.MaxHistory,
		MaxInputChars: cfg.Limits.MaxInputChars,
	}, logger)

	return engine, cleanup, nil
}

// expiryPurger is satisfied by the SQLite-backed stores that keep an
// expires_at column (sessions, price L2, cart snapshots).
type expiryPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// startPurgeLoop sweeps expired rows out of the durable stores at a
// fixed interval until ctx is cancelled. Sweep failures are logged and
// retried on the next tick; reads already skip expired rows, the sweep
// only reclaims disk space.
func startPurgeLoop(ctx context.Context, interval time.Duration, purgers []expiryPurger, logger *slog.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var total int64
				for _, p := range purgers {
					n, err := p.PurgeExpired(ctx)
					if err != nil {
						logger.Warn("expired row sweep failed", "error", err)
						continue
					}
					total += n
				}
				if total > 0 {
					logger.Info("expired rows purged", "rows", total)
				}
			}
		}
	}()
}

// newLogger creates a structured text logger writing to w.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
