// Pacer answers natural-language questions about an athlete's Strava
// history by running a tool-calling model over a quota-governed,
// cached view of the activity API.
//
// Usage:
//
//	pacer serve                   Start the HTTP API server
//	pacer ask [-model m] <question>
//	                              Answer one question and exit
//	pacer quota                   Show the upstream call budget (costs one call)
//	pacer mcp                     Serve the tool set to an MCP client on stdio
//	pacer init [dir]              Write an example config.yaml
//	pacer version                 Print version and build information
//	pacer -o json version         Output version information as JSON
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

	"github.com/nugget/pacer/internal/agent"
	"github.com/nugget/pacer/internal/api"
	"github.com/nugget/pacer/internal/buildinfo"
	"github.com/nugget/pacer/internal/config"
	"github.com/nugget/pacer/internal/mcpserver"
	"github.com/nugget/pacer/internal/tools"
)

// main builds the OS-level environment and hands off to [run], so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package's globals get in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
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
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
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
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "quota":
		return runQuota(ctx, stdout, stderr, configPath, outputFmt)
	case "mcp":
		return runMCP(ctx, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Pacer - questions and answers over your Strava history")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: pacer [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Start the HTTP API server")
	fmt.Fprintln(w, "  ask [-model m] <q>    Answer one question and exit")
	fmt.Fprintln(w, "  quota                 Show the upstream call budget (costs one call)")
	fmt.Fprintln(w, "  mcp                   Serve the tool set to an MCP client on stdio")
	fmt.Fprintln(w, "  init [dir]            Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runServe is the primary operating mode. SIGINT or SIGTERM cancels ctx,
// which drains the HTTP server and stops the watchers.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting pacer", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "config", cfgPath)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	health := a.watch(ctx)
	defer health.Stop()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, a.registry, logger)
	server.SetUsage(a.usage)
	server.SetHealth(health)
	server.SetLocation(cfg.Location())

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("pacer stopped")
	return nil
}

// runAsk answers one question. Logs go to stderr so stdout carries only
// the answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	var model string
	if len(args) >= 2 && args[0] == "-model" {
		model, args = args[1], args[2:]
	}
	question := strings.TrimSpace(strings.Join(args, " "))
	if question == "" {
		return fmt.Errorf("usage: pacer ask [-model m] <question>")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, newLogger(stderr, cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	resp, err := a.loop.Run(ctx, agent.Request{Question: question, Model: model, Source: "cli"})
	if outputFmt == "json" && resp != nil {
		if werr := writeJSON(stdout, resp); werr != nil {
			return werr
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, resp.Answer)
	if resp.Note != "" {
		fmt.Fprintf(stdout, "\n(%s)\n", resp.Note)
	}
	return nil
}

// runQuota prints the governor's view of the budget. A fresh process
// knows nothing about calls made elsewhere, so one admitted call is spent
// to read the provider's usage headers first.
func runQuota(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, newLogger(stderr, cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	if d := a.gov.Admit(); d.Admitted {
		if err := a.strava.Ping(ctx); err != nil {
			return fmt.Errorf("strava: %w", err)
		}
	}

	out, err := a.registry.Run(ctx, tools.Query{}, tools.GetQuota{})
	if err != nil {
		return err
	}
	q := out.(tools.QuotaResult)
	if outputFmt == "json" {
		return writeJSON(stdout, q)
	}

	loc := cfg.Location()
	fmt.Fprintf(stdout, "window: %d of %d calls left (resets %s)\n",
		q.WindowRemaining, q.WindowLimit, q.WindowResetsAt.In(loc).Format(time.Kitchen))
	fmt.Fprintf(stdout, "day:    %d of %d calls left (resets %s)\n",
		q.DayRemaining, q.DayLimit, q.DayResetsAt.In(loc).Format("Mon 15:04 MST"))
	return nil
}

// runMCP serves the tool set over stdio. stdout belongs to the protocol,
// so logs go to stderr.
func runMCP(ctx context.Context, stderr io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := []mcpserver.Option{mcpserver.WithLogger(logger)}
	if len(a.llm.Providers()) > 0 {
		opts = append(opts, mcpserver.WithAsker(a.loop))
	}
	s, err := mcpserver.New(a.registry, opts...)
	if err != nil {
		return err
	}
	logger.Info("serving mcp on stdio", "version", buildinfo.Version)
	return mcpserver.Serve(s)
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	// Validate has already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the config file, returning the path that
// was loaded.
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

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
