// Parley is a conversational agent backend.
//
// Every user message starts a turn: the model answers with structured
// JSON naming one tool, Parley runs it, records the exchange in the
// session transcript, and calls the model again until it replies to the
// user. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley serve                       Start the API server
//	parley init [dir]                  Initialize a working directory with defaults
//	parley ask [-session id] <text>    Run one turn from the command line
//	parley tools [list|catalog]        Show the tool registry or the model's catalog
//	parley tools disable <type>        Hide a tool from the catalog
//	parley tools enable <type>         Restore a disabled tool
//	parley version                     Print version and build information
//	parley -o json version             Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/buildinfo"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/connwatch"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/mqtt"
	"github.com/parleyhq/parley/internal/tools"
)

// main constructs the OS-level environment and delegates to [run], so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the parley command. Logs go to
// stdout for serve and to stderr for the interactive commands, whose
// stdout is the command's result.
//
// Arguments are parsed by hand: the flag package's globals make run
// unsafe to call concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
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
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	fmt.Fprintf(w, "  go:       %s\n", info.GoVersion)
	fmt.Fprintf(w, "  platform: %s\n", info.Platform)
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - conversational agent backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                      Start the API server")
	fmt.Fprintln(w, "  init [dir]                 Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask [-session id] [-image url] <text>")
	fmt.Fprintln(w, "                             Run one turn and print the reply")
	fmt.Fprintln(w, "  tools [list|catalog]       Show registered tools or the model's catalog")
	fmt.Fprintln(w, "  tools disable|enable <type>")
	fmt.Fprintln(w, "                             Change the disabled tool set")
	fmt.Fprintln(w, "  version                    Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe starts the API server and the optional MQTT mirror, and
// blocks until ctx is cancelled or SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger, cfg, err := loadWithLogger(stdout, configPath)
	if err != nil {
		return err
	}
	logger.Info("starting Parley",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	health := connwatch.NewManager(ctx, a.bus, logger)
	defer health.Stop()
	a.watch(health)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, a.transcript, a.disabled, logger)
	server.SetEventBus(a.bus)
	server.SetHealth(health)

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		clientID := mqtt.ClientID(cfg.MQTT.ClientID, instanceID)
		mqttPub = mqtt.New(cfg.MQTT, clientID, a.bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		health.Watch("mqtt", mqttPub.AwaitConnection, connwatch.DefaultBackoff())
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"client_id", clientID,
			"topic_prefix", cfg.MQTT.TopicPrefix,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := mqttPub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	logger.Info("Parley stopped")
	return nil
}

// runAsk runs one turn against the configured backend and prints the
// reply to stdout. Tool progress goes to stderr. Without -session a new
// session is started and its id is printed to stderr so the
// conversation can be continued.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath string, args []string) error {
	var sessionFlag, imageURL string
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-session" && i+1 < len(args):
			sessionFlag = args[i+1]
			i++
		case args[i] == "-image" && i+1 < len(args):
			imageURL = args[i+1]
			i++
		default:
			words = append(words, args[i])
		}
	}
	text := strings.TrimSpace(strings.Join(words, " "))
	if text == "" {
		return fmt.Errorf("usage: parley ask [-session id] [-image url] <text>")
	}
	if imageURL != "" {
		if err := llm.ValidateImageURL(imageURL); err != nil {
			return err
		}
	}

	sessionID := uuid.New()
	if sessionFlag != "" {
		id, err := uuid.Parse(sessionFlag)
		if err != nil {
			return fmt.Errorf("invalid session id %q: %w", sessionFlag, err)
		}
		sessionID = id
	} else {
		fmt.Fprintf(stderr, "session: %s\n", sessionID)
	}

	logger, cfg, err := loadWithLogger(stderr, configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	turn := a.loop.Run(ctx, agent.Request{SessionID: sessionID, Text: text, ImageURL: imageURL})
	for ev, err := range turn.Events() {
		if err != nil {
			return fmt.Errorf("ask: %w", err)
		}
		switch ev.Type {
		case agent.EventText:
			fmt.Fprintln(stdout, ev.Content)
		case agent.EventStatus:
			fmt.Fprintln(stderr, ev.Content)
		}
	}
	if turn.State() == agent.StateAborted {
		return fmt.Errorf("ask: no reply after %d model calls", turn.Iterations())
	}
	return nil
}

// runTools inspects or changes the tool set. The disabled set lives in
// the database, so changes made here are seen by a running server.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}

	logger, cfg, err := loadWithLogger(stderr, configPath)
	if err != nil {
		return err
	}
	db, disabled, err := openDisabledStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	switch sub {
	case "list":
		off, err := disabled.List(ctx)
		if err != nil {
			return fmt.Errorf("list disabled tools: %w", err)
		}
		specs := tools.Registry()
		if outputFmt == "json" {
			out := make([]api.ToolInfo, 0, len(specs))
			for _, s := range specs {
				out = append(out, api.ToolInfo{Type: s.Type, Name: s.Name, Description: s.Description, Disabled: slices.Contains(off, s.Type)})
			}
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		for _, s := range specs {
			state := "enabled"
			if slices.Contains(off, s.Type) {
				state = "disabled"
			}
			fmt.Fprintf(stdout, "%-20s %s\n", s.Type, state)
		}
		return nil

	case "catalog":
		text, err := tools.NewCatalog(disabled).Render(ctx, true)
		if err != nil {
			return fmt.Errorf("render catalog: %w", err)
		}
		fmt.Fprintln(stdout, text)
		return nil

	case "disable", "enable":
		if len(args) < 2 {
			return fmt.Errorf("usage: parley tools %s <type>", sub)
		}
		toolType := args[1]
		if sub == "disable" {
			err = disabled.Disable(ctx, toolType)
		} else {
			err = disabled.Enable(ctx, toolType)
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", sub, toolType, err)
		}
		logger.Info("tool availability changed", "tool_type", toolType, "change", sub)
		fmt.Fprintf(stdout, "%s %sd\n", toolType, sub)
		return nil

	default:
		return fmt.Errorf("unknown tools subcommand: %s (valid: list, catalog, disable, enable)", sub)
	}
}

// loadWithLogger locates and parses the configuration and builds the
// configured logger writing to w.
func loadWithLogger(w io.Writer, configPath string) (*slog.Logger, *config.Config, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(w, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"backend", cfg.Backend,
		"memory", cfg.Memory.Backend,
		"data_dir", cfg.DataDir,
	)
	return logger, cfg, nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
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
