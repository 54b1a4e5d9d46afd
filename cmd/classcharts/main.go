// Classcharts bridges ClassCharts parent accounts into Home Assistant.
//
// Each configured account gets a polling coordinator that caches the
// pupil roster and a rolling window of timetables. The cache is served
// over an HTTP API (JSON and iCalendar feeds) and, when a broker is
// configured, published to Home Assistant through MQTT discovery.
//
// Usage:
//
//	classcharts serve              Start the bridge
//	classcharts init [dir]         Write an example config.yaml and .env
//	classcharts check              Validate every configured account
//	classcharts version            Print version and build information
//	classcharts -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	_ "time/tzdata" // timezone database for minimal containers

	"github.com/joho/godotenv"

	"github.com/lilphil/homeassistant-classcharts/internal/buildinfo"
	"github.com/lilphil/homeassistant-classcharts/internal/classcharts"
	"github.com/lilphil/homeassistant-classcharts/internal/config"
	"github.com/lilphil/homeassistant-classcharts/internal/integration"
)

// main builds the OS-level environment and hands off to [run] so the
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout for serve
// and to stderr for check, whose result lines own stdout. Arguments are
// parsed by hand so run has no package-level flag state.
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
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case command == "init" && len(cmdArgs) == 0 && !strings.HasPrefix(args[i], "-"):
			cmdArgs = append(cmdArgs, args[i])
		case command != "":
			return fmt.Errorf("%s: unexpected argument %q", command, args[i])
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

	// Credentials usually live in .env and are referenced from the YAML
	// as ${VAR}. A missing file is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
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
	case "check":
		return runCheck(ctx, stdout, stderr, configPath)
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "classcharts - ClassCharts bridge for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: classcharts [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the bridge (HTTP API and MQTT publisher)")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml and .env (default: .)")
	fmt.Fprintln(w, "  check        Log in with every configured account and report")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates, parses and validates the configuration. It
// returns the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newLogger builds the configured logger. Validate has already
// accepted the level name.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// clientFactory returns a factory that builds one ParentClient per
// account against the configured base URL.
func clientFactory(cfg *config.Config, logger *slog.Logger) integration.ClientFactory {
	return func(account config.AccountConfig) classcharts.Client {
		return classcharts.NewParentClient(classcharts.ParentClientConfig{
			BaseURL:  cfg.ClassCharts.BaseURL,
			Email:    account.Email,
			Password: account.Password,
			Logger:   logger.With("account", strings.TrimSpace(account.Email)),
		})
	}
}
