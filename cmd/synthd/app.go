package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rogers-f/synthesis-engine/internal/config"
)

// configEnv names the environment variable consulted when --config is unset.
const configEnv = "SYNTH_CONFIG"

// configNames are the file names discoverConfig looks for, in order.
var configNames = []string{"config.json", "config.yaml", "config.yml"}

// App is the synthd command tree.
type App struct {
	root       *cobra.Command
	stdout     io.Writer
	stderr     io.Writer
	configPath string
}

func newApp() *App {
	a := &App{stdout: os.Stdout, stderr: os.Stderr}

	a.root = &cobra.Command{
		Use:   "synthd",
		Short: "Phased LLM synthesis pipeline with tiered model routing",
		Long: `synthd drives a synthesis pipeline through its phases, routes every model
call to a tier that fits its context window, and escalates to a human when no
tier can finish the work.

The configuration file is found by --config, then $SYNTH_CONFIG, then
config.json or config.yaml next to the executable or in the working directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	a.root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to configuration file (JSON or YAML)")

	a.root.AddCommand(
		a.newVersionCmd(),
		a.newServeCmd(),
		a.newStatusCmd(),
		a.newValidateCmd(),
		a.newRouteCmd(),
		a.newBudgetCmd(),
		a.newResolveCmd(),
		a.newRetryCmd(),
	)
	return a
}

// WithOutput sets custom output writers.
func (a *App) WithOutput(stdout, stderr io.Writer) *App {
	a.stdout = stdout
	a.stderr = stderr
	a.root.SetOut(stdout)
	a.root.SetErr(stderr)
	return a
}

// Execute runs the command tree until it returns or a signal arrives.
func (a *App) Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return a.root.ExecuteContext(ctx)
}

// ExecuteWithArgs runs the command tree with explicit arguments.
func (a *App) ExecuteWithArgs(ctx context.Context, args []string) error {
	a.root.SetArgs(args)
	return a.Execute(ctx)
}

func (a *App) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "synthd %s (commit=%s, built=%s)\n", version, commit, date)
		},
	}
}

// loadConfig resolves and loads the configuration file.
func (a *App) loadConfig() (*config.Config, error) {
	path := resolveConfigPath(a.configPath)
	if path == "" {
		return nil, errors.New("no config found. Place config.json next to the exe, use --config <path>, or set " + configEnv)
	}
	return config.Load(path)
}

// configOrDefault loads the configuration when one can be found and falls
// back to the built-in defaults otherwise. Dry-run commands use it so they
// work without a model setup.
func (a *App) configOrDefault() (*config.Config, error) {
	if resolveConfigPath(a.configPath) == "" {
		return config.Default("."), nil
	}
	return a.loadConfig()
}

// resolveConfigPath applies the lookup order flag > env > discovery.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv(configEnv); env != "" {
		return env
	}
	return discoverConfig()
}

// discoverConfig looks for a config file next to the executable, then in the cwd.
func discoverConfig() string {
	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	dirs = append(dirs, ".")

	for _, dir := range dirs {
		for _, name := range configNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
