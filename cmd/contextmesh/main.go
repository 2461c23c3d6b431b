package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/contextmesh/config"
	"github.com/hupe1980/contextmesh/logging"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

// globals shared by subcommands, filled in PersistentPreRun
type globals struct {
	logger     logging.Logger
	configPath string
}

func (g *globals) loadConfig() (config.Config, error) {
	return config.Load(g.configPath)
}

// Create the root command
func newRootCmd() *cobra.Command {
	g := &globals{logger: logging.NoOpLogger{}}

	cmd := &cobra.Command{
		Use:   "contextmesh",
		Short: "contextmesh: memory aware chat orchestration over local and remote LLM endpoints",
		Long: "contextmesh decides what remembered context goes into every model call, schedules calls\n" +
			"against scarce inference endpoints with failover and runs model requested tools in the background.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "warn", "Set log level. Available: debug, info, warn, error")
	cmd.PersistentFlags().String("log-format", "console", "Log output format. Available: console, json, text")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/contextmesh/config.yaml)")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		format, _ := c.Flags().GetString("log-format")
		g.logger = newLogger(c.ErrOrStderr(), logging.ParseLevel(levelStr), format)
		g.configPath, _ = c.Flags().GetString("config")
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newChatCmd(g))
	cmd.AddCommand(newEndpointsCmd(g))
	cmd.AddCommand(newConfigCmd(g))
	return cmd
}

func newLogger(w io.Writer, level logging.LogLevel, format string) logging.Logger {
	switch format {
	case "json", "text":
		return logging.NewLogger(&logging.LoggerConfig{
			Level:     level,
			Format:    format,
			Output:    w,
			Component: "contextmesh",
		})
	default:
		return logging.NewConsoleLogger(w, level)
	}
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "contextmesh %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// Main entry point
func main() {
	root := newRootCmd()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
