package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/contextmesh"
	"github.com/hupe1980/contextmesh/config"
	"github.com/hupe1980/contextmesh/endpoint"
	"github.com/hupe1980/contextmesh/memory"
)

// Create the chat command
func newChatCmd(g *globals) *cobra.Command {
	var systemPrompt string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with persistent memory",
		Long: "Starts a line based chat. Commands: /usage shows the memory pools, /endpoints the\n" +
			"endpoint status, /new ends the session and starts another, /quit exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if systemPrompt != "" {
				cfg.Agent.SystemPrompt = systemPrompt
			}
			mesh, err := contextmesh.New(func(o *contextmesh.Options) {
				o.Config = cfg
				o.Logger = g.logger
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := mesh.Close(); err != nil {
					g.logger.Warn("cli.close.failed", "error", err.Error())
				}
			}()
			if err := mesh.Start(cmd.Context()); err != nil {
				return err
			}
			return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), meshChat{mesh})
		},
	}
	cmd.Flags().StringVar(&systemPrompt, "system", "", "override the configured system prompt")
	return cmd
}

// chatter is what the REPL needs from the mesh.
type chatter interface {
	NewSession() string
	Chat(ctx context.Context, sessionID, text string) (string, error)
	EndSession(ctx context.Context, sessionID string) (string, error)
	Usage() []memory.PoolUsage
	Status() []endpoint.Status
}

type meshChat struct{ *contextmesh.Mesh }

func (m meshChat) Usage() []memory.PoolUsage { return m.Engine().Memory().Usage() }

func (m meshChat) Status() []endpoint.Status { return m.Registry().Status() }

func runChat(ctx context.Context, in io.Reader, out io.Writer, c chatter) error {
	sessionID := c.NewSession()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	endSession := func() {
		// the interrupt context may already be done
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if _, err := c.EndSession(sctx, sessionID); err != nil {
			fmt.Fprintf(out, "could not save session summary: %v\n", err)
		}
	}

	fmt.Fprintln(out, "contextmesh chat. /quit to exit.")
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			endSession()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			endSession()
			return nil
		case "/new":
			endSession()
			sessionID = c.NewSession()
			fmt.Fprintln(out, "new session started")
			continue
		case "/usage":
			printUsage(out, c.Usage())
			continue
		case "/endpoints":
			printStatus(out, c.Status())
			continue
		}

		reply, err := c.Chat(ctx, sessionID, line)
		if err != nil && errors.Is(err, context.Canceled) {
			endSession()
			return nil
		}
		fmt.Fprintln(out, reply)
	}
}

// Create the endpoints command
func newEndpointsCmd(g *globals) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Show configured endpoints and their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			cfg.Database.Path = ""
			mesh, err := contextmesh.New(func(o *contextmesh.Options) {
				o.Config = cfg
				o.Logger = g.logger
			})
			if err != nil {
				return err
			}
			defer mesh.Close()

			status := mesh.Registry().Status()
			if check {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				defer cancel()
				status = mesh.HealthCheck(ctx)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "ping every endpoint before printing")
	return cmd
}

// Create the config command
func newConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.configPath
			if path == "" {
				path = config.DefaultPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Write(path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			for i := range cfg.Endpoints {
				if cfg.Endpoints[i].APIKey != "" {
					cfg.Endpoints[i].APIKey = "****"
				}
			}
			if cfg.Embedding.APIKey != "" {
				cfg.Embedding.APIKey = "****"
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func printUsage(w io.Writer, usage []memory.PoolUsage) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POOL\tUSED\tMAX\tITEMS")
	for _, u := range usage {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", u.Name, u.UsedTokens, u.MaxTokenBudget, u.Items)
	}
	_ = tw.Flush()
}

func printStatus(w io.Writer, status []endpoint.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPRIORITY\tENABLED\tCURRENT\tACTIVE\tOK\tFAILED\tLATENCY\tROLES")
	for _, s := range status {
		fmt.Fprintf(tw, "%s\t%d\t%t\t%t\t%d/%d\t%d\t%d\t%s\t%s\n",
			s.Name, s.Priority, s.Enabled, s.Current,
			s.ActiveRequests, s.MaxConcurrentRequests,
			s.SuccessCount, s.FailureCount,
			s.LastResponseTime.Round(time.Millisecond), strings.Join(s.Roles, ","))
	}
	_ = tw.Flush()
}
