package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/config"
)

// cli carries state shared by every command of one invocation.
type cli struct {
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	cfg        *config.Config
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "autopilot",
		Short: "Autonomous goal orchestration engine",
		Long: `autopilot drives goals to completion: it dispatches their work items
to an execution engine within budget, retries failures, and escalates
to a human when it cannot make progress on its own.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadPath(c.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			c.cfg = cfg
			slog.SetDefault(newLogger(cfg, c.stderr))
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("AUTOPILOT_CONFIG"),
		"path to a YAML config file (environment variables override it)")

	root.AddCommand(
		c.serveCmd(),
		c.goalCmd(),
		c.escalationCmd(),
		c.tiersCmd(),
		c.statusCmd(),
	)
	return root
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
