package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/obsidianstack/alertcore/server/internal/config"
	"github.com/obsidianstack/alertcore/server/internal/engine"
)

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the config and register every definition without serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			setupLogger("error")
			eng := engine.New(cfg)
			defer eng.Escalations.Close()
			if err := eng.Apply(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d rules, %d thresholds, %d policies, %d schedules, %d sources)\n",
				*configPath, len(cfg.Rules), len(cfg.Thresholds), len(cfg.Policies), len(cfg.Schedules), len(cfg.Sources))
			return nil
		},
	}
}
