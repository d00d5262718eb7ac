// Command alertcore runs the alert evaluation and escalation engine.
//
//	alertcore serve    --config config.yaml
//	alertcore validate --config config.yaml
//	alertcore oncall   --config config.yaml platform --days 7
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "alertcore",
		Short:        "Alert evaluation and escalation engine",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")

	cmd.AddCommand(
		newServeCmd(&configPath),
		newValidateCmd(&configPath),
		newOnCallCmd(&configPath),
	)
	return cmd
}

// setupLogger installs the JSON slog handler at level. Unknown levels fall
// back to info.
func setupLogger(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}
