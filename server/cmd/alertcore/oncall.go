package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/obsidianstack/alertcore/server/internal/config"
	"github.com/obsidianstack/alertcore/server/internal/engine"
	"github.com/obsidianstack/alertcore/server/internal/oncall"
)

func newOnCallCmd(configPath *string) *cobra.Command {
	var (
		at   string
		days int
	)
	cmd := &cobra.Command{
		Use:   "oncall <schedule>",
		Short: "Print who is on call for a configured schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var when time.Time
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at %q: want RFC3339", at)
				}
				when = t
			}

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

			var as []oncall.Assignment
			if days > 0 {
				as, err = eng.OnCall.UpcomingSchedule(args[0], when, days)
			} else {
				as, err = eng.OnCall.CurrentOnCall(args[0], when)
			}
			if err != nil {
				return err
			}
			return printAssignments(cmd, as)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "instant to look up (RFC3339); defaults to now")
	cmd.Flags().IntVar(&days, "days", 0, "print one lookup per day for this many days")
	return cmd
}

func printAssignments(cmd *cobra.Command, as []oncall.Assignment) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tUSER\tROTATION\tOVERRIDE\tSHIFT START\tSHIFT END")
	for _, a := range as {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.At.Format(time.RFC3339), a.UserID, dash(a.RotationID), dash(a.OverrideID),
			a.ShiftStart.Format(time.RFC3339), a.ShiftEnd.Format(time.RFC3339))
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
