package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/streambus"
)

func newCronCommand(a *app) *cobra.Command {
	cronCmd := &cobra.Command{Use: "cron", Short: "Manage cron schedules fired by running schedulers"}
	cronCmd.AddCommand(
		newCronAddCommand(a),
		newCronRemoveCommand(a),
		newCronListCommand(a),
	)
	return cronCmd
}

func newCronAddCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "add NAME EXPRESSION SUBJECT",
		Short:   "Create or replace a cron schedule",
		Example: `  streambus cron add nightly-cleanup "0 3 * * *" Cleanup`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := streambus.CronSchedule{Name: args[0], Expression: args[1], Subject: args[2]}
			return a.withBus(func(bus *streambus.Bus) error {
				return bus.SaveCron(cmd.Context(), s)
			})
		},
	}
}

func newCronRemoveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm NAME",
		Aliases: []string{"remove"},
		Short:   "Delete a cron schedule and its history",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withBus(func(bus *streambus.Bus) error {
				return bus.RemoveCron(cmd.Context(), args[0])
			})
		},
	}
}

func newCronListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List cron schedules",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBus(func(bus *streambus.Bus) error {
				schedules, err := bus.Crons(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tEXPRESSION\tSUBJECT")
				for _, s := range schedules {
					fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Expression, s.Subject)
				}
				return w.Flush()
			})
		},
	}
}
