package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"stemd/internal/ipc"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				status, err := client.Status()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()

				fmt.Fprintf(out, "Running: %s\n", yesNo(status.Running))
				fmt.Fprintf(out, "PID: %d\n", status.PID)
				fmt.Fprintf(out, "Socket: %s\n", status.SocketPath)
				fmt.Fprintf(out, "Queue DB: %s\n", status.QueueDBPath)
				fmt.Fprintf(out, "Lock file: %s\n", status.LockPath)
				if len(status.ActiveJobs) > 0 {
					fmt.Fprintf(out, "Active jobs: %v\n", status.ActiveJobs)
				}

				if len(status.QueueStats) > 0 {
					keys := make([]string, 0, len(status.QueueStats))
					for key := range status.QueueStats {
						keys = append(keys, key)
					}
					sort.Strings(keys)
					rows := make([][]string, 0, len(keys))
					for _, key := range keys {
						rows = append(rows, []string{key, fmt.Sprintf("%d", status.QueueStats[key])})
					}
					fmt.Fprintln(out, renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
				}

				if len(status.Preflight) > 0 {
					rows := make([][]string, 0, len(status.Preflight))
					for _, check := range status.Preflight {
						rows = append(rows, []string{check.Name, yesNo(check.Passed), check.Detail})
					}
					fmt.Fprintln(out, renderTable([]string{"Check", "OK", "Detail"}, rows, []columnAlignment{alignLeft, alignLeft, alignLeft}))
				}
				return nil
			})
		},
	}
}
