package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stemd/internal/ipc"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var stems []string
	var outputDir string

	cmd := &cobra.Command{
		Use:   "submit <mix-file>",
		Short: "Submit a mix for stem separation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Submit(args[0], outputDir, stems)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Job %d queued\n", resp.Job.ID)
				fmt.Fprintf(out, "Source: %s\n", resp.Job.SourcePath)
				fmt.Fprintf(out, "Stems: %s\n", stemLabels(resp.Job.Stems))
				fmt.Fprintf(out, "Output: %s\n", resp.Job.OutputDir)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&stems, "stem", "s", nil, "Stem to extract: vocals, drums, bass, other (repeatable; default all)")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Output directory (default from config)")
	return cmd
}
