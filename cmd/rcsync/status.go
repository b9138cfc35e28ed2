package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/openmined/rcsync/internal/journal"
	"github.com/openmined/rcsync/internal/utils"
	"github.com/openmined/rcsync/internal/workspace"
	"github.com/spf13/cobra"
)

const (
	defaultStatusLimit = 10
	maxErrorWidth      = 60
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the most recent sync runs of a local directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			if cfg.LocalDir == "" {
				return fmt.Errorf("local directory is required")
			}

			ws, err := workspace.NewWorkspace(cfg.StateDir, cfg.LocalDir)
			if err != nil {
				return err
			}

			limit, _ := cmd.Flags().GetInt("limit")
			cmd.SilenceUsage = true
			return printStatus(cmd, ws, limit)
		},
	}

	cmd.Flags().IntP("limit", "n", defaultStatusLimit, "number of runs to show")
	return cmd
}

func printStatus(cmd *cobra.Command, ws *workspace.Workspace, limit int) error {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "%s %s\n", green("local  "), ws.Root)
	if !utils.FileExists(ws.JournalPath) {
		fmt.Fprintln(out, "no runs recorded")
		return nil
	}

	j, err := journal.Open(journal.WithPath(ws.JournalPath))
	if err != nil {
		return err
	}
	defer j.Close()

	summary, err := j.Summary(cmd.Context())
	if err != nil {
		return err
	}
	runs, err := j.Recent(cmd.Context(), limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s %d runs, %d failed\n\n", green("history"), summary.Runs, summary.Failures)
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs recorded")
		return nil
	}

	renderRuns(out, runs, time.Now())
	return nil
}

func renderRuns(w io.Writer, runs []*journal.Run, now time.Time) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Kind", "Started", "Duration", "Status", "Error"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, run := range runs {
		table.Append([]string{
			shortID(run.ID),
			string(run.Kind),
			humanize.RelTime(run.StartedAt, now, "ago", "from now"),
			run.Duration.Round(time.Millisecond).String(),
			string(run.Status),
			truncate(run.Error, maxErrorWidth),
		})
	}

	table.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
