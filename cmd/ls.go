package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/surge-downloader/surgeq/internal/engine/types"
)

var lsCmd = &cobra.Command{
	Use:     "ls [id]",
	Aliases: []string{"l"},
	Short:   "List downloads",
	Long:    `List persisted downloads, or show one in detail. Safe to run while surgeq is open.`,
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		initializeGlobalState()

		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		items, err := store.LoadItems(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(args) == 0 {
			return printDownloads(out, items, jsonOutput)
		}

		id, err := resolveIDFromCandidates(args[0], itemIDs(items))
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.ID == id {
				return printDownloadDetail(out, it, jsonOutput)
			}
		}
		return fmt.Errorf("download %s: %w", args[0], types.ErrNotFound)
	},
}

func itemIDs(items []types.DownloadItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

// printDownloads writes a table of items, or a JSON array of their statuses
func printDownloads(out io.Writer, items []types.DownloadItem, jsonOutput bool) error {
	if jsonOutput {
		statuses := make([]types.DownloadStatus, 0, len(items))
		for _, it := range items {
			statuses = append(statuses, it.Status())
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}

	if len(items) == 0 {
		fmt.Fprintln(out, "No downloads.")
		return nil
	}

	fmt.Fprintf(out, "%-10s %-32s %-12s %8s %10s  %s\n", "ID", "FILENAME", "STATE", "PROGRESS", "SIZE", "PATH")
	for _, it := range items {
		fmt.Fprintf(out, "%-10s %-32s %-12s %7.1f%% %10s  %s\n",
			shortID(it.ID),
			truncate(it.DisplayFilename, 32),
			it.State,
			it.ProgressPercent(),
			formatSize(it.TotalBytes),
			it.LocalPath,
		)
	}
	return nil
}

// printDownloadDetail writes every field of one item
func printDownloadDetail(out io.Writer, it types.DownloadItem, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(it.Status())
	}

	fmt.Fprintf(out, "ID:         %s\n", it.ID)
	fmt.Fprintf(out, "URL:        %s\n", it.SourceURL)
	fmt.Fprintf(out, "Filename:   %s\n", it.DisplayFilename)
	fmt.Fprintf(out, "State:      %s\n", it.State)
	fmt.Fprintf(out, "Progress:   %.1f%% (%s / %s)\n", it.ProgressPercent(),
		humanize.IBytes(uint64(max(it.DownloadedBytes, 0))), formatSize(it.TotalBytes))
	fmt.Fprintf(out, "Added:      %s\n", humanize.Time(it.CreatedAt))
	if it.FinishedAt != nil {
		fmt.Fprintf(out, "Finished:   %s\n", humanize.Time(*it.FinishedAt))
	}
	if it.LocalPath != "" {
		fmt.Fprintf(out, "Path:       %s\n", it.LocalPath)
	}
	if it.ResumeToken != nil {
		fmt.Fprintf(out, "Resumable:  from %s\n", humanize.IBytes(uint64(it.ResumeToken.Offset)))
	}
	if it.LastError != "" {
		fmt.Fprintf(out, "Error:      %s\n", it.LastError)
	}
	return nil
}

// formatSize renders a byte count, or "unknown" for a missing total
func formatSize(n int64) string {
	if n <= 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(n))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	lsCmd.Flags().Bool("json", false, "output JSON")
}
