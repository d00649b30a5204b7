package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/surge-downloader/surgeq/internal/download"
	"github.com/surge-downloader/surgeq/internal/engine/events"
	"github.com/surge-downloader/surgeq/internal/engine/types"
	"github.com/surge-downloader/surgeq/internal/utils"
)

var getCmd = &cobra.Command{
	Use:   "get [url]",
	Short: "Download without the dashboard",
	Long: `get enqueues a URL and prints progress until it and any resumed downloads finish.
With --clipboard the URL is read from the system clipboard.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		fromClipboard, _ := cmd.Flags().GetBool("clipboard")
		outputDir, _ := cmd.Flags().GetString("output")

		var url string
		switch {
		case len(args) == 1:
			url = args[0]
		case fromClipboard:
			text, err := clipboard.ReadAll()
			if err != nil {
				return fmt.Errorf("failed to read clipboard: %w", err)
			}
			url = strings.TrimSpace(text)
		default:
			return errors.New("a URL argument or --clipboard is required")
		}

		settings := initializeGlobalState()
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return withLock(func() error {
			q, err := openQueue(ctx, settings, outputDir)
			if err != nil {
				return err
			}
			defer func() {
				if err := q.Shutdown(); err != nil {
					utils.Debug("Shutdown: %v", err)
				}
			}()

			sub, unsubscribe := q.Subscribe()
			defer unsubscribe()

			q.Start()
			if settings.General.AutoResume {
				q.ResumeAll()
			}
			if _, err := q.Enqueue(url, name); err != nil {
				return err
			}
			return runHeadless(ctx, cmd.OutOrStdout(), q, sub)
		})
	},
}

// runHeadless prints queue events until every item is terminal, then shuts q down.
// When ctx ends first, transfers are left for the caller's Shutdown to pause.
func runHeadless(ctx context.Context, out io.Writer, q *download.Queue, sub <-chan interface{}) error {
	lastPrint := make(map[string]time.Time)
	failed := 0

	// Events can be dropped for slow subscribers, so the list is also polled
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for !allSettled(q) {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			fmt.Fprintln(out, "Interrupted, pausing downloads")
			return nil
		case msg, ok := <-sub:
			if !ok {
				return nil
			}
			if _, isErr := msg.(events.DownloadErrorMsg); isErr {
				failed++
			}
			printEvent(out, msg, lastPrint)
		}
	}

	// Shutdown waits for in-flight transfers and closes sub, so the rest can be drained
	if err := q.Shutdown(); err != nil {
		utils.Debug("Shutdown: %v", err)
	}
	for msg := range sub {
		if _, isErr := msg.(events.DownloadErrorMsg); isErr {
			failed++
		}
		printEvent(out, msg, lastPrint)
	}

	if failed > 0 {
		return fmt.Errorf("%d download(s) failed", failed)
	}
	return nil
}

// allSettled reports whether no item is queued or downloading
func allSettled(q *download.Queue) bool {
	for _, it := range q.List() {
		if it.State == types.StateQueued || it.State == types.StateDownloading {
			return false
		}
	}
	return true
}

// printEvent writes one line per lifecycle event; progress is throttled per item
func printEvent(out io.Writer, msg interface{}, lastPrint map[string]time.Time) {
	switch m := msg.(type) {
	case events.DownloadQueuedMsg:
		fmt.Fprintf(out, "Queued: %s [%s]\n", m.Filename, shortID(m.DownloadID))
	case events.DownloadStartedMsg:
		size := "unknown size"
		if m.Total > 0 {
			size = humanize.IBytes(uint64(m.Total))
		}
		fmt.Fprintf(out, "Started: %s [%s] (%s)\n", m.Filename, shortID(m.DownloadID), size)
	case events.ProgressMsg:
		if time.Since(lastPrint[m.DownloadID]) < time.Second {
			return
		}
		lastPrint[m.DownloadID] = time.Now()
		progress := humanize.IBytes(uint64(m.Downloaded))
		if m.Total > 0 {
			progress = fmt.Sprintf("%s / %s (%.1f%%)", progress, humanize.IBytes(uint64(m.Total)),
				float64(m.Downloaded)/float64(m.Total)*100)
		}
		fmt.Fprintf(out, "  [%s] %s at %s/s\n", shortID(m.DownloadID), progress, humanize.IBytes(uint64(m.Speed)))
	case events.DownloadResumedMsg:
		if m.Restarted {
			fmt.Fprintf(out, "Restarted: %s [%s]\n", m.Filename, shortID(m.DownloadID))
		} else {
			fmt.Fprintf(out, "Resumed: %s [%s] from %s\n", m.Filename, shortID(m.DownloadID), humanize.IBytes(uint64(m.FromOffset)))
		}
	case events.DownloadPausedMsg:
		fmt.Fprintf(out, "Paused: %s [%s]\n", m.Filename, shortID(m.DownloadID))
	case events.DownloadCompleteMsg:
		fmt.Fprintf(out, "Completed: %s [%s] in %s -> %s\n", m.Filename, shortID(m.DownloadID),
			m.Elapsed.Round(time.Second), m.LocalPath)
	case events.DownloadErrorMsg:
		fmt.Fprintf(out, "Error: %s [%s]: %v\n", m.Filename, shortID(m.DownloadID), m.Err)
	case events.DownloadCancelledMsg:
		fmt.Fprintf(out, "Cancelled: %s [%s]\n", m.Filename, shortID(m.DownloadID))
	}
}

func init() {
	getCmd.Flags().StringP("name", "n", "", "file name to save as (derived from the URL when empty)")
	getCmd.Flags().BoolP("clipboard", "c", false, "read the URL from the clipboard")
	getCmd.Flags().StringP("output", "o", "", "destination root for this download")
}
