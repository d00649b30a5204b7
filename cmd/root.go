package cmd

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/surge-downloader/surgeq/internal/download"
	"github.com/surge-downloader/surgeq/internal/tui"
	"github.com/surge-downloader/surgeq/internal/utils"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:          "surgeq [url]...",
	Short:        "A terminal download queue",
	Long:         `surgeq queues HTTP downloads, runs a bounded number at once and resumes them across restarts.`,
	Version:      Version,
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := initializeGlobalState()

		batchFile, _ := cmd.Flags().GetString("batch")
		outputDir, _ := cmd.Flags().GetString("output")
		noResume, _ := cmd.Flags().GetBool("no-resume")

		urls := append([]string(nil), args...)
		if batchFile != "" {
			fileURLs, err := readURLsFromFile(batchFile)
			if err != nil {
				return fmt.Errorf("error reading batch file: %w", err)
			}
			urls = append(urls, fileURLs...)
		}

		return withLock(func() error {
			q, err := openQueue(cmd.Context(), settings, outputDir)
			if err != nil {
				return err
			}
			defer func() {
				if err := q.Shutdown(); err != nil {
					utils.Debug("Shutdown: %v", err)
				}
			}()

			q.Start()
			enqueueAll(cmd, q, urls)

			tui.ApplyTerminalPalette(termenv.NewOutput(os.Stdout))
			p := tea.NewProgram(tui.InitialRootModel(q, settings, noResume), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("error running TUI: %w", err)
			}
			return nil
		})
	},
}

// enqueueAll adds urls to q, reporting bad ones without stopping
func enqueueAll(cmd *cobra.Command, q *download.Queue, urls []string) {
	for _, u := range urls {
		if _, err := q.Enqueue(u, ""); err != nil {
			cmd.PrintErrf("Skipping %s: %v\n", u, err)
		}
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringP("batch", "b", "", "File containing URLs to download (one per line)")
	rootCmd.Flags().StringP("output", "o", "", "Destination root for downloads added in this session")
	rootCmd.Flags().Bool("no-resume", false, "Do not auto-resume paused downloads on startup")
	rootCmd.SetVersionTemplate("surgeq version {{.Version}}\n")

	rootCmd.AddCommand(getCmd, lsCmd, rmCmd, cancelCmd, configCmd, folderCmd)
}
