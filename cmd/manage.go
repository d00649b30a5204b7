package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/surgeq/internal/config"
	"github.com/surge-downloader/surgeq/internal/download"
	"github.com/surge-downloader/surgeq/internal/engine/types"
	"github.com/surge-downloader/surgeq/internal/storage"
	"github.com/surge-downloader/surgeq/internal/utils"
)

// offline runs fn against the persisted queue without starting any transfer
func offline(ctx context.Context, fn func(q *download.Queue) error) error {
	settings := initializeGlobalState()
	return withLock(func() error {
		q, err := openQueue(ctx, settings, "")
		if err != nil {
			return err
		}
		defer func() {
			if err := q.Shutdown(); err != nil {
				utils.Debug("Shutdown: %v", err)
			}
		}()
		return fn(q)
	})
}

// lookupID expands an id prefix against the queue's items
func lookupID(q *download.Queue, partial string) (string, error) {
	var ids []string
	for _, it := range q.List() {
		ids = append(ids, it.ID)
	}
	return resolveIDFromCandidates(partial, ids)
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove"},
	Short:   "Remove a finished download and its file",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return offline(cmd.Context(), func(q *download.Queue) error {
			id, err := lookupID(q, args[0])
			if err != nil {
				return err
			}
			if err := q.Remove(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", shortID(id))
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or paused download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return offline(cmd.Context(), func(q *download.Queue) error {
			id, err := lookupID(q, args[0])
			if err != nil {
				return err
			}
			if err := q.Cancel(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", shortID(id))
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change queue settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := initializeGlobalState()
		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		cfg, ok, err := store.LoadConfig(cmd.Context())
		if err != nil {
			return err
		}
		if !ok {
			cfg.MaxConcurrency = settings.InitialConcurrency()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "concurrency: %d\n", cfg.MaxConcurrency)
		fmt.Fprintf(cmd.OutOrStdout(), "settings:    %s\n", config.GetSettingsPath())
		return nil
	},
}

var configConcurrencyCmd = &cobra.Command{
	Use:   "concurrency <n>",
	Short: fmt.Sprintf("Set how many downloads run at once (%d-%d)", types.MinConcurrency, types.MaxUIConcurrency),
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := parseConcurrency(args[0])
		if err != nil {
			return err
		}
		return offline(cmd.Context(), func(q *download.Queue) error {
			if err := q.SetMaxConcurrency(n); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Concurrency set to %d\n", n)
			return nil
		})
	},
}

// parseConcurrency accepts the same range as the dashboard
func parseConcurrency(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", arg, types.ErrInvalidConcurrency)
	}
	if n < types.MinConcurrency || n > types.MaxUIConcurrency {
		return 0, fmt.Errorf("%d is outside %d-%d: %w", n, types.MinConcurrency, types.MaxUIConcurrency, types.ErrInvalidConcurrency)
	}
	return n, nil
}

var folderCmd = &cobra.Command{
	Use:   "folder",
	Short: "Manage the destination folder for new downloads",
}

var folderShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the destination folder",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		initializeGlobalState()
		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		folder, err := store.LoadFolder(cmd.Context())
		if err != nil {
			return err
		}
		if folder == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (private)\n", config.GetPrivateDownloadsDir())
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), folder)
		return nil
	},
}

var folderSetCmd = &cobra.Command{
	Use:   "set <dir|tree://...>",
	Short: "Select the destination folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return offline(cmd.Context(), func(q *download.Queue) error {
			root, err := q.SelectFolder(cmd.Context(), storage.StaticPicker{Path: args[0]})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Downloads will be saved to %s\n", root)
			return nil
		})
	},
}

var folderClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Revert to the private downloads directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return offline(cmd.Context(), func(q *download.Queue) error {
			if err := q.ClearFolder(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Downloads will be saved to %s\n", config.GetPrivateDownloadsDir())
			return nil
		})
	},
}

func init() {
	configCmd.AddCommand(configConcurrencyCmd)
	folderCmd.AddCommand(folderShowCmd, folderSetCmd, folderClearCmd)
}
