package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dreamerlzl/markdown-qa/internal/config"
)

func newIndexCmd() *cobra.Command {
	var flags config.Flags

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the index once and exit",
		Long: `Enumerates the configured directories, splits and embeds every Markdown
file, and writes the index to the cache directory without starting the
server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			manager, embCache, _, _, err := buildComponents(cfg)
			if err != nil {
				return err
			}

			if err := manager.FullRebuild(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("index build failed: %w", err)
			}
			if err := embCache.Save(); err != nil {
				return fmt.Errorf("persist embedding cache: %w", err)
			}

			snap := manager.Snapshot()
			fmt.Printf("indexed %d files (%d chunks) into %q\n",
				len(snap.Record.Files), snap.Store.Count(), cfg.Server.IndexName)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.Directories, "directories", "", "Comma-separated list of directories to index")
	cmd.Flags().StringVar(&flags.IndexName, "index-name", "", "Name of the index to build")

	return cmd
}
