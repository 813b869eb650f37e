package main

import (
	"syscall"

	"github.com/spf13/cobra"
)

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the running watcher to reload its configuration",
		Long: `Send SIGHUP to the "sync --watch" or "serve" process that owns the state
directory. Consumer categories take effect immediately; other settings need
a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			holder, err := signalWatcher(cc.Cfg.Sync.StateDir, syscall.SIGHUP)
			if err != nil {
				return err
			}

			cc.Statusf("Reload signal sent to %s\n", holder)

			return nil
		},
	}
}
