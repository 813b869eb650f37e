package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ctxsync/internal/config"
	"github.com/tonimelisma/ctxsync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Bring derived representations up to date with their sources",
		Long: `Run a one-shot sync cycle over the source directory: convert new and
changed documents, restore reverted ones, and mark deleted ones orphaned.

Use --watch to keep running and react to file changes as they happen. Use
--rebuild to drop the registry and every derived file and reconvert
everything from scratch.`,
		RunE: runSync,
	}

	cmd.Flags().Bool("watch", false, "keep running and sync on every change")
	cmd.Flags().Bool("rebuild", false, "drop all derived state and reconvert every source")
	cmd.MarkFlagsMutuallyExclusive("watch", "rebuild")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return err
	}

	rebuild, err := cmd.Flags().GetBool("rebuild")
	if err != nil {
		return err
	}

	command := "sync"
	if watch {
		command = holderWatch
	}

	lock, err := acquireStateLock(cc.Cfg.Sync.StateDir, newLockHolder(command, cc.Cfg.Sync.SourceDir))
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	session, err := NewEngineSession(ctx, cc.Cfg, cc.CfgPath, cc.Logger)
	if err != nil {
		return err
	}
	defer session.Close()

	if watch {
		return runWatch(ctx, cc, session)
	}

	report, err := session.Engine.RunOnce(ctx, sync.RunOpts{Rebuild: rebuild})
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printSyncReportJSON(cmd.OutOrStdout(), report)
	}

	if !cc.Flags.Quiet {
		printSyncReport(cmd.OutOrStdout(), report)
	}

	if report.Failed > 0 {
		return fmt.Errorf("%d document(s) failed to sync", report.Failed)
	}

	return nil
}

// runWatch runs the engine's watch loop and applies SIGHUP reloads to the
// session's config holder until ctx is canceled.
func runWatch(ctx context.Context, cc *CLIContext, session *EngineSession) error {
	go applyReloads(ctx, cc, session.Holder)

	cc.Statusf("Watching %s (Ctrl-C to stop)\n", cc.Cfg.Sync.SourceDir)

	err := session.Engine.RunWatch(ctx, sync.WatchOpts{Debounce: cc.Cfg.Durations().Debounce})
	if err != nil && ctx.Err() == nil {
		return err
	}

	return nil
}

// applyReloads re-resolves the configuration on every SIGHUP. Only the
// settings read through the holder (consumer categories) take effect
// without a restart.
func applyReloads(ctx context.Context, cc *CLIContext, holder *config.Holder) {
	reload := reloadSignals(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-reload:
			cfg, err := cc.reloadConfig()
			if err != nil {
				cc.Logger.Error("config reload failed, keeping previous config",
					slog.String("error", err.Error()),
				)

				continue
			}

			holder.Update(cfg)
			cc.Logger.Info("config reloaded",
				slog.String("path", holder.Path()),
				slog.Int("categories", len(cfg.Categories)),
			)
		}
	}
}

// syncReportJSON is the JSON shape of a sync cycle summary.
type syncReportJSON struct {
	CycleID    string   `json:"cycle_id"`
	DurationMS int64    `json:"duration_ms"`
	Events     int      `json:"events"`
	Converted  int      `json:"converted"`
	Adopted    int      `json:"adopted"`
	Restored   int      `json:"restored"`
	Unchanged  int      `json:"unchanged"`
	Orphaned   int      `json:"orphaned"`
	Removed    int      `json:"removed"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

func printSyncReportJSON(w io.Writer, r *sync.SyncReport) error {
	out := syncReportJSON{
		CycleID:    r.CycleID,
		DurationMS: r.Duration.Milliseconds(),
		Events:     r.Events,
		Converted:  r.Converted,
		Adopted:    r.Adopted,
		Restored:   r.Restored,
		Unchanged:  r.Unchanged,
		Orphaned:   r.Orphaned,
		Removed:    r.Removed,
		Failed:     r.Failed,
	}

	for _, err := range r.Errors {
		out.Errors = append(out.Errors, err.Error())
	}

	return printJSON(w, out)
}

func printSyncReport(w io.Writer, r *sync.SyncReport) {
	fmt.Fprintf(w, "Sync complete in %s (%d events)\n", r.Duration.Round(time.Millisecond), r.Events)

	rows := [][]string{
		{"converted", strconv.Itoa(r.Converted)},
		{"adopted", strconv.Itoa(r.Adopted)},
		{"restored", strconv.Itoa(r.Restored)},
		{"unchanged", strconv.Itoa(r.Unchanged)},
		{"orphaned", strconv.Itoa(r.Orphaned)},
		{"removed", strconv.Itoa(r.Removed)},
		{"failed", strconv.Itoa(r.Failed)},
	}

	printTable(w, []string{"OUTCOME", "COUNT"}, rows)

	for _, err := range r.Errors {
		fmt.Fprintf(w, "  error: %v\n", err)
	}
}
