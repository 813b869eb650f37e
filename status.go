package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ctxsync/internal/sync"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [doc]",
		Short: "Show the sync status of tracked documents",
		Long: `Display every tracked document with its sync status, token estimate and
last successful sync. With a document ID, show that document's full
registry entry.

When no watcher is running, a sync cycle runs first so the report
reflects the current sources. Otherwise the watcher is named and its last
committed state is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runStatus,
	}

	cmd.Flags().String("status", "", "only list documents with this status (synced, outdated, orphaned, error)")

	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	filter, err := cmd.Flags().GetString("status")
	if err != nil {
		return err
	}

	var want sync.SyncStatus
	if filter != "" {
		if want, err = sync.ParseSyncStatus(filter); err != nil {
			return err
		}
	}

	session, err := openSession(cmd.Context(), cc, cmd.Name())
	if err != nil {
		return err
	}
	defer session.Close()

	if len(args) == 1 {
		meta, ok := session.Service.Document(args[0])
		if !ok {
			return fmt.Errorf("document not found: %s", args[0])
		}

		if cc.Flags.JSON {
			return printJSON(cmd.OutOrStdout(), meta)
		}

		printDocStatus(cmd.OutOrStdout(), &meta)

		return nil
	}

	docs := session.Service.Documents()
	if want != "" {
		kept := docs[:0]

		for i := range docs {
			if docs[i].Status == want {
				kept = append(kept, docs[i])
			}
		}

		docs = kept
	}

	counts := session.Service.Counts()

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), statusJSON{Counts: counts, Documents: docs, Watcher: session.Watcher})
	}

	if session.Watcher != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Watcher: %s\n\n", session.Watcher)
	}

	printStatusText(cmd.OutOrStdout(), docs, counts)

	return nil
}

// statusJSON is the JSON shape of "status" without a document argument.
type statusJSON struct {
	Counts    map[sync.SyncStatus]int `json:"counts"`
	Documents []sync.DocMeta          `json:"documents"`
	Watcher   *lockHolder             `json:"watcher,omitempty"`
}

func printStatusText(w io.Writer, docs []sync.DocMeta, counts map[sync.SyncStatus]int) {
	if len(docs) == 0 {
		fmt.Fprintln(w, "No documents tracked.")
		return
	}

	rows := make([][]string, 0, len(docs))
	for i := range docs {
		d := &docs[i]
		rows = append(rows, []string{
			d.ID,
			string(d.Status),
			strconv.Itoa(d.EstimatedTokens),
			formatSize(d.ByteSize),
			syncedLabel(d.LastSyncedAt),
		})
	}

	printTable(w, []string{"DOCUMENT", "STATUS", "TOKENS", "SIZE", "LAST SYNCED"}, rows)

	fmt.Fprintln(w)
	fmt.Fprintln(w, summarizeCounts(counts))
}

func printDocStatus(w io.Writer, d *sync.DocMeta) {
	fmt.Fprintf(w, "Document:    %s\n", d.ID)
	fmt.Fprintf(w, "Path:        %s\n", d.Path)
	fmt.Fprintf(w, "Status:      %s\n", d.Status)

	if d.Category != "" {
		fmt.Fprintf(w, "Category:    %s\n", d.Category)
	}

	fmt.Fprintf(w, "Tokens:      %d\n", d.EstimatedTokens)
	fmt.Fprintf(w, "Size:        %s\n", formatSize(d.ByteSize))
	fmt.Fprintf(w, "Last synced: %s\n", syncedLabel(d.LastSyncedAt))

	if d.SourceFingerprint != "" {
		fmt.Fprintf(w, "Fingerprint: %s\n", d.SourceFingerprint)
	}

	if !d.OrphanedAt.IsZero() {
		fmt.Fprintf(w, "Orphaned:    %s\n", formatTime(d.OrphanedAt))
	}

	if d.LastError != "" {
		fmt.Fprintf(w, "Last error:  %s\n", d.LastError)
	}
}
