package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ctxsync/internal/loader"
)

func newLoadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <doc> [doc...]",
		Short: "Load document context at a level that fits a token budget",
		Long: `Deliver one or more documents at the requested fidelity level:

  1 summary     summary and critical fields
  2 structure   the full structured representation
  3 sections    structure plus the sections mapped to the consumer category
  4 full        structure, every section body and the raw source

With --budget the loader steps down from the requested level (or from the
configured start level) until the delivery fits. Several documents share
one session budget, arbitrated in argument order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runLoad,
	}

	cmd.Flags().String("level", "", "fidelity level (1-4 or summary, structure, sections, full)")
	cmd.Flags().Int("budget", -1, "token budget for this request")
	cmd.Flags().String("session", loader.DefaultSession, "session whose ledger is charged")
	cmd.Flags().String("category", "", "consumer category for level-3 section mapping")
	cmd.Flags().String("consumer", "", "consumer ID recorded with the delivery")

	return cmd
}

// loadFlags are the request options shared by every document of one load.
type loadFlags struct {
	want     loader.Want
	session  string
	category string
	consumer string
}

func parseLoadFlags(cmd *cobra.Command) (loadFlags, error) {
	var lf loadFlags

	level, err := cmd.Flags().GetString("level")
	if err != nil {
		return lf, err
	}

	if level != "" {
		l, err := loader.ParseLevel(level)
		if err != nil {
			return lf, err
		}

		lf.want = loader.AtLevel(l)
	}

	if cmd.Flags().Changed("budget") {
		budget, err := cmd.Flags().GetInt("budget")
		if err != nil {
			return lf, err
		}

		if budget < 0 {
			return lf, errors.New("--budget must not be negative")
		}

		if _, hasLevel := lf.want.Level(); hasLevel {
			lf.want = lf.want.WithBudget(budget)
		} else {
			lf.want = loader.WithinBudget(budget)
		}
	}

	if lf.session, err = cmd.Flags().GetString("session"); err != nil {
		return lf, err
	}

	if lf.category, err = cmd.Flags().GetString("category"); err != nil {
		return lf, err
	}

	if lf.consumer, err = cmd.Flags().GetString("consumer"); err != nil {
		return lf, err
	}

	return lf, nil
}

func (lf loadFlags) request(docID string, priority int) loader.Request {
	return loader.Request{
		ConsumerID: lf.consumer,
		SessionID:  lf.session,
		Category:   lf.category,
		DocID:      docID,
		Want:       lf.want,
		Priority:   priority,
	}
}

func runLoad(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	lf, err := parseLoadFlags(cmd)
	if err != nil {
		return err
	}

	session, err := openSession(cmd.Context(), cc, cmd.Name())
	if err != nil {
		return err
	}
	defer session.Close()

	if len(args) == 1 {
		res, err := session.Service.LoadContext(cmd.Context(), lf.request(args[0], 0))
		if err != nil {
			return err
		}

		reportLoad(cc, res)

		return printJSON(cmd.OutOrStdout(), loadOutput(cc, res))
	}

	// Earlier arguments come first when the session budget is short.
	reqs := make([]loader.Request, len(args))
	for i, id := range args {
		reqs[i] = lf.request(id, len(args)-i)
	}

	results := session.Service.LoadBatch(cmd.Context(), lf.session, reqs)

	out := make([]any, 0, len(results))
	failed := 0

	for i, br := range results {
		if br.Err != nil {
			failed++
			cc.Logger.Warn("load failed", "doc_id", args[i], "error", br.Err)
			out = append(out, map[string]string{"doc_id": args[i], "error": br.Err.Error()})

			continue
		}

		reportLoad(cc, br.Result)
		out = append(out, loadOutput(cc, br.Result))
	}

	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d document(s) failed to load", failed, len(args))
	}

	return nil
}

// loadOutput is the full result with --json and only the payload otherwise.
func loadOutput(cc *CLIContext, res *loader.Result) any {
	if cc.Flags.JSON {
		return res
	}

	return res.Data
}

func reportLoad(cc *CLIContext, res *loader.Result) {
	cc.Statusf("%s: level %d (%s), %d tokens, %d remaining", res.DocID, res.Level, res.Level, res.Tokens, res.Remaining)

	switch {
	case res.OverBudget:
		cc.Statusf(", over budget")
	case res.Fallback:
		cc.Statusf(", fell back from level %d", res.Requested)
	}

	if res.Stale {
		cc.Statusf(", stale")
	}

	cc.Statusf("\n")
}
