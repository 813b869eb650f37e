package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/ctxsync/internal/query"
)

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <doc> <path>",
		Short: "Read one value from a document by path",
		Long: `Resolve a path against a document's structured representation and print
the value. Segments are delimited by / or . and numeric segments index into
arrays, e.g. "competitors/0/price" or "section.pricing.body". A path whose
first segment is not a known root resolves inside the document's fields.`,
		Args: cobra.ExactArgs(2),
		RunE: runGet,
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	session, err := openSession(cmd.Context(), cc, cmd.Name())
	if err != nil {
		return err
	}
	defer session.Close()

	res, err := session.Service.GetPath(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), res)
	}

	if !res.Found {
		return fmt.Errorf("path %q not found in %s (%s)", args[1], res.DocID, res.Status)
	}

	if res.Stale {
		cc.Statusf("%s is %s; value may be out of date\n", res.DocID, res.Status)
	}

	if s, ok := res.Value.(string); ok {
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	}

	return printJSON(cmd.OutOrStdout(), res.Value)
}

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <doc> <path>",
		Short: "Filter an array inside a document",
		Long: `Resolve path to an array and print the items that satisfy every
condition. Conditions are given with --where as field<op>value, where op is
one of =, !=, <, <=, >, >=. Alternatively pass --predicate with a JSON object
such as '{"price": {"<": 10}, "region": "US"}'. All conditions must hold.`,
		Args: cobra.ExactArgs(2),
		RunE: runQuery,
	}

	cmd.Flags().StringArray("where", nil, "condition field<op>value (repeatable)")
	cmd.Flags().String("predicate", "", "JSON predicate object")

	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	p, err := predicateFlags(cmd)
	if err != nil {
		return err
	}

	session, err := openSession(cmd.Context(), cc, cmd.Name())
	if err != nil {
		return err
	}
	defer session.Close()

	res, err := session.Service.QueryArray(cmd.Context(), args[0], args[1], p)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), res)
	}

	if res.Stale {
		cc.Statusf("%s is %s; results may be out of date\n", res.DocID, res.Status)
	}

	cc.Statusf("%d item(s)\n", len(res.Items))

	return printJSON(cmd.OutOrStdout(), res.Items)
}

// predicateFlags combines --where conditions with a --predicate object.
func predicateFlags(cmd *cobra.Command) (query.Predicate, error) {
	wheres, err := cmd.Flags().GetStringArray("where")
	if err != nil {
		return nil, err
	}

	p, err := query.ParseWheres(wheres)
	if err != nil {
		return nil, err
	}

	raw, err := cmd.Flags().GetString("predicate")
	if err != nil {
		return nil, err
	}

	if raw == "" {
		return p, nil
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("parsing --predicate: %w", err)
	}

	fromJSON, err := query.ParsePredicate(m)
	if err != nil {
		return nil, err
	}

	return query.And(p, fromJSON), nil
}
