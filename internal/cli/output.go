package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ineyio/creditledger"
)

func withApp(cmd *cobra.Command, o *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, o)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func parseAmount(flag, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s: %q is not a number", flag, s)
	}
	return d, nil
}

func render(cmd *cobra.Command, o *rootOptions, v any, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	switch o.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		text(tw)
		return tw.Flush()
	default:
		return fmt.Errorf("invalid output format %q (want text or json)", o.output)
	}
}

func writeBalance(w io.Writer, b creditledger.Balance) {
	fmt.Fprintf(w, "workspace\t%s\n", b.WorkspaceID)
	fmt.Fprintln(w, "CATEGORY\tBALANCE\tHELD\tAVAILABLE")
	for _, c := range creditledger.Categories {
		cb := b.Of(c)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c, cb.Balance, cb.Held, cb.Available)
	}
}

func writeIDs(w io.Writer, label string, ids []string) {
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%s\n", label, id)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
