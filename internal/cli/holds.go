package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newReserveCmd(o *rootOptions) *cobra.Command {
	var (
		report, full string
		ttlDays      int
	)
	cmd := &cobra.Command{
		Use:   "reserve WORKSPACE REPORT_ID",
		Short: "Hold credits for a scheduled report",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reportAmount, err := parseAmount("report", report)
			if err != nil {
				return err
			}
			fullAmount, err := parseAmount("full", full)
			if err != nil {
				return err
			}
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				res, err := a.ledger.ReserveCredits(ctx, args[0], args[1], reportAmount, fullAmount, ttlDays)
				if err != nil {
					return err
				}
				return render(cmd, o, res, func(w io.Writer) {
					fmt.Fprintf(w, "hold\t%s\n", res.HoldID)
					fmt.Fprintf(w, "expires\t%s\n", formatTime(&res.ExpiresAt))
					writeBalance(w, res.Balance)
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&report, "report", "", "REPORT credits to hold")
	f.StringVar(&full, "full", "", "FULL credits to hold")
	f.IntVar(&ttlDays, "ttl-days", 0, "Hold lifetime in days (0 uses the configured default)")
	return cmd
}

func newReleaseCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release HOLD_ID",
		Short: "Release a hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				if err := a.ledger.ReleaseReservation(ctx, args[0]); err != nil {
					return err
				}
				return render(cmd, o, map[string]string{"released": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "released\t%s\n", args[0])
				})
			})
		},
	}
}
