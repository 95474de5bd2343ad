package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ineyio/creditledger"
)

func newBalanceCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance WORKSPACE",
		Short: "Show a workspace's balance, holds and available credits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				b, err := a.balanceReader()(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd, o, b, func(w io.Writer) { writeBalance(w, b) })
			})
		},
	}
}

func newBreakdownCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "breakdown WORKSPACE",
		Short: "List lots that still hold credits, in drain order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				lots, err := a.breakdownReader()(ctx, args[0])
				if err != nil {
					return err
				}
				return render(cmd, o, lots, func(w io.Writer) {
					fmt.Fprintln(w, "ALLOCATION\tTYPE\tCATEGORY\tREMAINING\tAMOUNT\tEXPIRES\tDAYS LEFT")
					for _, b := range lots {
						days := "-"
						switch {
						case b.Expired:
							days = "expired"
						case b.DaysUntilExpiry != nil:
							days = fmt.Sprint(*b.DaysUntilExpiry)
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
							b.AllocationID, b.Type, b.Category, b.Remaining, b.Amount, formatTime(b.ExpiresAt), days)
					}
				})
			})
		},
	}
}

func newHistoryCmd(o *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history WORKSPACE",
		Short: "Show the most recent transactions of a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				txs, err := a.ledger.Transactions(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return render(cmd, o, txs, func(w io.Writer) {
					fmt.Fprintln(w, "TRANSACTION\tTYPE\tCATEGORY\tAMOUNT\tALLOCATION\tCREATED\tREASON")
					for _, t := range txs {
						alloc := t.AllocationID
						if alloc == "" {
							alloc = "-"
						}
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
							t.ID, t.Type, t.Category, t.Amount, alloc, formatTime(&t.CreatedAt), t.Reason)
					}
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of transactions to show")
	return cmd
}

func newCreditCmd(o *rootOptions) *cobra.Command {
	var (
		report, full  string
		typ, source   string
		expiresInDays int
	)
	cmd := &cobra.Command{
		Use:   "credit WORKSPACE",
		Short: "Add a credit lot to a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reportAmount, err := parseAmount("report", report)
			if err != nil {
				return err
			}
			fullAmount, err := parseAmount("full", full)
			if err != nil {
				return err
			}
			var expiresAt *time.Time
			if expiresInDays > 0 {
				t := time.Now().UTC().AddDate(0, 0, expiresInDays)
				expiresAt = &t
			}
			if source == "" {
				source = "manual " + typ
			}

			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				res, err := a.ledger.CreditCredits(ctx, args[0], reportAmount, fullAmount,
					creditledger.AllocationType(typ), source, expiresAt)
				if err != nil {
					return err
				}
				return render(cmd, o, res, func(w io.Writer) {
					writeIDs(w, "allocation", res.AllocationIDs)
					writeBalance(w, res.Balance)
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&report, "report", "", "REPORT credits to add")
	f.StringVar(&full, "full", "", "FULL credits to add")
	f.StringVar(&typ, "type", string(creditledger.AllocationPack), "Lot type: MONTHLY, BONUS or PACK")
	f.StringVar(&source, "source", "", "Source description stored on the lot")
	f.IntVar(&expiresInDays, "expires-in-days", 0, "Days until the lot expires (0 never expires)")
	return cmd
}

func newDebitCmd(o *rootOptions) *cobra.Command {
	var (
		report, full string
		reason       string
		processes    int
		reportID     string
		analysisID   string
		holdID       string
	)
	cmd := &cobra.Command{
		Use:   "debit WORKSPACE",
		Short: "Consume credits from a workspace",
		Long: `Consume credits from a workspace, earliest-expiring lots first.

Amounts are given with --report/--full, or derived from --processes using
the report tiers (or the full-analysis batch price when --analysis-id is
set). The printed transaction ids are what refund expects.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reportAmount, err := parseAmount("report", report)
			if err != nil {
				return err
			}
			fullAmount, err := parseAmount("full", full)
			if err != nil {
				return err
			}
			if processes > 0 && report == "" && full == "" {
				if analysisID != "" {
					fullAmount = creditledger.FullCreditCost(processes)
				} else {
					reportAmount = creditledger.ReportCreditCost(processes)
				}
			}

			var meta creditledger.Metadata
			switch {
			case analysisID != "":
				meta = creditledger.AnalysisMetadata{AnalysisID: analysisID}
			case holdID != "":
				meta = creditledger.ScheduledMetadata{HoldID: holdID, ReportID: reportID}
			case reportID != "":
				meta = creditledger.ReportMetadata{ReportID: reportID, ProcessCount: processes}
			}

			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				res, err := a.ledger.Debit(ctx, args[0], reportAmount, fullAmount, reason, meta)
				if err != nil {
					return err
				}
				return render(cmd, o, res, func(w io.Writer) {
					writeIDs(w, "transaction", res.TransactionIDs)
					writeBalance(w, res.Balance)
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&report, "report", "", "REPORT credits to consume")
	f.StringVar(&full, "full", "", "FULL credits to consume")
	f.StringVar(&reason, "reason", "manual debit", "Reason recorded on the transactions")
	f.IntVar(&processes, "processes", 0, "Derive the amount from a process count")
	f.StringVar(&reportID, "report-id", "", "Attach report metadata")
	f.StringVar(&analysisID, "analysis-id", "", "Attach analysis metadata")
	f.StringVar(&holdID, "hold-id", "", "Attach scheduled-report metadata (requires --report-id)")
	return cmd
}

func newRefundCmd(o *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "refund TRANSACTION_ID...",
		Short: "Reverse debit transactions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				res, err := a.ledger.RefundCredits(ctx, args, reason, nil)
				if err != nil {
					return err
				}
				return render(cmd, o, res, func(w io.Writer) {
					fmt.Fprintf(w, "refunded\tREPORT %s\tFULL %s\n", res.ReportRefunded, res.FullRefunded)
					writeIDs(w, "transaction", res.TransactionIDs)
					writeBalance(w, res.Balance)
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual refund", "Reason recorded on the refund")
	return cmd
}

func newCapsCmd(o *rootOptions) *cobra.Command {
	var report, full string
	cmd := &cobra.Command{
		Use:   "caps WORKSPACE",
		Short: "Set a workspace's rollover caps (0 is uncapped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reportCap, err := parseAmount("report", report)
			if err != nil {
				return err
			}
			fullCap, err := parseAmount("full", full)
			if err != nil {
				return err
			}
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				if err := a.ledger.SetRolloverCaps(ctx, args[0], reportCap, fullCap); err != nil {
					return err
				}
				caps := map[string]decimal.Decimal{"report": reportCap, "full": fullCap}
				return render(cmd, o, caps, func(w io.Writer) {
					fmt.Fprintf(w, "rollover caps\tREPORT %s\tFULL %s\n", reportCap, fullCap)
				})
			})
		},
	}
	cmd.Flags().StringVar(&report, "report", "0", "REPORT rollover cap")
	cmd.Flags().StringVar(&full, "full", "0", "FULL rollover cap")
	return cmd
}
