package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ineyio/creditledger"
)

func newAllocateCmd(o *rootOptions) *cobra.Command {
	var (
		planName     string
		report, full string
	)
	cmd := &cobra.Command{
		Use:   "allocate WORKSPACE...",
		Short: "Run the monthly allocation for workspaces",
		Long: `Run the monthly allocation for one or more workspaces.

The plan is looked up by --plan in the config file, or given ad hoc with
--report/--full quotas. Each workspace is topped up to at most its
rollover cap. A failing workspace does not stop the others.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				plan, err := resolvePlan(a.ledger, planName, report, full)
				if err != nil {
					return err
				}

				type row struct {
					Workspace string
					Result    creditledger.AllocationResult
					Error     string `json:",omitempty"`
				}
				rows := make([]row, 0, len(args))
				var failed int
				for _, ws := range args {
					res, err := a.ledger.MonthlyAllocation(ctx, ws, plan)
					r := row{Workspace: ws, Result: res}
					if err != nil {
						failed++
						r.Error = err.Error()
					}
					rows = append(rows, r)
				}

				if err := render(cmd, o, rows, func(w io.Writer) {
					fmt.Fprintln(w, "WORKSPACE\tREPORT ADDED\tFULL ADDED\tREPORT BALANCE\tFULL BALANCE\tERROR")
					for _, r := range rows {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Workspace,
							r.Result.ReportAdded, r.Result.FullAdded,
							r.Result.Balance.Report.Balance, r.Result.Balance.Full.Balance, r.Error)
					}
				}); err != nil {
					return err
				}
				if failed > 0 {
					return fmt.Errorf("monthly allocation failed for %d of %d workspaces", failed, len(args))
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&planName, "plan", "", "Plan name from the config file")
	f.StringVar(&report, "report", "", "Ad hoc monthly REPORT quota")
	f.StringVar(&full, "full", "", "Ad hoc monthly FULL quota")
	return cmd
}

func resolvePlan(l *creditledger.Ledger, name, report, full string) (creditledger.Plan, error) {
	if name != "" {
		return l.PlanByName(name)
	}
	if report == "" && full == "" {
		return creditledger.Plan{}, errors.New("either --plan or --report/--full is required")
	}
	reportQuota, err := parseAmount("report", report)
	if err != nil {
		return creditledger.Plan{}, err
	}
	fullQuota, err := parseAmount("full", full)
	if err != nil {
		return creditledger.Plan{}, err
	}
	return creditledger.Plan{Name: "adhoc", MonthlyReportCredits: reportQuota, MonthlyFullCredits: fullQuota}, nil
}

func newSweepCmd(o *rootOptions) *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire lots and holds past their expiry",
		Long: `Zero every lot past its expiry and delete expired holds.

With --every the sweep runs immediately and then on that interval until
interrupted. Failed runs are logged and retried on the next tick.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, o, func(ctx context.Context, a *app) error {
				if every <= 0 {
					res, err := a.ledger.CleanupExpiredCredits(ctx)
					if err != nil {
						return err
					}
					return render(cmd, o, res, func(w io.Writer) {
						fmt.Fprintf(w, "expired allocations\t%d\n", res.ExpiredAllocations)
						fmt.Fprintf(w, "expired holds\t%d\n", res.ExpiredHolds)
					})
				}

				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				runSweepLoop(ctx, a, every)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "Run continuously on this interval (e.g. 1h)")
	return cmd
}

func runSweepLoop(ctx context.Context, a *app, every time.Duration) {
	a.logger.Info("expiration sweeper started", "interval", every.String())
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if _, err := a.ledger.CleanupExpiredCredits(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("expiration sweep failed", "error", err, "fatal", creditledger.IsFatal(err))
		}
		select {
		case <-ctx.Done():
			a.logger.Info("expiration sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

func newCostCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cost PROCESSES",
		Short: "Show the credit cost of a report and a full analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return fmt.Errorf("PROCESSES must be a non-negative integer, got %q", args[0])
			}
			costs := map[string]decimal.Decimal{
				"report": creditledger.ReportCreditCost(n),
				"full":   creditledger.FullCreditCost(n),
			}
			return render(cmd, o, costs, func(w io.Writer) {
				fmt.Fprintf(w, "processes\t%d\n", n)
				fmt.Fprintf(w, "report credits\t%s\n", costs["report"])
				fmt.Fprintf(w, "full credits\t%s\n", costs["full"])
			})
		},
	}
}
