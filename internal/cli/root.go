// Package cli implements the creditctl command tree.
package cli

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	driver      string
	dsn         string
	configPath  string
	logFormat   string
	logLevel    string
	output      string
	policy      string
	metricsAddr string
	cacheTTL    time.Duration
	redisAddr   string
}

// Execute runs creditctl against os.Args.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "creditctl",
		Short: "Operate the workspace credit ledger",
		Long: `creditctl inspects and changes workspace credit balances.

Balances are tracked in two currencies (REPORT and FULL) as lots that are
drained earliest-expiry first. The monthly allocator and the expiration
sweep are exposed as the allocate and sweep commands so they can be run
from cron or as a long-lived process with sweep --every.`,
		SilenceUsage: true,
	}

	dsn := os.Getenv("CREDITLEDGER_DSN")
	if dsn == "" {
		dsn = "creditledger.db"
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&o.driver, "driver", "sqlite", "Store driver: sqlite or postgres")
	pf.StringVar(&o.dsn, "dsn", dsn, "SQLite file path or Postgres connection string (env CREDITLEDGER_DSN)")
	pf.StringVarP(&o.configPath, "config", "c", os.Getenv("CREDITLEDGER_CONFIG"), "Ledger config file (.yaml or .toml)")
	pf.StringVar(&o.logFormat, "log-format", "text", "Log format: text or json")
	pf.StringVar(&o.logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	pf.StringVarP(&o.output, "output", "o", "text", "Output format: text or json")
	pf.StringVar(&o.policy, "policy", "expiry", "Lot consumption order: expiry, created or bonus-first")
	pf.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	pf.DurationVar(&o.cacheTTL, "cache-ttl", 0, "Cache balance and breakdown reads for this long (0 disables)")
	pf.StringVar(&o.redisAddr, "redis-addr", "", "Use Redis at this address as the read cache backend")

	cmd.AddCommand(
		newBalanceCmd(o),
		newBreakdownCmd(o),
		newHistoryCmd(o),
		newCreditCmd(o),
		newDebitCmd(o),
		newRefundCmd(o),
		newReserveCmd(o),
		newReleaseCmd(o),
		newCapsCmd(o),
		newAllocateCmd(o),
		newSweepCmd(o),
		newCostCmd(o),
	)
	return cmd
}
