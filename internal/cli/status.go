package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/trenches/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chain health, scan cursors, deposit and payout counts",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()

	store := app.Store()
	report := app.Monitor().CheckHealth(ctx)
	fmt.Printf("System: %s (store: %s)\n\n", report.SystemStatus, report.Store)

	cursors, err := store.Cursors().List(ctx)
	exitOnErr("Failed to list cursors", err)
	next := make(map[string]uint64, len(cursors))
	for _, c := range cursors {
		next[string(c.Chain)] = c.NextBlock
	}

	ids := make([]string, 0, len(report.Chains))
	for id := range report.Chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CHAIN\tSTATUS\tHEAD\tNEXT BLOCK\tLAG\tOPEN DEPOSITS\tOPEN INCIDENTS")
	for _, id := range ids {
		h := report.Chains[id]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			id, h.Status, h.LatestBlock, next[id], h.ScanLag, h.PendingDeposits, h.OpenIncidents)
	}
	_ = w.Flush()

	stats, err := store.Deposits().CountByStatus(ctx)
	exitOnErr("Failed to count deposits", err)
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CHAIN\tDEPOSIT STATUS\tCOUNT")
	for _, s := range stats {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", s.Chain, s.Status, s.Count)
	}
	_ = w.Flush()

	payouts, err := store.Payouts().CountByStatus(ctx)
	exitOnErr("Failed to count payouts", err)
	paused, err := app.Payouts().Paused(ctx)
	exitOnErr("Failed to read pause flag", err)
	fmt.Printf("\nPayouts (paused: %t):", paused)
	for _, st := range []domain.PayoutStatus{domain.PayoutPending, domain.PayoutExecuting, domain.PayoutConfirmed, domain.PayoutFailed} {
		fmt.Printf(" %s=%d", st, payouts[st])
	}
	fmt.Println()
}
