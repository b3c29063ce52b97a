package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/trenches/internal/control"
	"github.com/vietddude/trenches/internal/payout"
)

var processLimit int

var payoutsCmd = &cobra.Command{
	Use:   "payouts",
	Short: "Control the payout queue",
}

func payoutAction(use, short string, fn func(ctx context.Context, app *control.App, args []string)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			app := openApp(ctx)
			defer app.Close()
			fn(ctx, app, args)
		},
	}
}

func payoutID(args []string) int64 {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Invalid payout id: %v\n", err)
		os.Exit(1)
	}
	return id
}

func init() {
	pause := payoutAction("pause", "Pause payout processing", func(ctx context.Context, app *control.App, _ []string) {
		exitOnErr("Failed to pause payouts", app.Payouts().Pause(ctx))
		fmt.Println("Payouts paused")
	})
	resume := payoutAction("resume", "Resume payout processing", func(ctx context.Context, app *control.App, _ []string) {
		exitOnErr("Failed to resume payouts", app.Payouts().Resume(ctx))
		fmt.Println("Payouts resumed")
	})

	process := payoutAction("process", "Run one payout cycle now", func(ctx context.Context, app *control.App, _ []string) {
		res, err := app.Payouts().ProcessQueue(ctx, processLimit)
		exitOnErr("Payout cycle failed", err)
		switch {
		case res.Paused:
			fmt.Println("Payouts are paused")
		case res.Skipped:
			fmt.Println("Another cycle is running")
		default:
			for _, it := range append(res.Settled, res.Items...) {
				fmt.Printf("payout %d on %s: %s %s %s\n", it.PayoutID, it.Chain, it.Outcome, it.TxHash, it.Error)
			}
			fmt.Printf("%d processed: %d confirmed, %d failed, %d requeued\n", len(res.Items),
				res.Count(payout.OutcomeConfirmed), res.Count(payout.OutcomeFailed), res.Count(payout.OutcomeRequeued))
		}
	})
	process.Flags().IntVar(&processLimit, "limit", 0, "payouts to process, 0 for the configured batch size")

	requeue := payoutAction("requeue [payout_id]", "Move a FAILED payout back to PENDING", func(ctx context.Context, app *control.App, args []string) {
		po, err := app.Payouts().Requeue(ctx, payoutID(args))
		exitOnErr("Failed to requeue payout", err)
		fmt.Printf("Payout %d is %s\n", po.ID, po.Status)
	})
	requeue.Args = cobra.ExactArgs(1)

	refund := payoutAction("refund [payout_id]", "Refund a FAILED payout to the user balance", func(ctx context.Context, app *control.App, args []string) {
		po, err := app.Payouts().Refund(ctx, payoutID(args))
		exitOnErr("Failed to refund payout", err)
		fmt.Printf("Payout %d refunded: %s USD to user %d\n", po.ID, po.AmountUSD.StringFixed(2), po.UserID)
	})
	refund.Args = cobra.ExactArgs(1)

	payoutsCmd.AddCommand(pause, resume, process, requeue, refund)
	rootCmd.AddCommand(payoutsCmd)
}
