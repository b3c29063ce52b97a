package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/indexing/scanner"
)

var rescanCmd = &cobra.Command{
	Use:   "rescan [chain] [start-end]",
	Short: "Record the deposits of a block range again without moving the cursor",
	Args:  cobra.ExactArgs(2),
	Run:   runRescan,
}

func init() {
	rootCmd.AddCommand(rescanCmd)
}

func runRescan(cmd *cobra.Command, args []string) {
	chainID, err := domain.ParseChainID(args[0])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	r, err := scanner.ParseRange(args[1])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()

	res, err := app.Scanner().Rescan(ctx, chainID, r)
	exitOnErr("Rescan failed", err)
	if res.Skipped {
		fmt.Printf("Scan of %s is running elsewhere, try again later\n", chainID)
		return
	}
	fmt.Printf("Rescanned %s %s: %d found, %d new deposits\n", chainID, r, res.Found, res.Recorded)
}
