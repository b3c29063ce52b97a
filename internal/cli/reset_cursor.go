package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/trenches/internal/core/domain"
)

var resetCursorCmd = &cobra.Command{
	Use:   "reset-cursor [chain] [next_block]",
	Short: "Set the next block the scheduled scanner reads on a chain",
	Long: `Set the next block the scheduled scanner reads on a chain. Moving it back
rescans: deposits already recorded are not duplicated.`,
	Args: cobra.ExactArgs(2),
	Run:  runResetCursor,
}

func init() {
	rootCmd.AddCommand(resetCursorCmd)
}

func runResetCursor(cmd *cobra.Command, args []string) {
	chainID, err := domain.ParseChainID(args[0])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	height, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Invalid block height: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()

	exitOnErr("Failed to reset cursor", app.Store().Cursors().Save(ctx, chainID, height))
	fmt.Printf("Successfully reset cursor for %s to block %d\n", chainID, height)
}
