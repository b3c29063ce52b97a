package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/trenches/internal/core/domain"
)

var deriveCmd = &cobra.Command{
	Use:   "derive [user_id] [chain]",
	Short: "Print (and persist on first use) the deposit address of a user",
	Args:  cobra.ExactArgs(2),
	Run:   runDerive,
}

func init() {
	rootCmd.AddCommand(deriveCmd)
}

func runDerive(cmd *cobra.Command, args []string) {
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Invalid user id: %v\n", err)
		os.Exit(1)
	}
	chainID, err := domain.ParseChainID(args[1])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	ctx := context.Background()
	app := openApp(ctx)
	defer app.Close()

	addr, err := app.Addresses().GetOrCreate(ctx, userID, chainID)
	exitOnErr("Failed to derive address", err)
	fmt.Printf("%s\t%s\tindex=%d\n", addr.Chain, addr.Address, addr.DerivationIndex)
}
