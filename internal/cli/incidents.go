package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/trenches/internal/core/domain"
)

var (
	incidentStatus string
	resolution     string
	resolvedBy     string
)

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "Inspect and resolve reorg incidents",
}

var incidentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reorg incidents",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		app := openApp(ctx)
		defer app.Close()

		incidents, err := app.Incidents().List(ctx, domain.IncidentStatus(strings.ToUpper(incidentStatus)), 100)
		exitOnErr("Failed to list incidents", err)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
		_, _ = fmt.Fprintln(w, "ID\tSTATUS\tCHAIN\tUSER\tDEPOSIT\tAMOUNT USD\tDETECTED\tREASON")
		for _, inc := range incidents {
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				inc.ID, inc.Status, inc.Chain, inc.UserID, inc.DepositID,
				inc.AmountUSD.StringFixed(2), inc.DetectedAt.Format("2006-01-02 15:04"), inc.Reason)
		}
		_ = w.Flush()
	},
}

var incidentsResolveCmd = &cobra.Command{
	Use:   "resolve [incident_id]",
	Short: "Resolve an open incident as credited, reversed or dismissed",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Printf("Invalid incident id: %v\n", err)
			os.Exit(1)
		}
		res, err := domain.ParseResolution(resolution)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		ctx := context.Background()
		app := openApp(ctx)
		defer app.Close()

		inc, err := app.Incidents().Resolve(ctx, id, res, resolvedBy)
		exitOnErr("Failed to resolve incident", err)
		fmt.Printf("Incident %d is now %s\n", inc.ID, inc.Status)
	},
}

func init() {
	incidentsListCmd.Flags().StringVar(&incidentStatus, "status", "OPEN", "filter by status, empty for all")
	incidentsResolveCmd.Flags().StringVar(&resolution, "resolution", "", "credited | reversed | dismissed")
	incidentsResolveCmd.Flags().StringVar(&resolvedBy, "by", os.Getenv("USER"), "operator name recorded on the incident")
	_ = incidentsResolveCmd.MarkFlagRequired("resolution")

	incidentsCmd.AddCommand(incidentsListCmd, incidentsResolveCmd)
	rootCmd.AddCommand(incidentsCmd)
}
