package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/incentive-matcher/internal/model"
	"github.com/sells-group/incentive-matcher/internal/reverse"
)

var reverseCmd = &cobra.Command{
	Use:   "reverse",
	Short: "Build and inspect the company to incentive reverse index",
}

var reverseBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Rebuild the reverse index from all scored match records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		_, err = reverse.NewBuilder(st).Build(ctx)
		return err
	},
}

var reverseShowCmd = &cobra.Command{
	Use:   "show <company-id>",
	Short: "Show the best incentives for a company",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entry, err := st.GetReverseIndex(ctx, args[0])
		if err != nil {
			return err
		}
		formatReverse(os.Stdout, entry)
		return nil
	},
}

func init() {
	reverseCmd.AddCommand(reverseBuildCmd, reverseShowCmd)
	rootCmd.AddCommand(reverseCmd)
}

func formatReverse(out io.Writer, e *model.ReverseIndexEntry) {
	fmt.Fprintf(out, "incentives for company %s\n", e.CompanyID)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "RANK\tINCENTIVE\tTITLE\tSCORE\tRANK IN INCENTIVE\n")
	for _, r := range e.Entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.3f\t%d\n", r.Rank, r.IncentiveID, r.IncentiveTitle, r.Score, r.IncentiveRank)
	}
	w.Flush() //nolint:errcheck
}
