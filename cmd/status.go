package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/incentive-matcher/internal/model"
	"github.com/sells-group/incentive-matcher/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [incentive-id]",
	Short: "Show matching progress, or the match records of one incentive",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if len(args) == 0 {
			counts, err := st.CountIncentives(ctx)
			if err != nil {
				return err
			}
			formatCounts(os.Stdout, counts)
			return nil
		}

		for _, kind := range []model.MatchKind{model.KindScored, model.KindSemantic} {
			rec, err := st.GetMatchRecord(ctx, args[0], kind)
			if err != nil {
				return err
			}
			formatRecord(os.Stdout, rec)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func formatCounts(out io.Writer, c *store.IncentiveCounts) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "INCENTIVES\tSCORED\tPENDING\n")
	fmt.Fprintf(w, "%d\t%d\t%d\n", c.Total, c.Scored, c.Pending)
	w.Flush() //nolint:errcheck
}

func formatRecord(out io.Writer, r *model.MatchRecord) {
	fmt.Fprintf(out, "%s matches for %s (searched %d, eligible %d, iterations %d, processed %s)\n",
		r.Kind, r.IncentiveID, r.CandidatesSearched, r.EligibleCount, r.Iterations,
		r.ProcessedAt.Format("2006-01-02 15:04:05"))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if r.Kind == model.KindScored {
		fmt.Fprintf(w, "RANK\tCOMPANY\tFINAL\tSIM\tS\tM\tG\tO'\tW\n")
		for _, e := range r.Entries {
			c := e.Components
			fmt.Fprintf(w, "%d\t%s\t%.3f\t%.3f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\n",
				e.Rank, label(e.CompanyID, e.CompanyName), e.FinalScore, e.SemanticScore,
				c.S, c.M, c.G, c.OPrime, c.W)
		}
	} else {
		fmt.Fprintf(w, "RANK\tCOMPANY\tSIM\n")
		for _, e := range r.Entries {
			fmt.Fprintf(w, "%d\t%s\t%.3f\n", e.Rank, label(e.CompanyID, e.CompanyName), e.SemanticScore)
		}
	}
	w.Flush() //nolint:errcheck
	fmt.Fprintln(out)
}

func label(id, name string) string {
	if name == "" {
		return id
	}
	return id + " " + name
}
