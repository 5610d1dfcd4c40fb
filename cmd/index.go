package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/incentive-matcher/internal/embed"
	"github.com/sells-group/incentive-matcher/internal/model"
	"github.com/sells-group/incentive-matcher/internal/resilience"
	"github.com/sells-group/incentive-matcher/internal/vindex"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build and query the company embedding index",
}

var indexBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Embed company profiles into the vector index",
	Long:  "Pages through every company and embeds its profile. Companies already indexed are skipped unless --rebuild is set. Do not run while a match is in progress.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("index"); err != nil {
			return err
		}
		rebuild, _ := cmd.Flags().GetBool("rebuild")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		costs := newCostTracker()
		embedder, err := embed.New(cfg, costs)
		if err != nil {
			return err
		}
		idx, err := openIndex()
		if err != nil {
			return err
		}
		defer idx.Close() //nolint:errcheck

		stats, err := vindex.NewBuilder(st, embedder, idx, vindex.BuildOptions{
			BatchSize: cfg.Embedding.BatchSize,
			Workers:   cfg.Embedding.Workers,
			Rebuild:   rebuild,
			Retry:     resilience.FromRetryConfig(cfg.Retry),
		}).Build(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("index build complete",
			zap.Int64("scanned", stats.Scanned),
			zap.Int64("embedded", stats.Embedded),
			zap.Int64("skipped", stats.Skipped),
			zap.Int("indexed", stats.Indexed),
			zap.Duration("elapsed", stats.Elapsed),
		)
		costs.Log(0)
		return nil
	},
}

var indexSearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Query the index with free text or an incentive's query text",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		text, _ := cmd.Flags().GetString("text")
		incentiveID, _ := cmd.Flags().GetString("incentive")
		n, _ := cmd.Flags().GetInt("n")
		if (text == "") == (incentiveID == "") {
			return eris.New("exactly one of --text or --incentive is required")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		inc := &model.Incentive{ID: "adhoc", Sector: text}
		if incentiveID != "" {
			if inc, err = st.GetIncentive(ctx, incentiveID); err != nil {
				return err
			}
		}

		embedder, err := embed.New(cfg, nil)
		if err != nil {
			return err
		}
		idx, err := openIndex()
		if err != nil {
			return err
		}
		defer idx.Close() //nolint:errcheck

		r := vindex.NewRetriever(idx, embedder)
		vec, err := r.QueryVector(ctx, inc)
		if err != nil {
			return err
		}
		hits, err := r.Search(ctx, vec, n)
		if err != nil {
			return err
		}

		ids := make([]string, len(hits))
		for i, h := range hits {
			ids[i] = h.CompanyID
		}
		companies, err := st.GetCompanies(ctx, ids)
		if err != nil {
			return err
		}
		formatHits(os.Stdout, hits, companies)
		return nil
	},
}

func init() {
	indexBuildCmd.Flags().Bool("rebuild", false, "re-embed companies that are already indexed")
	indexSearchCmd.Flags().String("text", "", "free text to search for")
	indexSearchCmd.Flags().String("incentive", "", "search with this incentive's query text")
	indexSearchCmd.Flags().IntP("n", "n", 10, "number of results")
	indexCmd.AddCommand(indexBuildCmd, indexSearchCmd)
	rootCmd.AddCommand(indexCmd)
}

func formatHits(out io.Writer, hits []vindex.Hit, companies map[string]model.Company) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "#\tCOMPANY\tNAME\tSIMILARITY\n")
	for i, h := range hits {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.4f\n", i+1, h.CompanyID, companies[h.CompanyID].Name, h.Similarity)
	}
	w.Flush() //nolint:errcheck
}
