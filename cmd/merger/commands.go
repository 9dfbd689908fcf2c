package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/propmerge/internal/ingest"
	"github.com/propmerge/internal/listing"
	"github.com/propmerge/internal/normalize"
	"github.com/propmerge/internal/pipeline"
	"github.com/propmerge/internal/store"
	"github.com/propmerge/internal/web"
	"github.com/propmerge/internal/web/handlers"
)

func (a *app) createRunCmd() *cobra.Command {
	var (
		region  string
		workers int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one merge pass over the loaded source listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if !cmd.Flags().Changed("region") {
				region = a.cfg.Run.Region
			}
			stats, err := pipeline.New(a.pipelineConfig(), st, a.sink).Run(ctx, pipeline.Options{
				Region:  region,
				Workers: workers,
			})
			if err != nil {
				return err
			}
			fmt.Println(renderRunStats([]listing.RunStats{stats}))
			return nil
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "only merge listings of this region (default run.region)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker count (default run.workers)")
	return cmd
}

func (a *app) createImportCmd() *cobra.Command {
	var (
		region    string
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "import <zillow|redfin|realtor> <file>...",
		Short: "Import provider listing exports (CSV or JSON Lines)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := listing.ParseSource(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			im := ingest.NewImporter(st, a.sink).WithBatchSize(batchSize)
			var total ingest.Result
			for _, path := range args[1:] {
				res, err := im.ImportFile(ctx, path, src, region)
				total.Imported += res.Imported
				total.Errors += res.Errors
				if err != nil {
					return fmt.Errorf("import %s: %w", path, err)
				}
			}
			fmt.Printf("Imported %d %s listings, %d rejected\n", total.Imported, src, total.Errors)
			return nil
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "region assigned to every imported listing")
	cmd.Flags().IntVar(&batchSize, "batch-size", ingest.DefaultBatchSize, "listings written per batch")
	return cmd
}

func (a *app) createStatsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "stats [YYYY-MM-DD]",
		Short: "Show daily merge statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			var rows []listing.RunStats
			if len(args) == 1 {
				day, err := time.Parse(time.DateOnly, args[0])
				if err != nil {
					return fmt.Errorf("date must be YYYY-MM-DD: %w", err)
				}
				s, err := st.GetRunStats(ctx, day)
				if err != nil {
					return fmt.Errorf("stats for %s: %w", args[0], err)
				}
				rows = append(rows, *s)
			} else {
				rows, err = st.ListRunStats(ctx, limit)
				if err != nil {
					return err
				}
			}
			if len(rows) == 0 {
				fmt.Println("No merge runs recorded")
				return nil
			}
			fmt.Println(renderRunStats(rows))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 14, "number of run dates to list")
	return cmd
}

func renderRunStats(all []listing.RunStats) string {
	headers := []string{"Date", "Region", "Processed", "Merged", "Inserted", "Updated", "Unchanged", "Conflicts", "Errors", "Quality", "Confidence", "Elapsed"}
	aligns := []columnAlignment{alignLeft, alignLeft}
	for range headers[2:] {
		aligns = append(aligns, alignRight)
	}
	rows := make([][]string, 0, len(all))
	for _, s := range all {
		region := s.Region
		if region == "" {
			region = "all"
		}
		rows = append(rows, []string{
			s.RunDate.Format(time.DateOnly),
			region,
			strconv.Itoa(s.Processed),
			strconv.Itoa(s.Merged),
			strconv.Itoa(s.Inserted),
			strconv.Itoa(s.Updated),
			strconv.Itoa(s.Unchanged),
			strconv.Itoa(s.Conflicts),
			strconv.Itoa(s.Errors),
			fmt.Sprintf("%.3f", s.AvgQuality),
			fmt.Sprintf("%.3f", s.AvgConfidence),
			s.Elapsed.Round(time.Millisecond).String(),
		})
	}
	return renderTable(headers, rows, aligns)
}

func (a *app) createShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <id|address>",
		Short: "Show one merged property with its conflicts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			key := strings.Join(args, " ")
			e, err := st.GetMerged(ctx, key)
			if errors.Is(err, store.ErrNotFound) {
				e, err = st.FindByAddress(ctx, normalize.Address(key))
			}
			if err != nil {
				return fmt.Errorf("property %q: %w", key, err)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(e)
			}
			printEntity(e)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full record as JSON")
	return cmd
}

func printEntity(e *listing.MergedEntity) {
	fmt.Printf("%s  %s\n", e.ID, e.NormalizedAddress)
	fmt.Printf("sources=%d method=%s quality=%.3f", e.SourceCount, e.MatchMethod, e.QualityScore)
	if e.MatchConfidence != nil {
		fmt.Printf(" confidence=%.3f", *e.MatchConfidence)
	}
	fmt.Println()

	rows := [][]string{
		{"price", formatFloat(e.Price)},
		{"beds", formatFloat(e.Beds)},
		{"baths", formatFloat(e.Baths)},
		{"area", formatFloat(e.Area)},
		{"lot_size", formatFloat(e.LotSize)},
		{"property_type", e.PropertyType},
		{"status", e.Status},
	}
	if e.YearBuilt != nil {
		rows = append(rows, []string{"year_built", strconv.Itoa(*e.YearBuilt)})
	}
	fmt.Println(renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))

	if len(e.DataConflicts) == 0 {
		return
	}
	fields := make([]string, 0, len(e.DataConflicts))
	for f := range e.DataConflicts {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	var conflicts [][]string
	for _, f := range fields {
		c := e.DataConflicts[f]
		var vals []string
		for _, src := range listing.Sources() {
			if v, ok := c.Values[src]; ok {
				vals = append(vals, fmt.Sprintf("%s=%g", src, v))
			}
		}
		conflicts = append(conflicts, []string{
			f,
			strings.Join(vals, " "),
			fmt.Sprintf("%.1f%%", c.Spread*100),
			fmt.Sprintf("%g", c.Resolved),
		})
	}
	fmt.Println(renderTable([]string{"Conflict", "Values", "Spread", "Resolved"}, conflicts,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight}))
}

func formatFloat(p *float64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func (a *app) createChangesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "changes <id>",
		Short: "Show the field change history of a merged property",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			changes, err := st.ListChanges(ctx, args[0])
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				fmt.Println("No changes recorded")
				return nil
			}
			rows := make([][]string, 0, len(changes))
			for _, c := range changes {
				rows = append(rows, []string{
					c.ChangedAt.Format(time.RFC3339),
					c.Field,
					fmt.Sprint(c.Old),
					fmt.Sprint(c.New),
					c.Source,
				})
			}
			fmt.Println(renderTable([]string{"Changed", "Field", "Old", "New", "Source"}, rows, nil))
			return nil
		},
	}
}

func (a *app) createNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <address>...",
		Short: "Print the normalized form of each address",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rows := make([][]string, 0, len(args))
			for _, raw := range args {
				rows = append(rows, []string{raw, normalize.Address(raw), strings.Join(normalize.ExpandAll(raw), " | ")})
			}
			fmt.Println(renderTable([]string{"Input", "Normalized", "Expansions"}, rows, nil))
			if !normalize.PostalEnabled {
				fmt.Println("libpostal expansion disabled (build with -tags libpostal)")
			}
		},
	}
}

func (a *app) createMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Printf("Schema up to date (%s)\n", a.cfg.Database.Driver)
			return nil
		},
	}
}

func (a *app) createPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Test database connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			fmt.Println("Database connection successful!")
			pools, err := st.LoadSources(ctx, "")
			if err != nil {
				return err
			}
			for _, src := range listing.Sources() {
				fmt.Printf("%-8s listings loaded: %d\n", src, len(pools[src]))
			}
			merged, err := st.ListMerged(ctx, store.ListFilter{})
			if err != nil {
				return err
			}
			fmt.Printf("merged properties: %d\n", len(merged))
			return nil
		},
	}
}

func (a *app) createServeCmd() *cobra.Command {
	var (
		addr      string
		allowRuns bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the listings API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			cfg := web.ConfigFrom(a.cfg.Server)
			if addr != "" {
				cfg.Addr = addr
			}
			var runner handlers.Runner
			if allowRuns {
				runner = pipeline.New(a.pipelineConfig(), st, a.sink)
			}
			return web.NewServer(cfg, st, runner, a.logger).Start(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.host:server.port)")
	cmd.Flags().BoolVar(&allowRuns, "allow-runs", true, "expose POST /api/runs")
	return cmd
}
