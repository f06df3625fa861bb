package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/PostPilot/internal/ingest"
	"github.com/TobiSchelling/PostPilot/internal/jobs"
	"github.com/TobiSchelling/PostPilot/internal/models"
	"github.com/TobiSchelling/PostPilot/internal/pipeline"
	"github.com/TobiSchelling/PostPilot/internal/server"
)

// --- status command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show jobs, indexed documents, and model configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("")
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		fmt.Printf("Database: %s\n\n", a.db.Path())
		fmt.Println("Jobs:")
		for _, p := range a.platforms {
			list, err := a.jobs.List(ctx, p)
			if err != nil {
				return fmt.Errorf("listing %s jobs: %w", p, err)
			}
			counts := make(map[models.JobStatus]int)
			for _, j := range list {
				counts[j.Status]++
			}
			fmt.Printf("  %-10s pending=%d processing=%d processed=%d failed=%d\n", p,
				counts[models.StatusPending], counts[models.StatusProcessing],
				counts[models.StatusProcessed], counts[models.StatusFailed])
		}

		owners, err := a.docs.CountByOwner(ctx)
		if err != nil {
			return fmt.Errorf("counting documents: %w", err)
		}
		fmt.Printf("\nIndexed documents (%s backend):\n", cfg.Index.Backend)
		if len(owners) == 0 {
			fmt.Println("  none. Add some with: postpilot ingest file|feed")
		}
		for _, oc := range owners {
			fmt.Printf("  %-10s @%s: %d\n", oc.Platform, oc.Owner, oc.Count)
		}

		provs, err := providers()
		if err != nil {
			return err
		}
		fmt.Println("\nModels:")
		if len(provs) == 0 {
			fmt.Println("  none (rule-based synthesis only)")
		}
		for _, p := range provs {
			state := "ready"
			if !p.IsConfigured() {
				state = "missing API key or server"
			}
			fmt.Printf("  %s: %s\n", p.Model(), state)
		}
		return nil
	},
}

// --- run / poll commands ---

var (
	dryRun       bool
	platformFlag string
)

func printResult(r *pipeline.Result) {
	if len(r.Jobs) == 0 {
		fmt.Println("No pending jobs.")
		return
	}
	for _, j := range r.Jobs {
		line := fmt.Sprintf("  %s/@%s: %s", j.Platform, j.Username, j.Outcome)
		if j.Tier != "" {
			line += fmt.Sprintf(" [%s]", j.Tier)
		}
		if j.Detail != "" {
			line += " - " + j.Detail
		}
		fmt.Println(line)
	}
	fmt.Printf("\n%d processed, %d re-exported, %d deferred, %d failed, %d skipped\n",
		r.Count(pipeline.OutcomeProcessed), r.Count(pipeline.OutcomeReexported),
		r.Count(pipeline.OutcomeDeferred), r.Count(pipeline.OutcomeFailed),
		r.Count(pipeline.OutcomeSkipped))
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one poll cycle over every pending job",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(platformFlag)
		if err != nil {
			return err
		}
		defer a.Close()

		pipe, err := a.pipeline(ctx)
		if err != nil {
			return err
		}

		var result *pipeline.Result
		if dryRun {
			result, err = pipe.DryRun(ctx)
		} else {
			result, err = pipe.RunCycle(ctx)
		}
		if result != nil {
			printResult(result)
		}
		return err
	},
}

var pollInterval time.Duration

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll for pending jobs until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(platformFlag)
		if err != nil {
			return err
		}
		defer a.Close()

		pipe, err := a.pipeline(ctx)
		if err != nil {
			return err
		}
		interval := pollInterval
		if interval <= 0 {
			interval = cfg.Poller.Interval
		}
		logger.Info("polling", zap.Duration("interval", interval), zap.Int("platforms", len(a.platforms)))
		return pipe.Poll(ctx, interval)
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
	for _, c := range []*cobra.Command{runCmd, pollCmd} {
		c.Flags().StringVarP(&platformFlag, "platform", "p", "", "Only process this platform")
	}
	pollCmd.Flags().DurationVar(&pollInterval, "interval", 0, "Override poller.interval")
}

// --- jobs command ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage account jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs per platform",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(platformFlag)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, p := range a.platforms {
			list, err := a.jobs.List(cmd.Context(), p)
			if err != nil {
				return err
			}
			fmt.Printf("%s:\n", p)
			if len(list) == 0 {
				fmt.Println("  (none)")
				continue
			}
			for _, j := range list {
				fmt.Printf("  @%-20s %-10s %s\n", j.Username, j.Status, j.Detail)
				if c := j.Competitors(); len(c) > 0 {
					fmt.Printf("    competitors: %s\n", strings.Join(c, ", "))
				}
			}
		}
		return nil
	},
}

var (
	accountType  string
	postingStyle string
	competitors  []string
)

var jobsAddCmd = &cobra.Command{
	Use:   "add [platform] [username]",
	Short: "Declare an account for processing",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, err := models.ParsePlatform(args[0])
		if err != nil {
			return err
		}
		at := models.AccountType(strings.ToLower(accountType))
		if at != models.AccountBranding && at != models.AccountPersonal {
			return fmt.Errorf("account type must be branding or personal, got %q", accountType)
		}

		a, err := newApp("")
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.jobs.Create(cmd.Context(), jobs.Declaration{
			Platform:     platform,
			Username:     args[1],
			AccountType:  at,
			PostingStyle: postingStyle,
			Competitors:  competitors,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Declared %s/@%s (%s) with %d competitors\n", job.Platform, job.Username, job.Status, len(job.CompetitorUsernames))
		return nil
	},
}

var jobsResetCmd = &cobra.Command{
	Use:   "reset [platform] [username]",
	Short: "Re-queue a failed job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, err := models.ParsePlatform(args[0])
		if err != nil {
			return err
		}
		a, err := newApp("")
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.jobs.Reset(cmd.Context(), platform, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Reset %s/@%s to %s\n", job.Platform, job.Username, job.Status)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().StringVarP(&platformFlag, "platform", "p", "", "Only list this platform")
	jobsAddCmd.Flags().StringVarP(&accountType, "type", "t", string(models.AccountBranding), "Account type: branding or personal")
	jobsAddCmd.Flags().StringVarP(&postingStyle, "style", "s", "", "Free-text description of the posting style")
	jobsAddCmd.Flags().StringSliceVar(&competitors, "competitor", nil, "Competitor username (repeatable or comma-separated)")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsAddCmd)
	jobsCmd.AddCommand(jobsResetCmd)
}

// --- ingest command ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load posts into the local content index",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		if cfg.Index.Backend == "postgres" {
			logger.Warn("ingest writes to the local sqlite index; the shared postgres table is not modified")
		}
		return nil
	},
}

var (
	ingestPlatform     string
	ingestCompetitorOf []string
)

var ingestFileCmd = &cobra.Command{
	Use:   "file [path...]",
	Short: "Index scraper JSON dumps",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var platform models.Platform
		if ingestPlatform != "" {
			p, err := models.ParsePlatform(ingestPlatform)
			if err != nil {
				return err
			}
			platform = p
		}

		a, err := newApp("")
		if err != nil {
			return err
		}
		defer a.Close()

		fi := ingest.NewFileIngestor(a.docs, logger.Named("ingest"))
		for _, path := range args {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			res, err := fi.Ingest(cmd.Context(), f, platform, ingestCompetitorOf)
			f.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s: %d found, %d indexed, %d skipped\n", path, res.Found, res.Indexed, res.Skipped)
		}
		return nil
	},
}

var ingestFeedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Index the account feeds listed in the config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Feeds) == 0 {
			fmt.Println("No feeds configured. Add entries under feeds: in the config.")
			return nil
		}
		var sources []ingest.FeedSource
		for _, f := range cfg.Feeds {
			p, err := models.ParsePlatform(f.Platform)
			if err != nil {
				return fmt.Errorf("feed %s: %w", f.URL, err)
			}
			sources = append(sources, ingest.FeedSource{URL: f.URL, Owner: f.Owner, Platform: p, CompetitorOf: f.CompetitorOf})
		}

		ctx, cancel := signalContext()
		defer cancel()
		a, err := newApp("")
		if err != nil {
			return err
		}
		defer a.Close()

		fi := ingest.NewFeedIngestor(sources, a.docs, ingest.NewFetcher(0), logger.Named("ingest"))
		res, err := fi.IngestAll(ctx)
		if res != nil {
			fmt.Printf("%d found, %d indexed, %d fetched, %d skipped, %d failed\n",
				res.Found, res.Indexed, res.Fetched, res.Skipped, res.Failed)
		}
		return err
	},
}

func init() {
	ingestFileCmd.Flags().StringVarP(&ingestPlatform, "platform", "p", "", "Platform for posts that do not name one")
	ingestFileCmd.Flags().StringSliceVar(&ingestCompetitorOf, "competitor-of", nil, "Link every post as a competitor of these accounts")

	ingestCmd.AddCommand(ingestFileCmd)
	ingestCmd.AddCommand(ingestFeedCmd)
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local dashboard and /metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp("")
		if err != nil {
			return err
		}
		defer a.Close()

		srv, err := server.New(a.jobs, a.db.Objects(), a.platforms, logger.Named("server"))
		if err != nil {
			return err
		}
		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting dashboard at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, srv, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default server.port)")
}
