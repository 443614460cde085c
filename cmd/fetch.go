package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/pubsub"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/stf-case-fetcher/internal/api"
	"github.com/JakeFAU/stf-case-fetcher/internal/casefetch"
	"github.com/JakeFAU/stf-case-fetcher/internal/caseid"
	"github.com/JakeFAU/stf-case-fetcher/internal/checkpoint"
	"github.com/JakeFAU/stf-case-fetcher/internal/clock/system"
	"github.com/JakeFAU/stf-case-fetcher/internal/config"
	"github.com/JakeFAU/stf-case-fetcher/internal/extract"
	"github.com/JakeFAU/stf-case-fetcher/internal/fetcher"
	collyfetcher "github.com/JakeFAU/stf-case-fetcher/internal/fetcher/colly"
	"github.com/JakeFAU/stf-case-fetcher/internal/fetcher/headless"
	"github.com/JakeFAU/stf-case-fetcher/internal/hash/sha256"
	"github.com/JakeFAU/stf-case-fetcher/internal/headless/detector"
	"github.com/JakeFAU/stf-case-fetcher/internal/id/uuid"
	"github.com/JakeFAU/stf-case-fetcher/internal/metrics"
	"github.com/JakeFAU/stf-case-fetcher/internal/orchestrator"
	"github.com/JakeFAU/stf-case-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/stf-case-fetcher/internal/policy/retry"
	"github.com/JakeFAU/stf-case-fetcher/internal/portal"
	pubsubpublisher "github.com/JakeFAU/stf-case-fetcher/internal/publisher/pubsub"
	"github.com/JakeFAU/stf-case-fetcher/internal/router"
	"github.com/JakeFAU/stf-case-fetcher/internal/sink"
	bqsource "github.com/JakeFAU/stf-case-fetcher/internal/structured/bigquery"
	"github.com/JakeFAU/stf-case-fetcher/internal/tabular"
)

const publishTimeout = 30 * time.Second

// newFetchCmd creates the 'fetch' subcommand.
func newFetchCmd(root *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "fetch <case-list>",
		Short: "Fetches every case in a list",
		Long: `Fetches the cases named in <case-list>, which is either a file with one
case number per line (a CSV whose first column holds the case number also
works) or a comma separated list. Cases already recorded as done for the
same output destination are skipped unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, root, args[0], force)
		},
	}

	f := cmd.Flags()
	f.Int("batch-size", 500, "records buffered before a part file is written")
	f.Int("max-workers", 5, "cases fetched concurrently")
	f.Int("max-retries", 5, "retries per source after the first attempt")
	f.Float64("rate-limit", 1.0, "minimum seconds between requests to one source")
	f.Duration("timeout", 30*time.Second, "timeout of a single fetch attempt")
	f.Int("checkpoint-interval", 100, "completions that force a flush and checkpoint")
	f.Bool("no-basedosdados", false, "skip the structured dataset and scrape every case")
	f.Bool("proxies", false, "rotate requests over the proxy list")
	f.String("proxy-list", "", "file with one proxy URL per line")
	f.Bool("headless", false, "re-render blocked or empty pages in headless Chrome")
	f.Bool("extract-pdfs", false, "download up to portal.max_pdfs linked PDFs per case and keep their text")
	f.String("output", "", "dataset destination: a directory or gs://bucket/prefix")
	f.BoolVar(&force, "force", false, "fetch again cases already checkpointed as done")
	return cmd
}

func runFetch(cmd *cobra.Command, root *rootOptions, listArg string, force bool) error {
	cfg, logger, done, err := root.load(cmd)
	if err != nil {
		return err
	}
	defer done()

	raw, err := caseid.LoadArg(listArg)
	if err != nil {
		return &casefetch.ConfigurationError{Field: "cases", Reason: err.Error()}
	}
	ids, rejected := caseid.ParseAll(raw)
	for _, r := range rejected {
		logger.Warn("rejected case number", zap.String("input", r))
	}
	if len(ids) == 0 {
		return &casefetch.ConfigurationError{Field: "cases", Reason: fmt.Sprintf("no valid case numbers in %d inputs", len(raw))}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cl closers
	defer cl.closeAll(func(cerr error) { logger.Warn("close failed", zap.Error(cerr)) })

	o, err := buildOrchestrator(ctx, cfg, ids, force, logger, &cl)
	if err != nil {
		return err
	}

	if cfg.Status.Addr != "" {
		srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		srv := api.NewServer(o, logger)
		go func() {
			if serr := srv.Serve(srvCtx, cfg.Status.Addr); serr != nil {
				logger.Error("status server stopped", zap.Error(serr))
			}
		}()
	}

	logger.Info("starting run",
		zap.Int("cases", len(ids)),
		zap.Int("rejected", len(rejected)),
		zap.String("output", cfg.Output.Destination),
	)
	stats, runErr := o.Run(ctx, ids)

	if cfg.PubSub.Topic != "" {
		if perr := publishSummary(ctx, cfg.PubSub, stats, logger); perr != nil {
			logger.Error("publish run summary", zap.Error(perr))
		}
	}
	printSummary(cmd.OutOrStdout(), stats)
	return runErr
}

// buildOrchestrator wires every collaborator of a run from cfg.
func buildOrchestrator(ctx context.Context, cfg config.Config, ids []caseid.ID, force bool, logger *zap.Logger, cl *closers) (*orchestrator.Orchestrator, error) {
	metrics.Init()
	clock := system.New()
	idGen := uuid.NewUUIDGenerator()
	hasher := sha256.New()

	blobs, err := openBlobStore(ctx, cfg.Output.Destination, cl)
	if err != nil {
		return nil, err
	}
	table, err := tabular.New(blobs, idGen, tabular.Config{Compression: cfg.Output.Compression})
	if err != nil {
		return nil, err
	}

	backend, err := openCheckpointBackend(ctx, cfg.Checkpoint, cl)
	if err != nil {
		return nil, err
	}
	namespace, err := checkpoint.Namespace(hasher, cfg.Output.Destination)
	if err != nil {
		return nil, &casefetch.ConfigurationError{Field: "output.destination", Reason: err.Error()}
	}
	cp, err := checkpoint.Open(ctx, backend, namespace, checkpoint.Options{
		Retry:  retry.New(cfg.StorageRetryConfig()),
		Clock:  clock,
		Logger: logger.Named("checkpoint"),
	})
	if err != nil {
		return nil, err
	}
	if force {
		if err := cp.Reset(ctx, ids); err != nil {
			return nil, err
		}
	}
	logger.Info("checkpoint opened",
		zap.String("backend", cfg.Checkpoint.Backend),
		zap.String("namespace", cp.Namespace()),
		zap.Int("pending", len(cp.LoadPending(ids))),
		zap.Bool("force", force),
	)

	results, err := sink.New(table, sink.Options{
		BatchSize:  cfg.BatchSize,
		Retry:      retry.New(cfg.StorageRetryConfig()),
		Logger:     logger.Named("sink"),
		AfterFlush: cp.Sync,
	})
	if err != nil {
		return nil, err
	}

	// Page requests, headless renders and document downloads share one
	// portal gate.
	gate := ratelimit.New(cfg.RateLimitConfig())
	client, err := buildPortal(cfg, gate, hasher, clock, logger, cl)
	if err != nil {
		return nil, err
	}

	var (
		structured casefetch.StructuredSource
		warmer     orchestrator.Warmer
	)
	if cfg.UseBasedosdados {
		projectID := cfg.Structured.ProjectID
		if projectID == "" {
			projectID = bigquery.DetectProjectID
		}
		src, err := bqsource.New(ctx, bqsource.Config{
			ProjectID:     projectID,
			Table:         cfg.Structured.Table,
			PrefetchChunk: cfg.Structured.PrefetchChunk,
		}, hasher, logger.Named("structured"))
		if err != nil {
			return nil, err
		}
		cl.add(src.Close)
		structured = src
		if cfg.Structured.Prefetch {
			warmer = src
		}
	}

	r, err := router.New(router.Config{
		UseStructured: cfg.UseBasedosdados,
		Incomplete:    router.IncompletePolicy(cfg.Structured.IncompletePayload),
		Timeout:       cfg.Timeout,
	}, router.Deps{
		Structured: structured,
		Portal:     client,
		Gate:       gate,
		Policy:     retry.New(cfg.RetryConfig()),
		Clock:      clock,
		Logger:     logger.Named("router"),
	})
	if err != nil {
		return nil, err
	}

	return orchestrator.New(orchestrator.Config{
		MaxWorkers:         cfg.MaxWorkers,
		CheckpointInterval: cfg.CheckpointInterval,
		ShutdownGrace:      cfg.Run.ShutdownGrace,
		ProgressInterval:   cfg.Run.ProgressInterval,
	}, orchestrator.Deps{
		Router:     r,
		Checkpoint: cp,
		Sink:       results,
		Warmer:     warmer,
		Clock:      clock,
		IDs:        idGen,
		Logger:     logger,
	})
}

func buildPortal(cfg config.Config, gate portal.Gate, hasher casefetch.Hasher, clock casefetch.Clock, logger *zap.Logger, cl *closers) (*portal.Client, error) {
	var identities *fetcher.Rotator
	if cfg.Identity.Rotate && len(cfg.Identity.UserAgents) > 0 {
		identities = fetcher.NewRotator(cfg.Identity.UserAgents)
	}
	var proxies []string
	if cfg.UseProxies {
		proxies = cfg.ProxyList
	}

	page, err := collyfetcher.New(collyfetcher.Config{
		Timeout:         cfg.Timeout,
		Proxies:         proxies,
		Identities:      identities,
		RandomUserAgent: cfg.Identity.Rotate && identities == nil,
	})
	if err != nil {
		return nil, &casefetch.ConfigurationError{Field: "proxy_list", Reason: err.Error()}
	}

	var (
		rendered fetcher.Fetcher
		shells   portal.RenderDetector
	)
	if cfg.Headless.Enabled {
		hcfg := headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			NavigationTimeout: cfg.Headless.NavTimeout,
			Identities:        identities,
		}
		if len(proxies) > 0 {
			hcfg.ProxyServer = proxies[0]
		}
		h, err := headless.NewChromedp(hcfg)
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		cl.add(func() error { h.Close(); return nil })
		rendered = h
		shells = detector.NewHeuristic(detector.DefaultThreshold)
	}

	extractor, err := extract.New(cfg.Portal.BaseURL)
	if err != nil {
		return nil, &casefetch.ConfigurationError{Field: "portal.base_url", Reason: err.Error()}
	}
	return portal.New(portal.Config{
		URLTemplate: cfg.Portal.URLTemplate,
		ExtractPDFs: cfg.Portal.PDFExtraction,
		MaxPDFs:     cfg.Portal.MaxPDFs,
	}, portal.Deps{
		Page:      page,
		Headless:  rendered,
		Detector:  shells,
		Gate:      gate,
		Extractor: extractor,
		Hasher:    hasher,
		Clock:     clock,
		Logger:    logger.Named("portal"),
	})
}

// publishSummary sends the final RunStats to the configured topic. It runs
// even after a cancel so the summary of an interrupted run is not lost.
func publishSummary(ctx context.Context, cfg config.PubSubConfig, stats orchestrator.RunStats, logger *zap.Logger) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = pubsub.DetectProjectID
	}
	pub, err := pubsubpublisher.New(pctx, projectID)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := pub.Close(); cerr != nil {
			logger.Warn("close publisher", zap.Error(cerr))
		}
	}()
	return publishStats(pctx, pub, cfg.Topic, stats, logger)
}

func publishStats(ctx context.Context, pub casefetch.Publisher, topic string, stats orchestrator.RunStats, logger *zap.Logger) error {
	id, err := pub.Publish(ctx, topic, stats, map[string]string{
		"run_id":  stats.RunID,
		"outcome": string(stats.State),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	logger.Info("run summary published", zap.String("topic", topic), zap.String("message_id", id))
	return nil
}

func printSummary(w io.Writer, s orchestrator.RunStats) {
	fmt.Fprintf(w, "run %s %s\n", s.RunID, s.State)
	fmt.Fprintf(w, "  total:       %d\n", s.Total)
	fmt.Fprintf(w, "  skipped:     %d\n", s.Skipped)
	fmt.Fprintf(w, "  succeeded:   %d\n", s.Succeeded)
	fmt.Fprintf(w, "  failed:      %d\n", s.FailedTerminal)
	fmt.Fprintf(w, "  interrupted: %d\n", s.Interrupted)
	fmt.Fprintf(w, "  success:     %.1f%%\n", s.SuccessRate()*100)
	for _, src := range []casefetch.Source{casefetch.SourceStructured, casefetch.SourceScraped, casefetch.SourceCached} {
		if n := s.BySource[src]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", string(src)+":", n)
		}
	}
}
