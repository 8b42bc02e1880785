package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/jobimport/internal/feeds"
	"github.com/agentworkforce/jobimport/internal/httpapi"
	"github.com/agentworkforce/jobimport/internal/jobimport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var overrides config

	root := &cobra.Command{
		Use:           "jobimport",
		Short:         "Import job feeds into a store and publish import logs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&overrides.QueueDSN, "queue", "", "unit queue DSN (overrides JOBIMPORT_QUEUE_DSN)")
	root.PersistentFlags().StringVar(&overrides.StoreDSN, "store", "", "store DSN (overrides JOBIMPORT_STORE_DSN)")
	root.PersistentFlags().StringVar(&overrides.FeedsFile, "feeds", "", "feed catalog YAML (overrides JOBIMPORT_FEEDS_FILE)")

	root.AddCommand(newServeCmd(&overrides))
	root.AddCommand(newImportCmd(&overrides))
	root.AddCommand(newLogsCmd(&overrides))
	return root
}

func loadConfig(overrides *config) (config, error) {
	cfg, err := configFromEnv()
	if err != nil {
		return config{}, err
	}
	if overrides.QueueDSN != "" {
		cfg.QueueDSN = overrides.QueueDSN
	}
	if overrides.StoreDSN != "" {
		cfg.StoreDSN = overrides.StoreDSN
	}
	if overrides.FeedsFile != "" {
		cfg.FeedsFile = overrides.FeedsFile
	}
	if overrides.Addr != "" {
		cfg.Addr = overrides.Addr
	}
	return cfg, nil
}

func newServeCmd(overrides *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the live log channel and the worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(overrides)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log.Default())
		},
	}
	cmd.Flags().StringVar(&overrides.Addr, "addr", "", "listen address (overrides JOBIMPORT_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg config, logger *log.Logger) error {
	p, err := buildPipeline(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	p.pool.Start(ctx)
	if cfg.ImportInterval > 0 {
		go p.importer.RunEvery(ctx, cfg.ImportInterval)
	}

	handler := httpapi.NewServer(p.importer, p.store, p.hub, p.metrics, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWin,
		LogLimit:        cfg.LogLimit,
		Logger:          logger,
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("jobimport listening on %s (workers=%d batch=%d)", cfg.Addr, p.pool.Workers(), p.pool.BatchSize())
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	// Live observers hold hijacked connections that Shutdown does not wait
	// for, so the hub is closed first.
	p.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newImportCmd(overrides *config) *cobra.Command {
	var wait time.Duration
	var noWait bool
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run one import pass and print the resulting summaries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(overrides)
			if err != nil {
				return err
			}
			if noWait {
				wait = 0
			}
			return runImport(cmd.Context(), cfg, log.Default(), cmd.OutOrStdout(), wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for dispatched units to be recorded")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "only dispatch; leave the units to another consumer")
	return cmd
}

// summaryCollector counts summaries recorded by this process.
type summaryCollector struct {
	mu      sync.Mutex
	out     []jobimport.Summary
	changed chan struct{}
}

func newSummaryCollector() *summaryCollector {
	return &summaryCollector{changed: make(chan struct{}, 1)}
}

func (c *summaryCollector) Notify(_ context.Context, s jobimport.Summary) {
	c.mu.Lock()
	c.out = append(c.out, s)
	c.mu.Unlock()
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *summaryCollector) snapshot() []jobimport.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]jobimport.Summary(nil), c.out...)
}

func runImport(ctx context.Context, cfg config, logger *log.Logger, out io.Writer, wait time.Duration) error {
	collector := newSummaryCollector()
	p, err := buildPipeline(ctx, cfg, logger, collector)
	if err != nil {
		return err
	}
	defer p.Close()

	if wait > 0 {
		p.pool.Start(ctx)
	}
	results := p.importer.Run(ctx)
	dispatched := 0
	for _, r := range results {
		if r.Status == feeds.StatusDispatched {
			dispatched++
		}
		_, _ = fmt.Fprintf(out, "%s\t%s\t%d\t%s\n", r.Status, r.Source, r.Candidates, r.Error)
	}
	if feeds.AllFailed(results) {
		return errors.New("no feed could be dispatched")
	}
	if wait <= 0 || dispatched == 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for len(collector.snapshot()) < dispatched {
		select {
		case <-collector.changed:
		case <-timer.C:
			return fmt.Errorf("timed out after %s with %d of %d units recorded", wait, len(collector.snapshot()), dispatched)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, s := range collector.snapshot() {
		printSummary(out, s)
	}
	return nil
}

func newLogsCmd(overrides *config) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List the most recent import summaries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(overrides)
			if err != nil {
				return err
			}
			store, err := jobimport.BuildStoreFromDSN(cmd.Context(), cfg.StoreDSN)
			if err != nil {
				return err
			}
			defer store.Close()
			summaries, err := store.RecentSummaries(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}
			if len(summaries) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no import logs")
				return nil
			}
			for _, s := range summaries {
				printSummary(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of summaries to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printSummary(out io.Writer, s jobimport.Summary) {
	_, _ = fmt.Fprintf(out, "%s\t%s\tfetched=%d\tnew=%d\tupdated=%d\tfailed=%d\n",
		s.Timestamp.Format(time.RFC3339), s.Source, s.Fetched, s.New, s.Updated, len(s.Failures))
}
