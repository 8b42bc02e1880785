package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/agentworkforce/jobimport/internal/feeds"
	"github.com/agentworkforce/jobimport/internal/httpapi"
	"github.com/agentworkforce/jobimport/internal/jobimport"
)

// pipeline is the wired set of components shared by the serve and import
// commands.
type pipeline struct {
	queue      jobimport.UnitQueue
	store      jobimport.Store
	metrics    *jobimport.Metrics
	hub        *httpapi.LiveHub
	pool       *jobimport.Pool
	dispatcher *jobimport.Dispatcher
	importer   *feeds.Importer
	catalog    *feeds.WatchedSource
}

func buildPipeline(ctx context.Context, cfg config, logger *log.Logger, extra jobimport.Notifier) (*pipeline, error) {
	queue, err := jobimport.BuildUnitQueueFromDSN(cfg.QueueDSN, jobimport.QueueOptions{
		Capacity:   cfg.QueueSize,
		Visibility: cfg.QueueVisible,
	})
	if err != nil {
		return nil, fmt.Errorf("build unit queue: %w", err)
	}
	store, err := jobimport.BuildStoreFromDSN(ctx, cfg.StoreDSN)
	if err != nil {
		_ = queue.Close()
		return nil, fmt.Errorf("build store: %w", err)
	}

	p := &pipeline{queue: queue, store: store, metrics: jobimport.NewMetrics()}
	p.metrics.WatchQueue(queue)
	p.hub = httpapi.NewLiveHub(httpapi.LiveHubOptions{
		OriginPatterns: cfg.OriginPatterns,
		Logger:         logger,
		Metrics:        p.metrics,
	})

	notifiers := jobimport.MultiNotifier{p.hub, p.metrics, jobimport.LogNotifier(logger)}
	if extra != nil {
		notifiers = append(notifiers, extra)
	}
	p.pool = jobimport.NewPool(
		queue,
		jobimport.NewUpsertEngine(store, nil),
		jobimport.NewAggregator(store, notifiers, nil),
		jobimport.PoolOptions{
			Workers:       cfg.Workers,
			BatchSize:     cfg.BatchSize,
			MaxDeliveries: cfg.MaxDeliveries,
			Retry: jobimport.RetryPolicy{
				MaxAttempts: cfg.RetryAttempts,
				BaseDelay:   cfg.RetryBaseDelay,
				MaxDelay:    cfg.RetryMaxDelay,
			},
			Logger:  logger,
			Metrics: p.metrics,
		},
	)
	p.dispatcher = jobimport.NewDispatcher(queue, nil)

	var source feeds.Source = feeds.StaticSource(feeds.DefaultCatalog().Feeds)
	if cfg.FeedsFile != "" {
		watched, err := feeds.WatchCatalog(cfg.FeedsFile, logger)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.catalog = watched
		source = watched
	}
	p.importer = &feeds.Importer{
		Source:     source,
		Normalizer: feeds.NewRSSNormalizer(cfg.FetchTimeout),
		Dispatcher: p.dispatcher,
		Logger:     logger,
	}
	return p, nil
}

// Close stops the workers before releasing the queue and store they use.
func (p *pipeline) Close() error {
	var errs []error
	if p.pool != nil {
		p.pool.Close()
	}
	if p.hub != nil {
		p.hub.Close()
	}
	if p.catalog != nil {
		errs = append(errs, p.catalog.Close())
	}
	if p.queue != nil {
		errs = append(errs, p.queue.Close())
	}
	if p.store != nil {
		errs = append(errs, p.store.Close())
	}
	return errors.Join(errs...)
}
