package scheduler

import (
	"context"
	"fmt"
	"time"

	"MarketPulse/internal/logger"

	"github.com/robfig/cron/v3"
)

// TriggerSchedule labels refreshes started by the scheduler.
const TriggerSchedule = "schedule"

// Refresher queues a refresh of every subscribed symbol.
type Refresher interface {
	RequestRefreshAll(trigger string)
}

// CatalogRefresher reloads symbol metadata.
type CatalogRefresher interface {
	Refresh(ctx context.Context) error
}

// Scheduler manages all cron tasks.
type Scheduler struct {
	Cron    *cron.Cron
	Cache   Refresher
	Catalog CatalogRefresher
	Ctx     context.Context
}

// Intervals configures the periodic jobs. A non-empty RefreshCron takes
// precedence over RefreshEvery. A zero CatalogEvery disables the catalog job.
type Intervals struct {
	RefreshEvery time.Duration
	RefreshCron  string
	CatalogEvery time.Duration
}

// NewScheduler creates a new Scheduler. catalog may be nil.
func NewScheduler(ctx context.Context, cache Refresher, catalog CatalogRefresher) *Scheduler {
	cronLog := cron.PrintfLogger(logger.Std())
	return &Scheduler{
		Cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		Cache:   cache,
		Catalog: catalog,
		Ctx:     ctx,
	}
}

// RegisterAll registers the refresh and catalog tasks.
func (s *Scheduler) RegisterAll(iv Intervals) error {
	switch {
	case iv.RefreshCron != "":
		if _, err := s.Cron.AddFunc(iv.RefreshCron, s.refreshTask); err != nil {
			return fmt.Errorf("register refresh task: %w", err)
		}
	case iv.RefreshEvery > 0:
		s.Cron.Schedule(cron.Every(iv.RefreshEvery), cron.FuncJob(s.refreshTask))
	default:
		return fmt.Errorf("register refresh task: no interval configured")
	}

	if s.Catalog != nil && iv.CatalogEvery > 0 {
		s.Cron.Schedule(cron.Every(iv.CatalogEvery), cron.FuncJob(s.catalogTask))
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	logger.Infof("[scheduler] started with %d jobs", len(s.Cron.Entries()))
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	logger.Infof("[scheduler] stopped")
}

// RunCatalogNow loads the catalog immediately (startup).
func (s *Scheduler) RunCatalogNow() {
	s.catalogTask()
}

func (s *Scheduler) refreshTask() {
	if s.Ctx.Err() != nil {
		return
	}
	logger.Debugf("[scheduler] periodic refresh")
	s.Cache.RequestRefreshAll(TriggerSchedule)
}

func (s *Scheduler) catalogTask() {
	if s.Catalog == nil || s.Ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.Ctx, time.Minute)
	defer cancel()
	if err := s.Catalog.Refresh(ctx); err != nil {
		logger.Warnf("[scheduler] catalog refresh: %v", err)
	}
}
