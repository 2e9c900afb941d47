// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package scheduler runs the analytics maintenance jobs: ending idle
// sessions, purging raw events past retention and reloading GeoIP data.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/analytics"
	"github.com/itsksrathoreofficial-star/poddb-test-sub001/internal/datastore"
)

// Default schedules.
const (
	SweepSchedule     = "@every 1m"
	RetentionSchedule = "30 0 * * *" // daily at 00:30
	GeoIPSchedule     = "@hourly"
)

// Job names.
const (
	JobSweepIdle   = "sweep_idle_sessions"
	JobRetention   = "purge_expired_events"
	JobGeoIPReload = "reload_geoip"
)

// rawEventTables hold per-interaction rows subject to retention. Rollups and
// sessions are kept.
var rawEventTables = []string{analytics.TableEvents, analytics.TableCustomEvents}

// Sweeper ends idle sessions.
type Sweeper interface {
	SweepIdle() int
}

// Reloader reloads a data file that may change on disk.
type Reloader interface {
	Reload() error
}

// Config wires the jobs. Nil dependencies disable their job.
type Config struct {
	Sweeper       Sweeper
	Store         datastore.Store
	RetentionDays int
	GeoIP         Reloader
	Logger        *slog.Logger
	Now           func() time.Time
}

// JobInfo is the public view of a registered job.
type JobInfo struct {
	Name     string
	Schedule string
	LastRun  time.Time
	NextRun  time.Time
}

type registeredJob struct {
	schedule string
	entryID  cron.EntryID
}

// Scheduler handles the periodic maintenance jobs.
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger

	mu   sync.RWMutex
	jobs map[string]registeredJob
}

// New creates a new scheduler instance.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:    cfg,
		cron:   cron.New(),
		logger: cfg.Logger,
		jobs:   make(map[string]registeredJob),
	}
}

// Start registers the configured jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	if s.cfg.Sweeper != nil {
		if err := s.register(JobSweepIdle, SweepSchedule, func() {
			s.cfg.Sweeper.SweepIdle()
		}); err != nil {
			return err
		}
	}

	if s.cfg.Store != nil && s.cfg.RetentionDays > 0 {
		if err := s.register(JobRetention, RetentionSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, err := s.PurgeExpired(ctx); err != nil {
				s.logger.Error("raw event cleanup failed", "error", err)
			}
		}); err != nil {
			return err
		}
	}

	if s.cfg.GeoIP != nil {
		if err := s.register(JobGeoIPReload, GeoIPSchedule, func() {
			if err := s.cfg.GeoIP.Reload(); err != nil {
				s.logger.Warn("geoip reload failed", "error", err)
			}
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
	return nil
}

func (s *Scheduler) register(name, schedule string, fn func()) error {
	id, err := s.cron.AddFunc(schedule, fn)
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}
	s.mu.Lock()
	s.jobs[name] = registeredJob{schedule: schedule, entryID: id}
	s.mu.Unlock()
	s.logger.Debug("registered scheduled job", "name", name, "schedule", schedule)
	return nil
}

// Stop gracefully stops the scheduler, waiting for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for name, job := range s.jobs {
		entry := s.cron.Entry(job.entryID)
		out = append(out, JobInfo{
			Name:     name,
			Schedule: job.schedule,
			LastRun:  entry.Prev,
			NextRun:  entry.Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PurgeExpired deletes raw events older than the retention window and
// returns how many rows were removed. Missing tables are skipped.
func (s *Scheduler) PurgeExpired(ctx context.Context) (int64, error) {
	if s.cfg.Store == nil || s.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.cfg.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays).Format(analytics.TimestampLayout)

	var total int64
	var errs []error
	for _, table := range rawEventTables {
		n, err := s.cfg.Store.Delete(ctx, table, datastore.Lt("created_at", cutoff))
		if err != nil {
			if errors.Is(err, datastore.ErrStoreUnavailable) {
				s.logger.Debug("retention skipped table", "table", table, "error", err)
				continue
			}
			errs = append(errs, fmt.Errorf("purging %s: %w", table, err))
			continue
		}
		total += n
	}

	if total > 0 {
		s.logger.Info("purged expired analytics events", "rows", total, "cutoff", cutoff)
	}
	return total, errors.Join(errs...)
}
