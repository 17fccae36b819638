// Copyright 2024 The vsmanager Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler runs the periodic jobs of the control plane: version
// polling, mod catalogue refresh and metrics sampling. Jobs never overlap
// with themselves and never propagate errors or panics into the runtime.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/vsmanager/vsmanager/pkg/apierr"
)

var (
	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vsmanager_scheduler_job_runs_total",
		Help: "Number of completed scheduled job runs.",
	}, []string{"job"})
	jobFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vsmanager_scheduler_job_failures_total",
		Help: "Number of scheduled job runs that returned an error or panicked.",
	}, []string{"job"})
	jobSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vsmanager_scheduler_job_skips_total",
		Help: "Number of scheduled job ticks skipped because the previous run was still in flight.",
	}, []string{"job"})
)

// RegisterMetrics registers scheduler metrics with the given registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(jobRuns, jobFailures, jobSkips)
}

// JobFunc is one unit of scheduled work. Errors are logged, never
// propagated.
type JobFunc func() error

// Job describes a registered job for API introspection.
type Job struct {
	ID       string     `json:"id"`
	Schedule string     `json:"schedule"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	LastRun  *time.Time `json:"last_run,omitempty"`
}

type jobEntry struct {
	id       string
	schedule string
	entryID  cron.EntryID
	running  sync.Mutex
	lastRun  time.Time
}

// Scheduler wraps a cron runner with single-instance-per-job semantics.
// A tick that fires while the previous run of the same job is still in
// flight is skipped, which also coalesces bursts of missed ticks into one
// subsequent run.
type Scheduler struct {
	mtx     sync.Mutex
	cron    *cron.Cron
	jobs    map[string]*jobEntry
	logger  log.Logger
	started bool
}

// New returns a stopped scheduler.
func New(logger log.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		jobs:   map[string]*jobEntry{},
		logger: logger,
	}
}

// AddIntervalJob registers fn to run every interval. Re-registering an
// existing id replaces the old job.
func (s *Scheduler) AddIntervalJob(id string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("interval for job %q must be positive", id)
	}
	return s.add(id, fmt.Sprintf("@every %s", interval), cron.Every(interval), fn)
}

// AddCronJob registers fn on a cron expression (standard 5-field syntax).
func (s *Scheduler) AddCronJob(id, expr string, fn JobFunc) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("parse cron expression for job %q: %w", id, err)
	}
	return s.add(id, expr, sched, fn)
}

func (s *Scheduler) add(id, scheduleDesc string, sched cron.Schedule, fn JobFunc) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if old, ok := s.jobs[id]; ok {
		s.cron.Remove(old.entryID)
		delete(s.jobs, id)
	}

	entry := &jobEntry{id: id, schedule: scheduleDesc}
	entry.entryID = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.runJob(entry, fn)
	}))
	s.jobs[id] = entry
	_ = level.Info(s.logger).Log("msg", "job registered", "job", id, "schedule", scheduleDesc)
	return nil
}

// runJob executes one tick with overlap protection and full error/panic
// containment.
func (s *Scheduler) runJob(entry *jobEntry, fn JobFunc) {
	if !entry.running.TryLock() {
		jobSkips.WithLabelValues(entry.id).Inc()
		_ = level.Debug(s.logger).Log("msg", "job tick skipped, previous run still in flight", "job", entry.id)
		return
	}
	defer entry.running.Unlock()

	defer func() {
		if r := recover(); r != nil {
			jobFailures.WithLabelValues(entry.id).Inc()
			_ = level.Error(s.logger).Log("msg", "job panicked", "job", entry.id, "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	err := fn()
	entry.lastRun = start

	if err != nil {
		jobFailures.WithLabelValues(entry.id).Inc()
		_ = level.Warn(s.logger).Log("msg", "job failed", "job", entry.id, "duration", time.Since(start), "err", err)
		return
	}
	jobRuns.WithLabelValues(entry.id).Inc()
	_ = level.Debug(s.logger).Log("msg", "job completed", "job", entry.id, "duration", time.Since(start))
}

// RemoveJob unregisters a job.
func (s *Scheduler) RemoveJob(id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	entry, ok := s.jobs[id]
	if !ok {
		return apierr.New(apierr.CodeJobNotFound, "job %q not found", id)
	}
	s.cron.Remove(entry.entryID)
	delete(s.jobs, id)
	_ = level.Info(s.logger).Log("msg", "job removed", "job", id)
	return nil
}

// GetJob returns one job's description.
func (s *Scheduler) GetJob(id string) (Job, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	entry, ok := s.jobs[id]
	if !ok {
		return Job{}, apierr.New(apierr.CodeJobNotFound, "job %q not found", id)
	}
	return s.describe(entry), nil
}

// GetJobs returns all jobs sorted by id.
func (s *Scheduler) GetJobs() []Job {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, entry := range s.jobs {
		out = append(out, s.describe(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) describe(entry *jobEntry) Job {
	j := Job{ID: entry.id, Schedule: entry.schedule}
	if !entry.lastRun.IsZero() {
		last := entry.lastRun
		j.LastRun = &last
	}
	if s.started {
		ce := s.cron.Entry(entry.entryID)
		if !ce.Next.IsZero() {
			next := ce.Next
			j.NextRun = &next
		}
	}
	return j
}

// Start begins dispatching ticks. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
	_ = level.Info(s.logger).Log("msg", "scheduler started", "jobs", len(s.jobs))
}

// Shutdown stops dispatching. With wait true it blocks until in-flight
// jobs complete.
func (s *Scheduler) Shutdown(wait bool) {
	s.mtx.Lock()
	if !s.started {
		s.mtx.Unlock()
		return
	}
	s.started = false
	ctx := s.cron.Stop()
	s.mtx.Unlock()

	if wait {
		<-ctx.Done()
	}
	_ = level.Info(s.logger).Log("msg", "scheduler stopped", "waited", wait)
}
