// Package scheduler drives the trading day (spec §4.6):
//
//	09:00              retry the FailedOrder queue
//	09:15 (open)       consume today's Candidates; place sell orders for all open Positions
//	hourly 09:15–15:30 ExitEngine monitor cycle, Reconciler pass, re-entry evaluation
//	18:00              EOD cleanup: purge expired FailedOrders, emit daily summary
//
// Non-trading days run nothing: every tick is gated on calendar.IsTradingDay.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/market"
)

// JobType categorizes when a job runs within the day.
type JobType string

const (
	JobTypeRetryQueue JobType = "RETRY_QUEUE" // 09:00
	JobTypeOpen       JobType = "OPEN"        // 09:15
	JobTypeHourly     JobType = "HOURLY"      // every 60m, 09:15-15:30
	JobTypeEOD        JobType = "EOD"         // 18:00
)

// Job is one named, scheduled task.
type Job struct {
	Name    string
	Type    JobType
	RunFunc func(ctx context.Context) error
}

// Scheduler drives Job execution against the fixed daily schedule, using
// robfig/cron for the clock and Calendar to suppress non-trading days.
type Scheduler struct {
	calendar *market.Calendar
	cron     *cron.Cron
	jobs     []Job
	logger   *log.Logger
	now      func() time.Time
}

// New creates a Scheduler. Location defaults to the process's local time
// zone, matching how Kotak Neo market hours are quoted (IST).
func New(calendar *market.Calendar, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[scheduler] ", log.LstdFlags)
	}
	return &Scheduler{
		calendar: calendar,
		cron:     cron.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterJob adds a job to the scheduler. Call before Start.
func (s *Scheduler) RegisterJob(job Job) {
	s.jobs = append(s.jobs, job)
	s.logger.Printf("[scheduler] registered job: %s (type: %s)", job.Name, job.Type)
}

// Start wires every registered job onto its fixed cron slot and begins the
// cron clock. ctx is used as the base context for every job invocation.
func (s *Scheduler) Start(ctx context.Context) error {
	specs := map[JobType]string{
		JobTypeRetryQueue: "0 9 * * *",
		JobTypeOpen:       "15 9 * * *",
		JobTypeHourly:     "15 10-15 * * *", // 09:15 is covered by JobTypeOpen; 10:15-15:15 hourly
		JobTypeEOD:        "0 18 * * *",
	}

	for _, job := range s.jobs {
		spec, ok := specs[job.Type]
		if !ok {
			return fmt.Errorf("scheduler: unknown job type %q for job %s", job.Type, job.Name)
		}
		job := job
		if _, err := s.cron.AddFunc(spec, func() { s.runGated(ctx, job) }); err != nil {
			return fmt.Errorf("scheduler: register %s: %w", job.Name, err)
		}
	}

	s.cron.Start()
	s.logger.Println("[scheduler] started")
	return nil
}

// Stop drains running jobs (per the entry's own context handling) and halts
// the cron clock. The returned context completes when all jobs invoked
// before Stop have returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runGated(ctx context.Context, job Job) {
	now := s.now()
	if !s.calendar.IsTradingDay(now) {
		s.logger.Printf("[scheduler] %s: not a trading day, skipping %s", now.Format("2006-01-02"), job.Name)
		return
	}

	s.logger.Printf("[scheduler] running job: %s", job.Name)
	start := time.Now()
	if err := job.RunFunc(ctx); err != nil {
		s.logger.Printf("[scheduler] FAILED job %s: %v", job.Name, err)
		return
	}
	s.logger.Printf("[scheduler] completed job %s in %v", job.Name, time.Since(start))
}

// RunJobsOfType runs every registered job of the given type immediately,
// bypassing the cron clock but still gated on IsTradingDay. Used for
// catch-up on a mid-day restart (spec §4.6: "resume by loading TradeStore
// and querying broker for any order ids the ledger expects") and for forcing
// a cycle in tests.
func (s *Scheduler) RunJobsOfType(ctx context.Context, jobType JobType) {
	for _, job := range s.jobs {
		if job.Type != jobType {
			continue
		}
		s.runGated(ctx, job)
	}
}

// Status returns current market state information.
func (s *Scheduler) Status() string {
	now := time.Now()
	isOpen := s.calendar.IsMarketOpen(now)
	isTrading := s.calendar.IsTradingDay(now)
	nextSession := s.calendar.TimeUntilNextSession(now)

	status := fmt.Sprintf(
		"Market Status: open=%v trading_day=%v next_session_in=%v",
		isOpen, isTrading, nextSession.Round(time.Minute),
	)

	if reason := s.calendar.HolidayReason(now); reason != "" {
		status += fmt.Sprintf(" holiday=%s", reason)
	}

	return status
}
