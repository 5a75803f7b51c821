package scheduler

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/market"
)

func testLogger() *log.Logger {
	return log.New(os.Stdout, "[scheduler-test] ", log.LstdFlags)
}

func TestRunJobsOfType_RunsMatchingJobsOnly(t *testing.T) {
	cal := market.NewCalendarFromHolidays(nil)
	s := New(cal, testLogger())

	var openRuns, eodRuns int32
	s.RegisterJob(Job{Name: "open-job", Type: JobTypeOpen, RunFunc: func(ctx context.Context) error {
		atomic.AddInt32(&openRuns, 1)
		return nil
	}})
	s.RegisterJob(Job{Name: "eod-job", Type: JobTypeEOD, RunFunc: func(ctx context.Context) error {
		atomic.AddInt32(&eodRuns, 1)
		return nil
	}})

	// Fix the clock to a known weekday so the trading-day gate doesn't
	// suppress the run regardless of what day the suite executes on.
	s.now = func() time.Time { return time.Date(2026, 7, 27, 9, 15, 0, 0, time.UTC) } // Monday

	s.RunJobsOfType(context.Background(), JobTypeOpen)

	if atomic.LoadInt32(&openRuns) != 1 {
		t.Errorf("expected open-job to run once, got %d", openRuns)
	}
	if atomic.LoadInt32(&eodRuns) != 0 {
		t.Errorf("expected eod-job not to run, got %d", eodRuns)
	}
}

func TestRunJobsOfType_SkipsNonTradingDay(t *testing.T) {
	// A calendar that marks today's IST date as a holiday suppresses the job.
	holidays := map[string]string{
		time.Now().In(market.IST).Format("2006-01-02"): "test holiday",
	}
	cal := market.NewCalendarFromHolidays(holidays)
	s := New(cal, testLogger())

	var runs int32
	s.RegisterJob(Job{Name: "retry-job", Type: JobTypeRetryQueue, RunFunc: func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}})

	s.RunJobsOfType(context.Background(), JobTypeRetryQueue)

	if atomic.LoadInt32(&runs) != 0 {
		t.Errorf("expected job to be skipped on a holiday, got %d runs", runs)
	}
}

func TestStart_RejectsUnknownJobType(t *testing.T) {
	cal := market.NewCalendarFromHolidays(nil)
	s := New(cal, testLogger())
	s.RegisterJob(Job{Name: "bad-job", Type: "NOT_A_REAL_TYPE", RunFunc: func(ctx context.Context) error { return nil }})

	if err := s.Start(context.Background()); err == nil {
		t.Error("expected Start to reject an unregistered job type")
	}
}
