package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
	applog "github.com/ErlanBelekov/escrow-orchestrator/internal/log"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/metrics"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/repository"
	"github.com/robfig/cron/v3"
)

// completeTimeout bounds closing a run after its context has been canceled.
const completeTimeout = 5 * time.Second

// Stage is one unit of periodic work: a job stage processor or a webhook batch.
type Stage interface {
	Stage() domain.StageType
	Run(ctx context.Context) error
}

// Scheduler fires every registered stage on a cron spec. Overlapping ticks are dropped
// locally by cron and across replicas by the run slot in cron_job_runs.
type Scheduler struct {
	runs   repository.CronRunRepository
	stages []Stage
	spec   string
	cron   *cron.Cron
	logger *slog.Logger
}

func New(runs repository.CronRunRepository, spec string, logger *slog.Logger, stages ...Stage) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		runs:   runs,
		stages: stages,
		spec:   spec,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
		logger: logger,
	}, nil
}

// Start blocks until ctx is canceled, then waits for in-flight runs to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, st := range s.stages {
		stageType := st.Stage()
		if _, err := s.cron.AddFunc(s.spec, func() {
			_, _ = s.RunStage(ctx, stageType)
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", stageType, err)
		}
	}

	metrics.SchedulerStartTime.SetToCurrentTime()
	s.cron.Start()
	s.logger.Info("scheduler started", "spec", s.spec, "stages", len(s.stages))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler shut down")
	return nil
}

// RunStage executes one run of stage if no other run of it is open anywhere.
// ran is false when the slot was taken; that is not an error.
func (s *Scheduler) RunStage(ctx context.Context, stageType domain.StageType) (ran bool, err error) {
	st := s.lookup(stageType)
	if st == nil {
		return false, fmt.Errorf("no processor registered for stage %s", stageType)
	}

	run, ok, err := s.runs.Start(ctx, stageType, time.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "open stage run", "stage", stageType, "error", err)
		return false, err
	}
	if !ok {
		metrics.StageSkippedTotal.WithLabelValues(string(stageType)).Inc()
		s.logger.DebugContext(ctx, "stage run already in flight, skipping", "stage", stageType)
		return false, nil
	}

	ctx = applog.WithStageRun(ctx, string(stageType), run.ID)
	start := time.Now()
	outcome := "success"

	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			ran = true
			err = fmt.Errorf("stage %s panicked: %v", stageType, r)
			s.logger.ErrorContext(ctx, "stage run panicked", "panic", r)
		}

		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
		defer cancel()
		if cerr := s.runs.Complete(closeCtx, run.ID); cerr != nil {
			// The reaper releases the slot once the run goes stale.
			s.logger.ErrorContext(ctx, "complete stage run", "error", cerr)
		}

		metrics.StageRunsTotal.WithLabelValues(string(stageType), outcome).Inc()
		metrics.StageRunDuration.WithLabelValues(string(stageType)).Observe(time.Since(start).Seconds())
	}()

	if err = st.Run(ctx); err != nil {
		outcome = "error"
		s.logger.ErrorContext(ctx, "stage run failed", "error", err)
		return true, err
	}
	s.logger.DebugContext(ctx, "stage run finished", "duration", time.Since(start))
	return true, nil
}

func (s *Scheduler) lookup(stageType domain.StageType) Stage {
	for _, st := range s.stages {
		if st.Stage() == stageType {
			return st
		}
	}
	return nil
}

// cronLogger routes robfig/cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
