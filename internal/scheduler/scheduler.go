// Package scheduler drives the ingest-then-merge chain: it pulls new
// upstream telemetry, then pairs the new events into viewing sessions,
// recording each execution as a pipeline run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/ottworks/telemetria/internal/clock"
	"github.com/ottworks/telemetria/internal/ingest"
	obsmetrics "github.com/ottworks/telemetria/internal/observability/metrics"
	pipelinedomain "github.com/ottworks/telemetria/internal/pipeline/domain"
	pipelinerepo "github.com/ottworks/telemetria/internal/pipeline/repository"
	"github.com/ottworks/telemetria/internal/scheduler/guard"
	sessiondomain "github.com/ottworks/telemetria/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidConfig = errors.New("invalid_scheduler_config")
	// ErrChainBusy reports that another run already holds the chain lease.
	ErrChainBusy = errors.New("pipeline_chain_busy")
)

const (
	jobIngest = "ingest"
	jobMerge  = "merge"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Ingestor   ingest.Ingestor
	Merger     sessiondomain.Merger
	Runs       pipelinerepo.RunStore
	Leases     pipelinerepo.LeaseStore
	Watermarks pipelinerepo.WatermarkStore
	Config     Config `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	ingestor   ingest.Ingestor
	merger     sessiondomain.Merger
	runs       pipelinerepo.RunStore
	leases     pipelinerepo.LeaseStore
	watermarks pipelinerepo.WatermarkStore

	owner   string
	running atomic.Bool
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Ingestor == nil || p.Merger == nil || p.Runs == nil || p.Leases == nil || p.Watermarks == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	hostname, _ := os.Hostname()
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        cfg,
		genID:      p.GenID,
		clock:      p.Clock,
		ingestor:   p.Ingestor,
		merger:     p.Merger,
		runs:       p.Runs,
		leases:     p.Leases,
		watermarks: p.Watermarks,
		owner:      fmt.Sprintf("%s/%d", hostname, os.Getpid()),
	}, nil
}

// RunOnce executes one scheduled chain. Retries happen inside the chain,
// stage by stage. A busy lease is not an error: the other holder is doing
// the same work.
func (s *Scheduler) RunOnce(parent context.Context) error {
	_, err := s.runChain(parent, pipelinedomain.RunTriggerSchedule)
	if errors.Is(err, ErrChainBusy) {
		s.log.Debug("chain lease busy, skipping tick")
		return nil
	}
	return err
}

// TriggerChain runs one manually triggered chain and returns its run
// record. Manual triggers follow the same per-stage retry rules; the
// caller sees the failure once the budget is spent.
func (s *Scheduler) TriggerChain(ctx context.Context) (*pipelinedomain.PipelineRun, error) {
	return s.runChain(ctx, pipelinedomain.RunTriggerManual)
}

// StatusReport describes where the pipeline stands: both watermarks, the
// size of the open-session index, and the most recent run record.
type StatusReport struct {
	IngestWatermark int64                       `json:"ingest_watermark"`
	MergeWatermark  int64                       `json:"merge_watermark"`
	OpenSessions    int64                       `json:"open_sessions"`
	LastRun         *pipelinedomain.PipelineRun `json:"last_run"`
}

// Status reports the current pipeline position. LastRun is nil when the
// chain has never run.
func (s *Scheduler) Status(ctx context.Context) (*StatusReport, error) {
	run, err := s.runs.Latest(ctx)
	if err != nil {
		return nil, err
	}
	ingestMark, err := s.watermarks.Get(ctx, pipelinedomain.WatermarkIngest)
	if err != nil {
		return nil, err
	}
	mergeMark, err := s.watermarks.Get(ctx, pipelinedomain.WatermarkMerge)
	if err != nil {
		return nil, err
	}
	var open int64
	if err := s.db.WithContext(ctx).Model(&sessiondomain.OpenSession{}).Count(&open).Error; err != nil {
		return nil, err
	}
	return &StatusReport{
		IngestWatermark: ingestMark,
		MergeWatermark:  mergeMark,
		OpenSessions:    open,
		LastRun:         run,
	}, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	pipeMetrics := obsmetrics.Pipeline()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			pipeMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runChain executes one ingest-then-merge chain under the single-flight
// lease. The snapshot bound handed to the merger is the ingest watermark
// after the ingest stage committed, so the merger never reads rows a
// concurrent ingest could still be writing.
//
// Each stage carries its own retry budget; a chain holds one run record
// for its whole lifetime, so a transient merge failure never re-executes
// the ingest stage and never leaves extra FAILED rows behind.
func (s *Scheduler) runChain(parent context.Context, trigger string) (*pipelinedomain.PipelineRun, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrChainBusy
	}
	defer s.running.Store(false)

	pipeMetrics := obsmetrics.Pipeline()
	now := s.clock.Now()
	leaseStart := time.Now()
	acquired, err := s.leases.Acquire(parent, obsmetrics.LeaseResourcePipelineChain, s.owner, s.cfg.LeaseTTL, now)
	pipeMetrics.ObserveLeaseWait(obsmetrics.LeaseResourcePipelineChain, time.Since(leaseStart))
	if err != nil {
		return nil, fmt.Errorf("acquire chain lease: %w", err)
	}
	if !acquired {
		return nil, ErrChainBusy
	}
	defer func() {
		if err := s.leases.Release(context.WithoutCancel(parent), obsmetrics.LeaseResourcePipelineChain, s.owner); err != nil {
			s.log.Warn("release chain lease failed", zap.Error(err))
		}
	}()

	run := &pipelinedomain.PipelineRun{
		ID:        s.genID.Generate(),
		State:     pipelinedomain.RunStateScheduled,
		Trigger:   trigger,
		Attempt:   1,
		StartedAt: now,
	}
	if err := s.runs.Create(parent, run); err != nil {
		return nil, fmt.Errorf("create pipeline run: %w", err)
	}
	ctx := s.withChainContext(parent, run)
	s.logChainStart(ctx)

	var ingestResult ingest.Result
	if err := s.transition(ctx, run, pipelinedomain.RunStateRunningIngest, nil); err != nil {
		return run, err
	}
	attempts, err := s.runStage(ctx, jobIngest, func(stageCtx context.Context) error {
		var stageErr error
		ingestResult, stageErr = s.ingestor.Pull(stageCtx, s.cfg.PageSize)
		return stageErr
	})
	if attempts > run.Attempt {
		run.Attempt = attempts
	}
	if err != nil {
		return run, s.failRun(ctx, run, jobIngest, err)
	}
	run.SnapshotBound = ingestResult.Watermark
	run.EventsFetched = ingestResult.Fetched
	run.EventsSaved = ingestResult.Saved
	run.EventsSkipped = ingestResult.Skipped
	run.EventsErrors = ingestResult.Errors

	var mergeResult sessiondomain.MergeResult
	if err := s.transition(ctx, run, pipelinedomain.RunStateRunningMerge, map[string]any{
		"attempt":        run.Attempt,
		"snapshot_bound": run.SnapshotBound,
		"events_fetched": run.EventsFetched,
		"events_saved":   run.EventsSaved,
		"events_skipped": run.EventsSkipped,
		"events_errors":  run.EventsErrors,
	}); err != nil {
		return run, err
	}
	attempts, err = s.runStage(ctx, jobMerge, func(stageCtx context.Context) error {
		var stageErr error
		mergeResult, stageErr = s.merger.MergeNewEvents(stageCtx, run.SnapshotBound, s.cfg.MergeBatchSize)
		return stageErr
	})
	if attempts > run.Attempt {
		run.Attempt = attempts
	}
	if err != nil {
		return run, s.failRun(ctx, run, jobMerge, err)
	}
	run.SessionsPaired = mergeResult.Paired
	run.OrphanStops = mergeResult.OrphanStops
	run.Reopened = mergeResult.Reopened
	run.StillOpen = mergeResult.StillOpen

	finishedAt := s.clock.Now()
	run.FinishedAt = &finishedAt
	if err := s.transition(ctx, run, pipelinedomain.RunStateDone, map[string]any{
		"attempt":         run.Attempt,
		"sessions_paired": run.SessionsPaired,
		"orphan_stops":    run.OrphanStops,
		"reopened":        run.Reopened,
		"still_open":      run.StillOpen,
		"finished_at":     finishedAt,
	}); err != nil {
		return run, err
	}
	s.logChainFinish(ctx, run, ingestResult, mergeResult)
	return run, nil
}

// runStage executes one chain stage, retrying transient failures up to
// the configured attempt budget. It returns how many attempts the stage
// consumed together with the final error, if any.
func (s *Scheduler) runStage(parent context.Context, name string, fn func(ctx context.Context) error) (int, error) {
	for attempt := 1; ; attempt++ {
		err := s.attemptStage(parent, name, fn)
		if err == nil {
			return attempt, nil
		}
		if !obsmetrics.IsPipelineErrorRetryable(err) || attempt == s.cfg.RetryAttempts {
			return attempt, err
		}
		s.log.Warn("stage attempt failed, retrying",
			zap.String("job", name),
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", s.cfg.RetryDelay),
			zap.Error(err),
		)
		select {
		case <-parent.Done():
			return attempt, errors.Join(err, parent.Err())
		case <-time.After(s.cfg.RetryDelay):
		}
	}
}

// attemptStage wraps a single stage attempt with its timeout and job
// metrics.
func (s *Scheduler) attemptStage(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.StageTimeout)
	defer cancel()

	pipeMetrics := obsmetrics.Pipeline()
	pipeMetrics.IncJobRun(name)

	err := fn(ctx)
	pipeMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		pipeMetrics.IncJobTimeout(name)
	}
	pipeMetrics.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) transition(ctx context.Context, run *pipelinedomain.PipelineRun, to pipelinedomain.RunState, extra map[string]any) error {
	if err := guard.EnsureRunCanTransition(run.State, to); err != nil {
		return err
	}
	updates := map[string]any{"state": to}
	for k, v := range extra {
		updates[k] = v
	}
	if err := s.runs.Update(ctx, run.ID, updates); err != nil {
		return fmt.Errorf("update pipeline run: %w", err)
	}
	obsmetrics.Pipeline().IncRunTransition(run.State, to)
	run.State = to
	return nil
}

// failRun marks the run FAILED. The original stage error wins over any
// bookkeeping failure.
func (s *Scheduler) failRun(ctx context.Context, run *pipelinedomain.PipelineRun, stage string, stageErr error) error {
	s.logStageError(ctx, run, stage, stageErr)

	finishedAt := s.clock.Now()
	msg := stageErr.Error()
	run.Error = &msg
	run.FinishedAt = &finishedAt
	if err := s.transition(ctx, run, pipelinedomain.RunStateFailed, map[string]any{
		"attempt":        run.Attempt,
		"error":          msg,
		"finished_at":    finishedAt,
		"snapshot_bound": run.SnapshotBound,
		"events_fetched": run.EventsFetched,
		"events_saved":   run.EventsSaved,
		"events_skipped": run.EventsSkipped,
		"events_errors":  run.EventsErrors,
	}); err != nil {
		s.logger(ctx).Error("mark run failed", zap.Error(err))
	}
	return stageErr
}
