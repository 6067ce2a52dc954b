package scheduler

import (
	"context"
	"time"

	"github.com/ottworks/telemetria/internal/ingest"
	obslogger "github.com/ottworks/telemetria/internal/observability/logger"
	obsmetrics "github.com/ottworks/telemetria/internal/observability/metrics"
	pipelinedomain "github.com/ottworks/telemetria/internal/pipeline/domain"
	sessiondomain "github.com/ottworks/telemetria/internal/session/domain"
	"go.uber.org/zap"
)

type chainRunKey struct{}

type chainRun struct {
	runID     string
	trigger   string
	attempt   int
	startedAt time.Time
}

func (s *Scheduler) withChainContext(ctx context.Context, run *pipelinedomain.PipelineRun) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, chainRunKey{}, &chainRun{
		runID:     run.ID.String(),
		trigger:   run.Trigger,
		attempt:   run.Attempt,
		startedAt: run.StartedAt,
	})
}

func chainRunFromContext(ctx context.Context) *chainRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(chainRunKey{}).(*chainRun); ok {
		return run
	}
	return nil
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	log := obslogger.WithContext(ctx, s.log)
	if run := chainRunFromContext(ctx); run != nil {
		log = log.With(
			zap.String("run_id", run.runID),
			zap.String("trigger", run.trigger),
			zap.Int("attempt", run.attempt),
		)
	}
	return log
}

func (s *Scheduler) logChainStart(ctx context.Context) {
	s.logger(ctx).Info("pipeline.chain.start",
		zap.Int("page_size", s.cfg.PageSize),
		zap.Int("merge_batch_size", s.cfg.MergeBatchSize),
	)
}

func (s *Scheduler) logChainFinish(ctx context.Context, run *pipelinedomain.PipelineRun, ingestResult ingest.Result, mergeResult sessiondomain.MergeResult) {
	s.logger(ctx).Info("pipeline.chain.finish",
		zap.Int64("duration_ms", time.Since(run.StartedAt).Milliseconds()),
		zap.Int64("snapshot_bound", run.SnapshotBound),
		zap.Int("events_fetched", ingestResult.Fetched),
		zap.Int("events_saved", ingestResult.Saved),
		zap.Int("events_skipped", ingestResult.Skipped),
		zap.Int("sessions_paired", mergeResult.Paired),
		zap.Int("orphan_stops", mergeResult.OrphanStops),
		zap.Int("reopened", mergeResult.Reopened),
		zap.Int("still_open", mergeResult.StillOpen),
	)
}

func (s *Scheduler) logStageError(ctx context.Context, run *pipelinedomain.PipelineRun, stage string, err error) {
	if err == nil {
		return
	}
	s.logger(ctx).Error("pipeline.stage.failed",
		zap.String("stage", stage),
		zap.String("state", string(run.State)),
		zap.String("reason", obsmetrics.ClassifyPipelineJobReason(err)),
		zap.Bool("retryable", obsmetrics.IsPipelineErrorRetryable(err)),
		zap.Error(err),
	)
}
