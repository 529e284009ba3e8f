package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"

	"github.com/clinicore/mbscatalog/internal/config"
)

// HandlerFunc executes one job and returns its serialized result.
type HandlerFunc func(ctx context.Context, job *Job) (string, error)

// Runner polls the queue and executes claimed jobs on a worker pool.
// Different kinds run in parallel; a single job id runs at most once
// because Claim flips queued to active atomically.
type Runner struct {
	queue    *Queue
	cfg      config.JobsConfig
	logger   *slog.Logger
	handlers map[Kind]HandlerFunc

	pool   *ants.Pool
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner with a handler per job kind.
func NewRunner(queue *Queue, cfg config.JobsConfig, handlers map[Kind]HandlerFunc, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	return &Runner{
		queue:    queue,
		cfg:      cfg,
		logger:   logger,
		handlers: handlers,
		pool:     pool,
	}, nil
}

// Start launches the poll loop and the hourly retention purge. It
// returns immediately; Stop shuts everything down.
func (r *Runner) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	recovered, err := r.queue.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	if recovered > 0 {
		r.logger.Info("requeued stale active jobs", "count", recovered)
	}

	r.cron = cron.New()
	if _, err := r.cron.AddFunc("@hourly", func() { r.purge(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule purge: %w", err)
	}
	r.cron.Start()

	r.wg.Add(1)
	go r.pollLoop(ctx)

	r.logger.Info("job runner started",
		"workers", r.cfg.Workers, "poll_interval", r.cfg.PollInterval(),
		"retention", r.cfg.Retention())
	return nil
}

// Stop halts polling, waits for in-flight jobs, and releases the pool.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.wg.Wait()
	r.pool.Release()
	r.logger.Info("job runner stopped")
}

func (r *Runner) pollLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain claims and dispatches jobs until the queue is empty or the
// pool has no free worker.
func (r *Runner) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil || r.pool.Free() == 0 {
			return
		}
		job, err := r.queue.Claim(ctx)
		if err != nil {
			r.logger.Error("failed to claim job", "error", err)
			return
		}
		if job == nil {
			return
		}

		r.wg.Add(1)
		submitErr := r.pool.Submit(func() {
			defer r.wg.Done()
			r.execute(ctx, job)
		})
		if submitErr != nil {
			r.wg.Done()
			// Put the attempt back through the retry path.
			if err := r.queue.MarkFailed(context.WithoutCancel(ctx), job, fmt.Sprintf("worker pool rejected job: %v", submitErr)); err != nil {
				r.logger.Error("failed to requeue rejected job", "job_id", job.ID, "error", err)
			}
			return
		}
	}
}

func (r *Runner) execute(ctx context.Context, job *Job) {
	// State transitions must land even when ctx was canceled by Stop;
	// otherwise an interrupted job is stranded in active and nothing
	// ever claims it again.
	finishCtx := context.WithoutCancel(ctx)

	handler, ok := r.handlers[job.Kind]
	if !ok {
		r.logger.Error("no handler for job kind", "job_id", job.ID, "kind", job.Kind)
		if err := r.queue.MarkFailed(finishCtx, job, fmt.Sprintf("no handler for kind %s", job.Kind)); err != nil {
			r.logger.Error("failed to fail job", "job_id", job.ID, "error", err)
		}
		return
	}

	r.logger.Info("job started", "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)

	result, err := handler(ctx, job)
	if err != nil {
		r.logger.Warn("job failed", "job_id", job.ID, "kind", job.Kind,
			"attempt", job.Attempts, "max_attempts", job.MaxAttempts, "error", err)
		if mErr := r.queue.MarkFailed(finishCtx, job, err.Error()); mErr != nil {
			r.logger.Error("failed to record job failure", "job_id", job.ID, "error", mErr)
		}
		return
	}

	if err := r.queue.MarkCompleted(finishCtx, job.ID, result); err != nil {
		r.logger.Error("failed to record job completion", "job_id", job.ID, "error", err)
		return
	}
	r.logger.Info("job completed", "job_id", job.ID, "kind", job.Kind)
}

func (r *Runner) purge(ctx context.Context) {
	n, err := r.queue.Purge(ctx, r.cfg.Retention())
	if err != nil {
		r.logger.Error("job purge failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("purged terminal jobs", "count", n)
	}
}
