// Package cronrunner drives the periodic autopilot jobs: the scheduler tick,
// the reconciler sweep and the session key sweep.
package cronrunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Job func(context.Context)

type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context

	mu    sync.Mutex
	names map[cron.EntryID]string
}

func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	cl := cronLogger{logger: logger}
	return &Runner{
		// A tick that overruns its interval is skipped rather than stacked;
		// a panicking job is logged and the schedule keeps going.
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		baseCtx: baseCtx,
		names:   map[cron.EntryID]string{},
	}
}

// Add registers job under name. An empty spec disables the job.
func (r *Runner) Add(name, spec string, job Job) (cron.EntryID, error) {
	if spec == "" {
		if r.logger != nil {
			r.logger.Info("cron job disabled", zap.String("job", name))
		}
		return 0, nil
	}
	if job == nil {
		return 0, fmt.Errorf("cron job %s is nil", name)
	}
	id, err := r.cron.AddFunc(spec, func() {
		start := time.Now()
		job(r.baseCtx)
		if r.logger != nil {
			r.logger.Debug("cron job done", zap.String("job", name), zap.Duration("took", time.Since(start)))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("cron job %s: %w", name, err)
	}
	r.mu.Lock()
	r.names[id] = name
	r.mu.Unlock()
	return id, nil
}

// Jobs lists registered job names with their next run.
func (r *Runner) Jobs() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Time, len(r.names))
	for _, e := range r.cron.Entries() {
		if name, ok := r.names[e.ID]; ok {
			out[name] = e.Next
		}
	}
	return out
}

func (r *Runner) Start() {
	if r.logger != nil {
		r.logger.Info("cron started", zap.Int("jobs", len(r.cron.Entries())))
	}
	r.cron.Start()
}

// Stop waits for running jobs to return.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	if r.logger != nil {
		r.logger.Info("cron stopped")
	}
}

type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
