package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ocgsync/syncd/internal/metrics"
)

// Outcome is the result of one successful pass of a processor.
type Outcome int

const (
	// NoWork means nothing was pending.
	NoWork Outcome = iota
	// Processed means one item was claimed and its outcome committed.
	Processed
)

func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case NoWork:
		return "no_work"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Processor claims and handles at most one pending item per call.
type Processor interface {
	ProcessOne(ctx context.Context) (Outcome, error)
}

// retryDelayer is implemented by errors that ask the loop to wait at least
// a given time before trying again.
type retryDelayer interface {
	RetryDelay() time.Duration
}

// Config sets how many loops a Runner starts and how long they pause after
// an empty poll or an error.
type Config struct {
	Workers    int
	IdlePause  time.Duration
	ErrorPause time.Duration
}

// Runner runs a fixed number of polling loops over one processor.
type Runner struct {
	name      string
	processor Processor
	config    Config
	logger    *zap.Logger

	// wait pauses for d, returning false if ctx ended first.
	wait func(ctx context.Context, d time.Duration) bool
}

// New creates a Runner for processor. Zero config values fall back to one
// worker and 30 second pauses.
func New(name string, processor Processor, cfg Config, logger *zap.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.IdlePause <= 0 {
		cfg.IdlePause = 30 * time.Second
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = 30 * time.Second
	}

	return &Runner{
		name:      name,
		processor: processor,
		config:    cfg,
		logger:    logger.With(zap.String("subsystem", name)),
		wait:      sleepCtx,
	}
}

// Run starts the workers and blocks until ctx is cancelled and all of them
// have returned.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("workers starting",
		zap.Int("workers", r.config.Workers),
		zap.Duration("idle_pause", r.config.IdlePause),
		zap.Duration("error_pause", r.config.ErrorPause),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.config.Workers; i++ {
		id := i
		g.Go(func() error {
			r.loop(ctx, id)
			return nil
		})
	}

	err := g.Wait()
	r.logger.Info("workers stopped")
	return err
}

func (r *Runner) loop(ctx context.Context, id int) {
	logger := r.logger.With(zap.Int("worker", id))

	for {
		if ctx.Err() != nil {
			return
		}

		outcome, err := r.processOne(ctx)
		pause := r.nextPause(outcome, err)

		switch {
		case err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled):
			return
		case err != nil:
			metrics.RecordWorkerIteration(r.name, "error")
			logger.Error("processing failed",
				zap.Error(err),
				zap.Duration("pause", pause),
			)
		default:
			metrics.RecordWorkerIteration(r.name, outcome.String())
		}

		if pause == 0 {
			continue
		}
		if !r.wait(ctx, pause) {
			return
		}
	}
}

// processOne keeps a panicking item from taking the process down.
func (r *Runner) processOne(ctx context.Context) (outcome Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			outcome = NoWork
			err = fmt.Errorf("processor panic: %v", p)
		}
	}()

	return r.processor.ProcessOne(ctx)
}

// nextPause returns how long to wait before the next pass. Processed items
// repeat immediately.
func (r *Runner) nextPause(outcome Outcome, err error) time.Duration {
	if err != nil {
		pause := r.config.ErrorPause

		var rd retryDelayer
		if errors.As(err, &rd) && rd.RetryDelay() > pause {
			pause = rd.RetryDelay()
		}
		return pause
	}

	if outcome == Processed {
		return 0
	}
	return r.config.IdlePause
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
