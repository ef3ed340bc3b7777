// Package expiry runs the periodic sweeps that expire lapsed holds, unpaid
// bookings and payments waiting on their provider.
package expiry

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/edbertswd/court-reservations-and-payments/internal/observability"
)

const maxRetries = 3

// Job is one sweep. It returns how many records it moved.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

type Worker struct {
	jobs     []Job
	interval time.Duration
	backoff  time.Duration
	logger   observability.Logger
}

func NewWorker(interval time.Duration, logger observability.Logger, jobs ...Job) *Worker {
	return &Worker{jobs: jobs, interval: interval, backoff: time.Second, logger: logger}
}

func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.WithError(err).Error("sweep failed after retries")
			}
		}
	}
}

// RunOnce runs every job, retrying each with exponential backoff. A failing
// job does not stop the others.
func (w *Worker) RunOnce(ctx context.Context) error {
	var combined error
	for _, job := range w.jobs {
		n, err := w.runWithRetry(ctx, job)
		if err != nil {
			combined = errors.CombineErrors(combined, errors.Wrapf(err, "sweep %s", job.Name))
			continue
		}
		if n > 0 {
			w.logger.WithFields(map[string]interface{}{"job": job.Name, "count": n}).Info("sweep completed")
		}
	}
	return combined
}

func (w *Worker) runWithRetry(ctx context.Context, job Job) (int, error) {
	var err error
	for i := 0; i < maxRetries; i++ {
		var n int
		if n, err = job.Run(ctx); err == nil {
			return n, nil
		}
		w.logger.WithError(err).WithField("job", job.Name).Warn("sweep attempt failed")
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Duration(1<<i) * w.backoff):
		}
	}
	return 0, err
}
