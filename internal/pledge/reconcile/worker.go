package reconcile

import (
	"context"
	"time"

	"crowdfundBack/internal/pledge/settlement"
)

const (
	defaultInterval = 5 * time.Minute
	runTimeout      = 2 * time.Minute
)

type Reconciler interface {
	Reconcile(ctx context.Context, now time.Time) (settlement.Report, error)
}

// ReportSink receives every non-empty reconciliation report.
type ReportSink interface {
	Export(ctx context.Context, rep settlement.Report) error
}

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type Worker struct {
	rec      Reconciler
	sinks    []ReportSink
	interval time.Duration
	logger   Logger
	now      func() time.Time
}

func NewWorker(rec Reconciler, interval time.Duration, logger Logger, sinks ...ReportSink) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Worker{
		rec:      rec,
		sinks:    sinks,
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start runs a pass immediately and then on every tick until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

func (w *Worker) RunOnce(ctx context.Context) settlement.Report {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	rep, err := w.rec.Reconcile(runCtx, w.now())
	if err != nil {
		w.logger.Errorf("reconcile: pass finished with errors: %v", err)
	}
	if rep.Empty() {
		return rep
	}

	w.logger.Infof("reconcile: expired %d orders, reapplied %d, failed %d, expired %d projects, drift %d",
		rep.ExpiredOrders, len(rep.Reapplied), len(rep.ReapplyFailed), len(rep.ExpiredProjects), len(rep.Drift))
	for _, sink := range w.sinks {
		if err := sink.Export(runCtx, rep); err != nil {
			w.logger.Errorf("reconcile: export report: %v", err)
		}
	}
	return rep
}
