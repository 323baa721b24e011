package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/devrayat000/video-ingest/queue"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper periodically returns jobs held by dead workers to the queue.
type Sweeper struct {
	queue      queue.JobQueue
	staleAfter time.Duration
	cron       *cron.Cron
	metrics    *Metrics
	log        logrus.FieldLogger
}

func NewSweeper(q queue.JobQueue, schedule string, staleAfter time.Duration, metrics *Metrics, log logrus.FieldLogger) (*Sweeper, error) {
	s := &Sweeper{
		queue:      q,
		staleAfter: staleAfter,
		metrics:    metrics,
		log:        log.WithField("component", "sweeper"),
	}
	cronLog := cron.PrintfLogger(s.log)
	s.cron = cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.SkipIfStillRunning(cronLog)))
	if _, err := s.cron.AddFunc(schedule, s.sweepJob); err != nil {
		return nil, fmt.Errorf("failed to schedule stale sweep %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) sweepJob() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.log.WithError(err).Error("stale sweep failed")
	}
}

// Sweep runs one pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) (queue.StaleResult, error) {
	res, err := s.queue.RequeueStale(ctx, s.staleAfter)
	if err != nil {
		return res, err
	}
	if s.metrics != nil {
		s.metrics.StaleRequeued.Add(float64(res.Requeued))
		s.metrics.StaleFailed.Add(float64(res.Failed))
	}
	if res.Requeued > 0 || res.Failed > 0 {
		s.log.WithFields(logrus.Fields{"requeued": res.Requeued, "failed": res.Failed}).Warn("recovered expired job claims")
	}
	return res, nil
}

// Run sweeps once at startup, then on schedule until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweepJob()
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
