package app

import (
	"context"
	"fmt"
	"time"

	"wamux/cmd/internal/qrstore"
	"wamux/cmd/internal/supervisor"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler runs the periodic maintenance jobs: QR sweeping, rate-limit pruning and
// resuming sessions whose owner disappeared.
type Scheduler struct {
	cron gocron.Scheduler
	log  Logger
}

// NewScheduler registers the maintenance jobs. qr may be nil when the QR store
// expires entries on its own. A zero resumeEvery disables periodic resume.
func NewScheduler(log Logger, svc *supervisor.Service, qr *qrstore.Memory, sweepEvery, resumeEvery, opTimeout time.Duration) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	s := &Scheduler{cron: cron, log: log}

	if sweepEvery > 0 {
		if _, err := cron.NewJob(
			gocron.DurationJob(sweepEvery),
			gocron.NewTask(s.sweep, svc, qr),
			gocron.WithName("sweep"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return nil, fmt.Errorf("schedule sweep: %w", err)
		}
	}

	if resumeEvery > 0 {
		if _, err := cron.NewJob(
			gocron.DurationJob(resumeEvery),
			gocron.NewTask(s.resume, svc, opTimeout),
			gocron.WithName("resume"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return nil, fmt.Errorf("schedule resume: %w", err)
		}
	}

	return s, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error { return s.cron.Shutdown() }

func (s *Scheduler) sweep(svc *supervisor.Service, qr *qrstore.Memory) {
	var qrs int
	if qr != nil {
		qrs = qr.Sweep()
	}
	windows := svc.SweepLimiters()
	if qrs > 0 || windows > 0 {
		s.log.Debug("scheduler.sweep", "qr_expired", qrs, "limiter_windows", windows)
	}
}

// resume picks up persisted live sessions whose lock lapsed, for example after a
// peer instance died.
func (s *Scheduler) resume(svc *supervisor.Service, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := svc.Resume(ctx); err != nil {
		s.log.Warn("scheduler.resume.fail", "err", err)
	}
}
