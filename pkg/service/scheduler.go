package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/leadflow/pkg/models"
	"github.com/ignatij/leadflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultBatchSize    = 32
	DefaultClaimTTL     = 5 * time.Minute
	// jobs failing this many times are dropped
	DefaultMaxJobAttempts = 10
	stalledSweepLimit     = 100
)

// SchedulerConfig tunes the job poller. Zero values take the defaults.
type SchedulerConfig struct {
	Workers        int
	PollInterval   time.Duration
	BatchSize      int
	ClaimTTL       time.Duration
	MaxJobAttempts int
}

func (c SchedulerConfig) normalized() SchedulerConfig {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = DefaultClaimTTL
	}
	if c.MaxJobAttempts <= 0 {
		c.MaxJobAttempts = DefaultMaxJobAttempts
	}
	return c
}

// Scheduler polls due jobs on a cron tick and hands them to a fixed pool of
// workers. Delivery is at-least-once: a job claimed by a worker that dies is
// handed out again once its claim expires.
type Scheduler struct {
	engine   *Engine
	store    storage.Store
	logger   Logger
	cfg      SchedulerConfig
	owner    string
	cron     *cron.Cron
	jobChan  chan models.ScheduledJob
	inflight map[string]struct{}
	mu       sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewScheduler(engine *Engine, logger Logger, cfg SchedulerConfig) *Scheduler {
	cfg = cfg.normalized()
	return &Scheduler{
		engine:   engine,
		store:    engine.Store(),
		logger:   logger,
		cfg:      cfg,
		owner:    engine.Config().InstanceID + ":scheduler:" + uuid.NewString(),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the workers and the poll and recovery ticks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.jobChan = make(chan models.ScheduledJob, s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.PollInterval), func() { s.Poll() }); err != nil {
		s.cancel()
		return errors.Wrap(err, "schedule job poll")
	}
	sweep := s.engine.Config().LeaseTTL
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", sweep), func() { s.Sweep() }); err != nil {
		s.cancel()
		return errors.Wrap(err, "schedule stalled run sweep")
	}
	s.cron.Start()
	s.logger.Infof("Scheduler started with %d workers, polling every %s", s.cfg.Workers, s.cfg.PollInterval)
	return nil
}

// Stop halts the ticks and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.jobChan != nil {
		close(s.jobChan)
	}
	s.wg.Wait()
	s.logger.Infof("Scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Poll claims due jobs and queues them for the workers. It returns the number
// of jobs claimed.
func (s *Scheduler) Poll() int {
	if s.ctx != nil && s.ctx.Err() != nil {
		return 0
	}
	jobs, err := s.store.ClaimDueJobs(s.owner, s.engine.now(), s.cfg.ClaimTTL, s.cfg.BatchSize)
	if err != nil {
		s.logger.Errorf("Failed to claim due jobs: %v", err)
		return 0
	}
	for _, job := range jobs {
		if !s.track(job.ID) {
			continue
		}
		if s.jobChan == nil {
			s.process(context.Background(), job)
			continue
		}
		select {
		case s.jobChan <- job:
		case <-s.ctx.Done():
			s.untrack(job.ID)
			return len(jobs)
		}
	}
	return len(jobs)
}

// Sweep re-drives stalled runs.
func (s *Scheduler) Sweep() {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := s.engine.RecoverStalled(ctx, stalledSweepLimit)
	if err != nil {
		s.logger.Errorf("Stalled run sweep failed: %v", err)
		return
	}
	if n > 0 {
		s.logger.Infof("Recovered %d stalled run(s)", n)
	}
}

func (s *Scheduler) track(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) untrack(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for job := range s.jobChan {
		if s.ctx.Err() != nil {
			s.untrack(job.ID)
			continue
		}
		s.process(s.ctx, job)
	}
}

// process runs one job and records the outcome. A failing run never takes
// the worker down with it.
func (s *Scheduler) process(ctx context.Context, job models.ScheduledJob) {
	defer s.untrack(job.ID)
	err := s.safeHandle(ctx, job)
	switch {
	case err == nil:
		if cerr := s.store.CompleteJob(job.ID); cerr != nil {
			s.logger.Errorf("Failed to complete job %s: %v", job.ID, cerr)
		}
	case job.Attempts >= s.cfg.MaxJobAttempts:
		s.logger.Errorf("Dropping job %s for execution %s after %d attempts: %v", job.ID, job.ExecutionID, job.Attempts, err)
		if cerr := s.store.CompleteJob(job.ID); cerr != nil {
			s.logger.Errorf("Failed to complete job %s: %v", job.ID, cerr)
		}
	default:
		retryAt := s.engine.now().Add(time.Duration(job.Attempts) * s.cfg.PollInterval)
		if errors.Is(err, ErrRunBusy) {
			retryAt = s.engine.now().Add(s.cfg.PollInterval)
		}
		s.logger.Infof("Job %s for execution %s failed, retrying at %s: %v", job.ID, job.ExecutionID, retryAt.Format(time.RFC3339), err)
		if rerr := s.store.ReleaseJob(job.ID, err.Error(), retryAt); rerr != nil {
			s.logger.Errorf("Failed to release job %s: %v", job.ID, rerr)
		}
	}
}

func (s *Scheduler) safeHandle(ctx context.Context, job models.ScheduledJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic handling job %s: %v", job.ID, r)
		}
	}()
	return s.engine.HandleJob(ctx, job)
}
