package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"csgo-arbiter/internal/logging"
	"csgo-arbiter/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrJobRunning   = errors.New("job is already running")
	ErrDuplicateJob = errors.New("job already registered")
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

type entry struct {
	name    string
	spec    string
	job     Job
	id      cron.EntryID
	running atomic.Bool
}

// Scheduler runs named jobs on cron specs. A failing or panicking job is logged
// and never affects the scheduler or its other jobs.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*entry
}

func New(loc *time.Location, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger = logging.OrNop(logger).Named("scheduler")
	cl := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*entry),
	}
}

// Register adds a job under name. spec is a standard five-field cron
// expression or a descriptor such as @hourly.
func (s *Scheduler) Register(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}

	e := &entry{name: name, spec: spec, job: job}
	id, err := s.cron.AddFunc(spec, func() {
		if err := s.run(s.ctx, e); err != nil && !errors.Is(err, ErrJobRunning) {
			s.logger.Warn("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	e.id = id
	s.jobs[name] = e
	s.logger.Info("job registered", zap.String("job", name), zap.String("spec", spec))
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs, cancels running jobs and waits for them until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a registered job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e)
}

func (s *Scheduler) run(ctx context.Context, e *entry) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		s.metrics.JobRun(e.name, "skipped")
		s.logger.Info("job still running, skipping", zap.String("job", e.name))
		return ErrJobRunning
	}
	defer e.running.Store(false)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", e.name, r)
			s.metrics.JobRun(e.name, "panic")
			s.logger.Error("job panicked", zap.String("job", e.name), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	s.logger.Info("job started", zap.String("job", e.name))
	if err = e.job(ctx); err != nil {
		s.metrics.JobRun(e.name, "error")
		return fmt.Errorf("job %s: %w", e.name, err)
	}
	s.metrics.JobRun(e.name, "ok")
	s.logger.Info("job finished", zap.String("job", e.name), zap.Duration("took", time.Since(start)))
	return nil
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	Prev    time.Time `json:"prev"`
	Running bool      `json:"running"`
}

func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		ce := s.cron.Entry(e.id)
		out = append(out, JobInfo{
			Name:    e.name,
			Spec:    e.spec,
			Next:    ce.Next,
			Prev:    ce.Prev,
			Running: e.running.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
