// Package scheduler triggers auto-load ingestion runs for templates whose
// cron schedule is due.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fuelwise/fuel-ingest/internal/ingest"
	"github.com/fuelwise/fuel-ingest/internal/metrics"
	"github.com/fuelwise/fuel-ingest/internal/model"
)

// Skip reasons reported to metrics.
const (
	SkipLocked          = "locked"
	SkipInvalidSchedule = "invalid_schedule"
)

// Runner executes one ingestion run.
type Runner interface {
	Run(ctx context.Context, req ingest.RunRequest) (*model.UploadEvent, error)
}

// TemplateLister lists templates with auto-load enabled.
type TemplateLister interface {
	ListAutoLoadTemplates(ctx context.Context) ([]model.ProviderTemplate, error)
}

// Config tunes the scheduler loop.
type Config struct {
	// TickInterval is how often due templates are evaluated. Default 1m.
	TickInterval time.Duration
	// MaxConcurrent bounds runs started by one tick. Default 4.
	MaxConcurrent int
	// Location is the timezone cron expressions are evaluated in.
	Location *time.Location
}

// Scheduler evaluates auto-load templates on a ticker and runs the due ones
// through the shared ingestion path.
type Scheduler struct {
	templates TemplateLister
	runner    Runner
	cfg       Config
	now       func() time.Time

	mu       sync.Mutex
	attempts map[int64]time.Time // last trigger in this process
	invalid  map[int64]string    // last schedule reported invalid
}

// TickResult summarizes one tick.
type TickResult struct {
	Due     int
	Ran     int
	Skipped int
	Failed  int
}

// New creates a Scheduler.
func New(templates TemplateLister, runner Runner, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scheduler{
		templates: templates,
		runner:    runner,
		cfg:       cfg,
		now:       time.Now,
		attempts:  make(map[int64]time.Time),
		invalid:   make(map[int64]string),
	}
}

// Start ticks until ctx is done. A tick that outlasts the interval delays
// the next one; ticks never overlap.
func (s *Scheduler) Start(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "scheduler"))
	log.Info("scheduler started",
		zap.Duration("tick_interval", s.cfg.TickInterval),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent),
		zap.String("timezone", s.cfg.Location.String()),
	)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Error("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs every due template once, bounded by MaxConcurrent, and waits
// for the runs to finish.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	log := zap.L().With(zap.String("component", "scheduler"))
	now := s.now()

	templates, err := s.templates.ListAutoLoadTemplates(ctx)
	if err != nil {
		return TickResult{}, eris.Wrap(err, "scheduler: list auto-load templates")
	}

	due := s.selectDue(templates, now)
	res := TickResult{Due: len(due)}
	if len(due) == 0 {
		return res, nil
	}
	log.Info("due templates selected", zap.Int("count", len(due)))

	var ran, skipped, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, tpl := range due {
		s.markAttempt(tpl.ID, now)
		g.Go(func() error {
			tlog := log.With(zap.Int64("template_id", tpl.ID), zap.String("template", tpl.Name))

			ev, err := s.runner.Run(gctx, ingest.RunRequest{TemplateID: tpl.ID, Source: model.SourceScheduled})
			switch {
			case ingest.IsLockConflict(err):
				skipped.Add(1)
				metrics.ObserveSkip(SkipLocked)
				tlog.Info("scheduled run skipped: template already running")
			case ev == nil:
				failed.Add(1)
				tlog.Error("scheduled run could not start", zap.Error(err))
			default:
				ran.Add(1)
				if ev.Status == model.StatusFailed {
					failed.Add(1)
				}
				if err != nil {
					tlog.Error("scheduled run not fully recorded", zap.Error(err))
				}
			}
			return nil // one template never aborts the others
		})
	}
	_ = g.Wait()

	res.Ran, res.Skipped, res.Failed = int(ran.Load()), int(skipped.Load()), int(failed.Load())
	log.Info("scheduler tick complete",
		zap.Int("due", res.Due),
		zap.Int("ran", res.Ran),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// selectDue filters templates to those due at now, in id order.
func (s *Scheduler) selectDue(templates []model.ProviderTemplate, now time.Time) []model.ProviderTemplate {
	var due []model.ProviderTemplate
	for _, tpl := range templates {
		if !tpl.AutoLoad {
			continue
		}
		ok, err := s.isDue(tpl, now)
		if err != nil {
			s.reportInvalid(tpl, err)
			continue
		}
		if ok {
			due = append(due, tpl)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due
}

// isDue reports whether the first schedule activation after the template's
// reference time has passed. The reference is the later of the last
// successful auto load and the last trigger by this process; a template
// never loaded is due immediately.
func (s *Scheduler) isDue(tpl model.ProviderTemplate, now time.Time) (bool, error) {
	sched, err := ParseSchedule(tpl.AutoLoadSchedule)
	if err != nil {
		return false, err
	}

	var ref time.Time
	if tpl.LastAutoLoadDate != nil {
		ref = *tpl.LastAutoLoadDate
	}
	s.mu.Lock()
	if at, ok := s.attempts[tpl.ID]; ok && at.After(ref) {
		ref = at
	}
	s.mu.Unlock()

	if ref.IsZero() {
		return true, nil
	}
	next := sched.Next(ref.In(s.cfg.Location))
	return !next.After(now), nil
}

func (s *Scheduler) markAttempt(id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[id] = at
}

// reportInvalid logs an unusable schedule once per distinct value.
func (s *Scheduler) reportInvalid(tpl model.ProviderTemplate, err error) {
	metrics.ObserveSkip(SkipInvalidSchedule)

	s.mu.Lock()
	prev, ok := s.invalid[tpl.ID]
	seen := ok && prev == tpl.AutoLoadSchedule
	s.invalid[tpl.ID] = tpl.AutoLoadSchedule
	s.mu.Unlock()
	if seen {
		return
	}
	zap.L().Warn("template has an invalid auto-load schedule",
		zap.String("component", "scheduler"),
		zap.Int64("template_id", tpl.ID),
		zap.String("schedule", tpl.AutoLoadSchedule),
		zap.Error(err),
	)
}

// ParseSchedule parses a five-field cron expression or a descriptor such as
// "@daily". A CRON_TZ= prefix overrides the scheduler timezone.
func ParseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, eris.New("scheduler: empty schedule")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: parse schedule %q", spec)
	}
	return sched, nil
}
