package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fuelwise/fuel-ingest/internal/adapter"
	"github.com/fuelwise/fuel-ingest/internal/cache"
	"github.com/fuelwise/fuel-ingest/internal/credential"
	"github.com/fuelwise/fuel-ingest/internal/metrics"
	"github.com/fuelwise/fuel-ingest/internal/model"
	"github.com/fuelwise/fuel-ingest/internal/resilience"
	"github.com/fuelwise/fuel-ingest/internal/store"
)

// AdapterFactory builds the protocol adapter for a template.
type AdapterFactory interface {
	New(tpl *model.ProviderTemplate, settings map[string]any) (adapter.Adapter, error)
}

// Emitter receives one upload event per finished run.
type Emitter interface {
	Emit(ctx context.Context, ev model.UploadEvent)
}

// RunnerConfig tunes timeouts and cache lifetimes of a Runner.
type RunnerConfig struct {
	// FetchTimeout bounds one adapter fetch call. Default 5m.
	FetchTimeout time.Duration
	// RunTimeout bounds a whole run. Default 15m.
	RunTimeout time.Duration
	// PersistTimeout bounds audit writes after the run context ended. Default 10s.
	PersistTimeout time.Duration
	// Location is the timezone for day offsets and zone-less dates.
	Location *time.Location
	FieldsTTL time.Duration
	HealthTTL time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Minute
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 15 * time.Minute
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.FieldsTTL <= 0 {
		c.FieldsTTL = 10 * time.Minute
	}
	if c.HealthTTL <= 0 {
		c.HealthTTL = time.Minute
	}
	return c
}

// RunRequest describes one ingestion trigger.
type RunRequest struct {
	TemplateID int64
	Source     model.UploadSource
	// DateFrom and DateTo override the template offsets when both are set.
	DateFrom *time.Time
	DateTo   *time.Time
	// CardNumber optionally restricts the fetch to one card.
	CardNumber string
	// SourcePath overrides the file location of file templates.
	SourcePath string
}

// Runner executes ingestion runs: lock, template, credentials, breaker,
// adapter fetch, writer, audit record, notification.
type Runner struct {
	store    store.Store
	codec    *credential.Codec
	factory  AdapterFactory
	breakers *resilience.Registry
	writer   *Writer
	locks    *LockTable
	emitter  Emitter
	cache    *cache.Cache
	cfg      RunnerConfig
	now      func() time.Time
}

// RunnerDeps groups the collaborators of a Runner. Emitter and Cache are
// optional.
type RunnerDeps struct {
	Store    store.Store
	Codec    *credential.Codec
	Factory  AdapterFactory
	Breakers *resilience.Registry
	Locks    *LockTable
	Emitter  Emitter
	Cache    *cache.Cache
	// ErrorSampleSize bounds the per-record messages kept on an upload event.
	ErrorSampleSize int
}

// NewRunner creates a Runner.
func NewRunner(deps RunnerDeps, cfg RunnerConfig) *Runner {
	cfg = cfg.withDefaults()
	locks := deps.Locks
	if locks == nil {
		locks = NewLockTable()
	}
	return &Runner{
		store:    deps.Store,
		codec:    deps.Codec,
		factory:  deps.Factory,
		breakers: deps.Breakers,
		writer:   NewWriter(deps.Store, NewNormalizer(cfg.Location), deps.ErrorSampleSize),
		locks:    locks,
		emitter:  deps.Emitter,
		cache:    deps.Cache,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Locks exposes the lock table shared by manual and scheduled triggers.
func (r *Runner) Locks() *LockTable {
	return r.locks
}

// Location returns the configured timezone.
func (r *Runner) Location() *time.Location {
	return r.cfg.Location
}

// Run executes one ingestion run. It returns *LockConflictError without
// side effects when the template is already running. Otherwise exactly one
// upload event is produced and returned, whatever the run outcome; the
// returned error is then only set when the event could not be persisted.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*model.UploadEvent, error) {
	log := zap.L().With(
		zap.String("component", "ingest.runner"),
		zap.Int64("template_id", req.TemplateID),
		zap.String("source", string(req.Source)),
	)

	release, ok := r.locks.TryAcquire(req.TemplateID)
	if !ok {
		log.Info("ingestion skipped: template is locked by another run")
		return nil, &LockConflictError{TemplateID: req.TemplateID}
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	tpl, err := r.store.GetTemplate(runCtx, req.TemplateID)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: load template %d", req.TemplateID)
	}

	started := r.now()
	ev := &model.UploadEvent{
		ID:         uuid.New().String(),
		TemplateID: tpl.ID,
		ProviderID: tpl.ProviderID,
		Source:     req.Source,
		StartedAt:  started,
	}
	ev.DateFrom, ev.DateTo = r.window(started, tpl, req)
	log = log.With(zap.String("upload_id", ev.ID), zap.Time("date_from", ev.DateFrom), zap.Time("date_to", ev.DateTo))
	log.Info("ingestion started")

	counts, runErr := r.execute(runCtx, tpl, req, ev)
	finish(ev, counts, runErr, r.now())

	// The run context may be expired; audit writes get their own budget.
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
	defer cancelPersist()

	persistErr := r.store.AppendUploadEvent(persistCtx, ev)
	if persistErr != nil {
		log.Error("failed to append upload event", zap.Error(persistErr))
	}
	if req.Source == model.SourceScheduled && ev.Status != model.StatusFailed {
		if err := r.store.UpdateLastAutoLoad(persistCtx, tpl.ID, started); err != nil {
			log.Error("failed to update last auto load date", zap.Error(err))
		}
	}

	metrics.ObserveRun(ev, tpl.ConnectionType)
	metrics.ObserveRecords(ev.Created, ev.Skipped, ev.Failed)

	fields := []zap.Field{
		zap.String("status", string(ev.Status)),
		zap.Int("total", ev.Total),
		zap.Int("created", ev.Created),
		zap.Int("skipped", ev.Skipped),
		zap.Int("failed", ev.Failed),
		zap.Int64("duration_ms", ev.DurationMs),
	}
	if runErr != nil {
		log.Warn("ingestion failed", append(fields, zap.Error(runErr))...)
	} else {
		log.Info("ingestion finished", fields...)
	}

	if r.emitter != nil {
		r.emitter.Emit(persistCtx, *ev)
	}
	return ev, eris.Wrap(persistErr, "ingest: append upload event")
}

func (r *Runner) window(now time.Time, tpl *model.ProviderTemplate, req RunRequest) (time.Time, time.Time) {
	if req.DateFrom != nil && req.DateTo != nil {
		return *req.DateFrom, *req.DateTo
	}
	return Window(now, tpl.DateFromOffset, tpl.DateToOffset, r.cfg.Location)
}

// execute runs everything between template load and audit. Counts reflect
// the records processed before any failure.
func (r *Runner) execute(ctx context.Context, tpl *model.ProviderTemplate, req RunRequest, ev *model.UploadEvent) (Counts, error) {
	ad, err := r.openAdapter(tpl)
	if err != nil {
		return Counts{}, err
	}
	defer ad.Close()

	q := model.FetchQuery{
		DateFrom:   ev.DateFrom,
		DateTo:     ev.DateTo,
		CardNumber: req.CardNumber,
		SourcePath: req.SourcePath,
	}

	var counts Counts
	err = r.breakers.Get(tpl.BreakerName()).Execute(ctx, func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
		defer cancel()

		records, errc := ad.FetchTransactions(fetchCtx, q)
		counts = r.writer.Write(fetchCtx, tpl, ev.ID, records)
		if err := <-errc; err != nil {
			return err
		}
		if err := fetchCtx.Err(); err != nil {
			return adapter.NewConnectionError("fetch", err)
		}
		return nil
	})
	return counts, err
}

func (r *Runner) openAdapter(tpl *model.ProviderTemplate) (adapter.Adapter, error) {
	settings, err := r.codec.Open(tpl.ConnectionSettings)
	if err != nil {
		return nil, err
	}
	return r.factory.New(tpl, settings)
}

// finish fills status, counts and message. failed: the run aborted or every
// record failed; partial: some records failed; success otherwise.
func finish(ev *model.UploadEvent, c Counts, runErr error, finishedAt time.Time) {
	ev.Total, ev.Created, ev.Skipped, ev.Failed = c.Total, c.Created, c.Skipped, c.Failed
	ev.Errors = c.Errors
	ev.FinishedAt = finishedAt
	ev.DurationMs = finishedAt.Sub(ev.StartedAt).Milliseconds()

	summary := fmt.Sprintf("%d records: %d created, %d skipped, %d failed", c.Total, c.Created, c.Skipped, c.Failed)
	switch {
	case runErr != nil:
		ev.Status = model.StatusFailed
		ev.Message = Describe(runErr)
		if c.Total > 0 {
			ev.Message += " (" + summary + ")"
		}
	case c.Total > 0 && c.Failed == c.Total:
		ev.Status = model.StatusFailed
		ev.Message = "all records failed: " + summary
	case c.Failed > 0:
		ev.Status = model.StatusPartial
		ev.Message = summary
	default:
		ev.Status = model.StatusSuccess
		ev.Message = summary
	}
}

// TestConnection checks a template's provider reachability. Results are
// cached briefly in the health namespace.
func (r *Runner) TestConnection(ctx context.Context, templateID int64) (model.ConnectionResult, error) {
	tpl, err := r.store.GetTemplate(ctx, templateID)
	if err != nil {
		return model.ConnectionResult{}, eris.Wrapf(err, "ingest: load template %d", templateID)
	}
	return cache.Memoize(ctx, r.cache, cache.NamespaceHealth, r.cfg.HealthTTL, cacheArgs(tpl),
		func(ctx context.Context) (model.ConnectionResult, error) {
			ad, err := r.openAdapter(tpl)
			if err != nil {
				return model.ConnectionResult{Success: false, Message: Describe(err)}, nil
			}
			defer ad.Close()
			return ad.TestConnection(ctx), nil
		})
}

// Fields lists the provider fields available for mapping, cached in the
// fields namespace.
func (r *Runner) Fields(ctx context.Context, templateID int64) ([]model.FieldDescriptor, error) {
	tpl, err := r.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: load template %d", templateID)
	}
	return cache.Memoize(ctx, r.cache, cache.NamespaceFields, r.cfg.FieldsTTL, cacheArgs(tpl),
		func(ctx context.Context) ([]model.FieldDescriptor, error) {
			ad, err := r.openAdapter(tpl)
			if err != nil {
				return nil, err
			}
			defer ad.Close()
			return ad.ListAvailableFields(ctx)
		})
}

// cacheArgs keys cached provider calls by template and settings so that a
// settings change is never served stale results.
func cacheArgs(tpl *model.ProviderTemplate) []any {
	return []any{tpl.ID, string(tpl.ConnectionType), tpl.ConnectionSettings}
}
