package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fuelwise/fuel-ingest/internal/ingest"
	"github.com/fuelwise/fuel-ingest/internal/model"
)

type staticLister struct {
	templates []model.ProviderTemplate
	err       error
}

func (l *staticLister) ListAutoLoadTemplates(context.Context) ([]model.ProviderTemplate, error) {
	return l.templates, l.err
}

type fakeRunner struct {
	mu       sync.Mutex
	requests []ingest.RunRequest
	locked   map[int64]bool
	status   model.UploadStatus
	delay    time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func (r *fakeRunner) Run(_ context.Context, req ingest.RunRequest) (*model.UploadEvent, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		m := r.maxActive.Load()
		if n <= m || r.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	r.requests = append(r.requests, req)
	locked := r.locked[req.TemplateID]
	r.mu.Unlock()

	if locked {
		return nil, &ingest.LockConflictError{TemplateID: req.TemplateID}
	}
	status := r.status
	if status == "" {
		status = model.StatusSuccess
	}
	return &model.UploadEvent{TemplateID: req.TemplateID, Source: req.Source, Status: status}, nil
}

func (r *fakeRunner) ids() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.requests))
	for _, req := range r.requests {
		ids = append(ids, req.TemplateID)
	}
	return ids
}

func autoTemplate(id int64, schedule string, last *time.Time) model.ProviderTemplate {
	return model.ProviderTemplate{
		ID:               id,
		ProviderID:       1,
		Name:             "tpl",
		ConnectionType:   model.ConnectionFile,
		AutoLoad:         true,
		AutoLoadSchedule: schedule,
		LastAutoLoadDate: last,
	}
}

func at(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func newTestScheduler(lister TemplateLister, runner Runner, now time.Time, cfg Config) *Scheduler {
	s := New(lister, runner, cfg)
	s.now = func() time.Time { return now }
	return s
}

func TestTick_SelectsDueTemplates(t *testing.T) {
	lister := &staticLister{templates: []model.ProviderTemplate{
		autoTemplate(1, "0 6 * * *", nil),                           // never loaded
		autoTemplate(2, "0 6 * * *", at("2024-03-09T06:00:00Z")),    // next 03-10 06:00, passed
		autoTemplate(3, "0 6 * * *", at("2024-03-10T06:00:00Z")),    // next 03-11 06:00
		autoTemplate(4, "@hourly", at("2024-03-10T06:10:00Z")),      // next 07:00, passed
		autoTemplate(5, "*/30 * * * *", at("2024-03-10T07:05:00Z")), // next 07:30
	}}
	runner := &fakeRunner{}
	s := newTestScheduler(lister, runner, time.Date(2024, 3, 10, 7, 15, 0, 0, time.UTC), Config{})

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 3, Ran: 3}, res)
	assert.ElementsMatch(t, []int64{1, 2, 4}, runner.ids())

	runner.mu.Lock()
	for _, req := range runner.requests {
		assert.Equal(t, model.SourceScheduled, req.Source)
		assert.Nil(t, req.DateFrom)
	}
	runner.mu.Unlock()
}

func TestTick_AttemptSuppressesRetryUntilNextActivation(t *testing.T) {
	lister := &staticLister{templates: []model.ProviderTemplate{autoTemplate(1, "0 6 * * *", nil)}}
	runner := &fakeRunner{status: model.StatusFailed}
	now := time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC)
	s := newTestScheduler(lister, runner, now, Config{})

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	// Failed runs leave last_auto_load_date untouched; the in-process
	// attempt keeps the template from re-running every tick.
	res, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)

	s.now = func() time.Time { return now.Add(24 * time.Hour) }
	res, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Due)
	assert.Len(t, runner.ids(), 2)
}

func TestTick_InvalidScheduleIsSkipped(t *testing.T) {
	lister := &staticLister{templates: []model.ProviderTemplate{
		autoTemplate(1, "every morning", nil),
		autoTemplate(2, "", nil),
		autoTemplate(3, "0 6 * * *", nil),
	}}
	runner := &fakeRunner{}
	s := newTestScheduler(lister, runner, time.Now(), Config{})

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ran)
	assert.Equal(t, []int64{3}, runner.ids())
}

func TestTick_InvalidScheduleLoggedOncePerValue(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	lister := &staticLister{templates: []model.ProviderTemplate{
		autoTemplate(1, "every morning", nil),
		autoTemplate(2, "", nil),
	}}
	s := newTestScheduler(lister, &fakeRunner{}, time.Now(), Config{})

	for range 3 {
		_, err := s.Tick(context.Background())
		require.NoError(t, err)
	}
	warnings := logs.FilterMessage("template has an invalid auto-load schedule").All()
	require.Len(t, warnings, 2)
	assert.Equal(t, int64(1), warnings[0].ContextMap()["template_id"])
	assert.Equal(t, int64(2), warnings[1].ContextMap()["template_id"])
	assert.Equal(t, "", warnings[1].ContextMap()["schedule"])

	// A changed but still invalid schedule is reported again.
	lister.templates[1].AutoLoadSchedule = "tomorrow"
	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, logs.FilterMessage("template has an invalid auto-load schedule").All(), 3)
}

func TestTick_LockConflictIsSkipped(t *testing.T) {
	lister := &staticLister{templates: []model.ProviderTemplate{
		autoTemplate(1, "@daily", nil),
		autoTemplate(2, "@daily", nil),
	}}
	runner := &fakeRunner{locked: map[int64]bool{1: true}}
	s := newTestScheduler(lister, runner, time.Now(), Config{})

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 2, Ran: 1, Skipped: 1}, res)
}

func TestTick_BoundsConcurrency(t *testing.T) {
	var templates []model.ProviderTemplate
	for i := int64(1); i <= 8; i++ {
		templates = append(templates, autoTemplate(i, "@daily", nil))
	}
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	s := newTestScheduler(&staticLister{templates: templates}, runner, time.Now(), Config{MaxConcurrent: 2})

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, res.Ran)
	assert.LessOrEqual(t, runner.maxActive.Load(), int32(2))
}

func TestTick_ListError(t *testing.T) {
	s := newTestScheduler(&staticLister{err: errors.New("db down")}, &fakeRunner{}, time.Now(), Config{})
	_, err := s.Tick(context.Background())
	assert.Error(t, err)
}

func TestTick_ScheduleUsesLocation(t *testing.T) {
	msk := time.FixedZone("MSK", 3*3600)
	// Last load 09:30 MSK on 03-09. The next activation is 06:00 MSK on
	// 03-10 (03:00 UTC) in Moscow but 06:00 UTC when evaluated in UTC.
	lister := &staticLister{templates: []model.ProviderTemplate{
		autoTemplate(1, "0 6 * * *", at("2024-03-09T06:30:00Z")),
	}}
	now := time.Date(2024, 3, 10, 4, 0, 0, 0, time.UTC)

	res, err := newTestScheduler(lister, &fakeRunner{}, now, Config{Location: msk}).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Due)

	res, err = newTestScheduler(lister, &fakeRunner{}, now, Config{}).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)
}

func TestStart_StopsOnCancel(t *testing.T) {
	lister := &staticLister{templates: []model.ProviderTemplate{autoTemplate(1, "@daily", nil)}}
	runner := &fakeRunner{}
	s := New(lister, runner, Config{TickInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return len(runner.ids()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Len(t, runner.ids(), 1)
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"0 6 * * *", "@daily", "@every 1h", "CRON_TZ=UTC 0 6 * * 1-5"} {
		_, err := ParseSchedule(spec)
		assert.NoError(t, err, spec)
	}
	for _, spec := range []string{"", "0 6 * *", "61 * * * *"} {
		_, err := ParseSchedule(spec)
		assert.Error(t, err, spec)
	}
}
