package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuelwise/fuel-ingest/internal/model"
)

func testTemplate(ct model.ConnectionType) *model.ProviderTemplate {
	return &model.ProviderTemplate{
		ID:             7,
		ProviderID:     3,
		Name:           "acme",
		ConnectionType: ct,
		FieldMapping: map[string]string{
			"Date":   model.FieldTransactionDate,
			"Card":   model.FieldCardNumber,
			"Amount": model.FieldAmount,
		},
	}
}

func drain(t *testing.T, recCh <-chan model.RawRecord, errCh <-chan error) ([]model.RawRecord, error) {
	t.Helper()
	var recs []model.RawRecord
	for r := range recCh {
		recs = append(recs, r)
	}
	return recs, <-errCh
}

// newConnCountingServer starts a test server that tracks how many client
// connections it currently holds open.
func newConnCountingServer(t *testing.T, h http.Handler) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var open atomic.Int32
	srv := httptest.NewUnstartedServer(h)
	srv.Config.ConnState = func(_ net.Conn, st http.ConnState) {
		switch st {
		case http.StateNew:
			open.Add(1)
		case http.StateClosed, http.StateHijacked:
			open.Add(-1)
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)
	return srv, &open
}

func fetchAll(t *testing.T, a Adapter, q model.FetchQuery) ([]model.RawRecord, error) {
	t.Helper()
	recCh, errCh := a.FetchTransactions(context.Background(), q)
	return drain(t, recCh, errCh)
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewConnectionError("dial", errors.New("refused")), true},
		{"wrapped explicit", eris.Wrap(NewConnectionError("dial", errors.New("x")), "fetch"), true},
		{"transient transport", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", eris.Wrap(context.Canceled, "fetch"), false},
		{"validation", invalid("url", "required"), false},
		{"plain", errors.New("bad mapping"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionError(tt.err))
		})
	}
}

func TestFilterRecord(t *testing.T) {
	tpl := testTemplate(model.ConnectionFile)
	q := model.FetchQuery{
		DateFrom: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		DateTo:   time.Date(2024, 3, 2, 23, 59, 59, 0, time.UTC),
	}
	rec := func(date, card any) model.RawRecord {
		return model.RawRecord{Fields: map[string]any{"Date": date, "Card": card}}
	}

	assert.True(t, FilterRecord(rec("01.03.2024 08:00", "1"), tpl, q, time.UTC))
	assert.True(t, FilterRecord(rec("02.03.2024", "1"), tpl, q, time.UTC))
	assert.False(t, FilterRecord(rec("29.02.2024 23:59", "1"), tpl, q, time.UTC))
	assert.False(t, FilterRecord(rec("03.03.2024 00:00", "1"), tpl, q, time.UTC))
	assert.True(t, FilterRecord(rec("garbage", "1"), tpl, q, time.UTC), "unreadable dates reach the writer")

	q.CardNumber = "7012 3456"
	assert.True(t, FilterRecord(rec("01.03.2024", "70123456"), tpl, q, time.UTC))
	assert.False(t, FilterRecord(rec("01.03.2024", "70129999"), tpl, q, time.UTC))
	assert.False(t, FilterRecord(rec("01.03.2024", nil), tpl, q, time.UTC))
}

func TestDecodeSettings_WeakTypes(t *testing.T) {
	var s FileSettings
	require.NoError(t, decodeSettings(map[string]any{
		"source":     "/tmp/a.csv",
		"header_row": "3",
		"unknown":    true,
	}, &s))
	assert.Equal(t, "/tmp/a.csv", s.Source)
	assert.Equal(t, 3, s.HeaderRow)

	err := decodeSettings(map[string]any{"header_row": "three"}, &s)
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestBoundedResult(t *testing.T) {
	res := boundedResult(context.Background(), 20*time.Millisecond, "ok", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "timed out")

	res = boundedResult(context.Background(), time.Second, "ok", func(context.Context) error {
		return errors.New("login failed")
	})
	assert.Equal(t, model.ConnectionResult{Message: "login failed"}, res)

	res = boundedResult(context.Background(), time.Second, "ok", func(context.Context) error { return nil })
	assert.Equal(t, model.ConnectionResult{Success: true, Message: "ok"}, res)
}

func TestFactory_UnknownType(t *testing.T) {
	_, err := NewFactory(Options{}).New(testTemplate("soap"), nil)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "connection_type", ve.Field)
	assert.False(t, IsConnectionError(err))
}

func TestFactory_Dispatch(t *testing.T) {
	f := NewFactory(Options{})

	a, err := f.New(testTemplate(model.ConnectionFile), map[string]any{"source": "x.csv"})
	require.NoError(t, err)
	assert.IsType(t, &FileAdapter{}, a)

	a, err = f.New(testTemplate(model.ConnectionXML), map[string]any{"url": "https://p.example/tx"})
	require.NoError(t, err)
	assert.IsType(t, &XMLAdapter{}, a)

	a, err = f.New(testTemplate(model.ConnectionWeb), map[string]any{"base_url": "https://api.example"})
	require.NoError(t, err)
	assert.IsType(t, &WebAdapter{}, a)

	a, err = f.New(testTemplate(model.ConnectionFirebird), map[string]any{
		"host": "db.example", "database": "fuel", "table": "trans", "date_column": "tdate",
	})
	require.NoError(t, err)
	assert.IsType(t, &FirebirdAdapter{}, a)
	require.NoError(t, a.Close())
}

func TestStream_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	recCh, errCh := stream(ctx, func(ctx context.Context, send func(model.RawRecord) bool) error {
		for i := 0; ; i++ {
			if !send(model.RawRecord{Line: i}) {
				return nil
			}
		}
	})
	<-recCh
	cancel()
	_, err := drain(t, recCh, errCh)
	assert.ErrorIs(t, err, context.Canceled)
}
