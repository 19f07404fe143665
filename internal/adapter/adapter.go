// Package adapter hides provider protocols behind one interface: flat files,
// Firebird databases, XML endpoints and REST APIs all yield raw records for
// a date window.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rotisserie/eris"

	"github.com/fuelwise/fuel-ingest/internal/coerce"
	"github.com/fuelwise/fuel-ingest/internal/model"
	"github.com/fuelwise/fuel-ingest/internal/resilience"
)

// Adapter talks to one provider integration.
type Adapter interface {
	// TestConnection checks reachability and credentials. Failures are
	// reported in the result, never as an error.
	TestConnection(ctx context.Context) model.ConnectionResult

	// ListAvailableFields returns the field names the provider exposes.
	ListAvailableFields(ctx context.Context) ([]model.FieldDescriptor, error)

	// FetchTransactions streams raw records inside the query window. Both
	// channels are closed when the stream ends; at most one error is sent.
	FetchTransactions(ctx context.Context, q model.FetchQuery) (<-chan model.RawRecord, <-chan error)

	// Close releases long-lived resources such as database pools.
	Close() error
}

// ConnectionError reports that a provider could not be reached or refused
// the request. It counts toward the template's circuit breaker.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError wraps err as a ConnectionError for op.
func NewConnectionError(op string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Err: err}
}

// ValidationError reports a template or settings problem. It never trips a
// circuit breaker.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid settings: " + e.Reason
	}
	return fmt.Sprintf("invalid settings: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsConnectionError reports whether err should count as a provider failure:
// an explicit ConnectionError or a transient transport error. Caller
// cancellation and validation errors never count.
func IsConnectionError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || resilience.IsTransient(err)
}

// decodeSettings decodes a decrypted settings map into a typed struct.
// Strings are converted to numbers, booleans and durations where needed.
func decodeSettings(settings map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return eris.Wrap(err, "settings decoder")
	}
	if err := dec.Decode(settings); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

// recordFilter drops records outside the query window or for another card.
// Records whose date or card cannot be read are kept so the writer can
// report them.
type recordFilter struct {
	dateFields []string
	cardFields []string
	from, to   time.Time
	card       string
	loc        *time.Location
}

func newRecordFilter(tpl *model.ProviderTemplate, q model.FetchQuery, loc *time.Location) recordFilter {
	return recordFilter{
		dateFields: tpl.RawFieldsFor(model.FieldTransactionDate),
		cardFields: tpl.RawFieldsFor(model.FieldCardNumber),
		from:       q.DateFrom,
		to:         q.DateTo,
		card:       coerce.CardNumber(q.CardNumber),
		loc:        loc,
	}
}

// FilterRecord reports whether rec falls inside the query window and matches
// the card filter of q, using the template mapping to locate the date and
// card fields.
func FilterRecord(rec model.RawRecord, tpl *model.ProviderTemplate, q model.FetchQuery, loc *time.Location) bool {
	return newRecordFilter(tpl, q, loc).keep(rec)
}

func (f recordFilter) keep(rec model.RawRecord) bool {
	if !f.from.IsZero() || !f.to.IsZero() {
		if d := firstDate(rec, f.dateFields, f.loc); d != nil {
			if !f.from.IsZero() && d.Before(f.from) {
				return false
			}
			if !f.to.IsZero() && d.After(f.to) {
				return false
			}
		}
	}
	if f.card != "" {
		for _, name := range f.cardFields {
			if v, ok := rec.Fields[name]; ok && v != nil {
				return coerce.CardNumber(v) == f.card
			}
		}
		return false
	}
	return true
}

func firstDate(rec model.RawRecord, fields []string, loc *time.Location) *time.Time {
	for _, name := range fields {
		if d := coerce.Date(rec.Fields[name], loc); d != nil {
			return d
		}
	}
	return nil
}

// boundedResult runs check under timeout and turns its error into a
// ConnectionResult.
func boundedResult(ctx context.Context, timeout time.Duration, okMessage string, check func(ctx context.Context) error) model.ConnectionResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := check(ctx); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return model.ConnectionResult{Message: fmt.Sprintf("timed out after %s", timeout)}
		}
		return model.ConnectionResult{Message: err.Error()}
	}
	return model.ConnectionResult{Success: true, Message: okMessage}
}

// stream is the shared producer scaffold: fn runs in its own goroutine and
// emits records through send; its error, if any, lands on the error channel.
func stream(ctx context.Context, fn func(ctx context.Context, send func(model.RawRecord) bool) error) (<-chan model.RawRecord, <-chan error) {
	recCh := make(chan model.RawRecord, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(recCh)
		defer close(errCh)

		send := func(rec model.RawRecord) bool {
			select {
			case recCh <- rec:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if err := fn(ctx, send); err != nil {
			errCh <- err
			return
		}
		if ctx.Err() != nil {
			errCh <- eris.Wrap(ctx.Err(), "fetch interrupted")
		}
	}()

	return recCh, errCh
}
