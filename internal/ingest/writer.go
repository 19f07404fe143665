package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fuelwise/fuel-ingest/internal/coerce"
	"github.com/fuelwise/fuel-ingest/internal/model"
	"github.com/fuelwise/fuel-ingest/internal/store"
)

// DefaultErrorSampleSize bounds Counts.Errors when no size is configured.
const DefaultErrorSampleSize = 20

// Counts aggregates writer outcomes for one run.
type Counts struct {
	Total   int      `json:"total"`
	Created int      `json:"created"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeSkipped
	outcomeFailed
)

// Writer persists raw records as deduplicated canonical transactions. Each
// record commits on its own; a bad record never rolls back good ones.
type Writer struct {
	store      store.Store
	normalizer *Normalizer
	sampleSize int
}

// NewWriter creates a Writer. sampleSize <= 0 selects DefaultErrorSampleSize.
func NewWriter(st store.Store, normalizer *Normalizer, sampleSize int) *Writer {
	if sampleSize <= 0 {
		sampleSize = DefaultErrorSampleSize
	}
	return &Writer{store: st, normalizer: normalizer, sampleSize: sampleSize}
}

// Write consumes records until the channel closes or ctx is done and returns
// the aggregate counts. A record interrupted by cancellation is not counted.
func (w *Writer) Write(ctx context.Context, tpl *model.ProviderTemplate, uploadID string, records <-chan model.RawRecord) Counts {
	log := zap.L().With(zap.String("component", "ingest.writer"), zap.Int64("template_id", tpl.ID))

	var c Counts
	for {
		select {
		case <-ctx.Done():
			return c
		case rec, ok := <-records:
			if !ok {
				return c
			}
			out, err := w.writeOne(ctx, tpl, uploadID, rec)
			if err != nil && ctx.Err() != nil {
				return c
			}
			c.Total++
			switch out {
			case outcomeCreated:
				c.Created++
			case outcomeSkipped:
				c.Skipped++
			case outcomeFailed:
				c.Failed++
				msg := recordMessage(rec.Line, err)
				if len(c.Errors) < w.sampleSize {
					c.Errors = append(c.Errors, msg)
				}
				log.Debug("record failed", zap.String("error", msg))
			}
		}
	}
}

func (w *Writer) writeOne(ctx context.Context, tpl *model.ProviderTemplate, uploadID string, rec model.RawRecord) (outcome, error) {
	tx, err := w.normalizer.Normalize(rec, tpl.FieldMapping, tpl.ProviderID)
	if err != nil {
		return outcomeFailed, err
	}
	tx.TemplateID = tpl.ID
	tx.UploadEventID = uploadID

	exists, err := w.store.TransactionExists(ctx, tx.Key())
	if err != nil {
		return outcomeFailed, err
	}
	if exists {
		return outcomeSkipped, nil
	}

	if tx.CardID, err = w.store.ResolveCard(ctx, tx.ProviderID, tx.CardNumber); err != nil {
		return outcomeFailed, err
	}
	if tx.GasStationName != "" {
		id, err := w.store.ResolveGasStation(ctx, coerce.Key(tx.GasStationName), tx.GasStationName, tx.GasStationAddr)
		if err != nil {
			return outcomeFailed, err
		}
		tx.GasStationID = &id
	}
	if tx.VehiclePlate != "" {
		id, err := w.store.ResolveVehicle(ctx, tx.VehiclePlate)
		if err != nil {
			return outcomeFailed, err
		}
		tx.VehicleID = &id
	}

	if _, err := w.store.InsertTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return outcomeSkipped, nil
		}
		return outcomeFailed, err
	}
	return outcomeCreated, nil
}

// recordMessage prefixes err with the record line unless it already is a
// line-scoped coercion error.
func recordMessage(line int, err error) string {
	var ce *coerce.RecordCoercionError
	if errors.As(err, &ce) {
		return ce.Error()
	}
	return fmt.Sprintf("line %d: %v", line, err)
}
