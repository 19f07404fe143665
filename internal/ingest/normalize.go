// Package ingest turns raw provider records into canonical transactions and
// drives one ingestion run from template to audit record.
package ingest

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fuelwise/fuel-ingest/internal/coerce"
	"github.com/fuelwise/fuel-ingest/internal/model"
)

// Stored scales of the decimal columns. Normalized values are rounded to
// these so the dedup key compares equal across backends.
const (
	amountScale   = 2
	quantityScale = 3
	priceScale    = 4
)

// Normalizer maps and coerces raw records into canonical transactions.
type Normalizer struct {
	loc *time.Location
}

// NewNormalizer creates a Normalizer interpreting zone-less dates in loc.
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc}
}

// Normalize maps raw through the template field mapping and coerces the
// canonical fields. Missing or unparseable date, card number or amount yield
// a *coerce.RecordCoercionError; optional fields degrade to empty.
func (n *Normalizer) Normalize(raw model.RawRecord, mapping map[string]string, providerID int64) (*model.CanonicalTransaction, error) {
	fields := project(raw.Fields, mapping)

	date := coerce.Date(fields[model.FieldTransactionDate], n.loc)
	if date == nil {
		return nil, coercionError(raw.Line, model.FieldTransactionDate, fields[model.FieldTransactionDate])
	}
	if v, ok := fields[model.FieldTransactionTime]; ok {
		if clock, ok := coerce.Clock(v); ok {
			d := date.In(n.loc)
			midnight := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, n.loc)
			combined := midnight.Add(clock)
			date = &combined
		}
	}

	card := coerce.CardNumber(fields[model.FieldCardNumber])
	if card == "" {
		return nil, coercionError(raw.Line, model.FieldCardNumber, fields[model.FieldCardNumber])
	}

	amount := coerce.Decimal(fields[model.FieldAmount])
	if amount == nil {
		return nil, coercionError(raw.Line, model.FieldAmount, fields[model.FieldAmount])
	}

	return &model.CanonicalTransaction{
		ProviderID:      providerID,
		TransactionDate: date.UTC(),
		CardNumber:      card,
		Quantity:        rounded(coerce.Decimal(fields[model.FieldQuantity]), quantityScale),
		Amount:          amount.Round(amountScale),
		Price:           rounded(coerce.Decimal(fields[model.FieldPrice]), priceScale),
		FuelType:        coerce.String(fields[model.FieldFuelType]),
		GasStationName:  coerce.String(fields[model.FieldGasStation]),
		GasStationAddr:  coerce.String(fields[model.FieldGasStationAddress]),
		VehiclePlate:    coerce.Plate(fields[model.FieldVehiclePlate]),
		ExternalRef:     coerce.String(fields[model.FieldExternalRef]),
	}, nil
}

// project re-keys raw fields by canonical name. A raw field absent from the
// mapping passes through when it already carries a canonical name. When
// several raw fields target one canonical field the first non-blank value in
// raw-name order wins.
func project(raw map[string]any, mapping map[string]string) map[string]any {
	names := make([]string, 0, len(raw))
	for k := range raw {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make(map[string]any, len(model.CanonicalFields))
	for _, name := range names {
		target, ok := mapping[name]
		if !ok {
			target = name
		}
		if !model.IsCanonicalField(target) {
			continue
		}
		if blank(out[target]) {
			out[target] = raw[name]
		}
	}
	return out
}

func blank(v any) bool {
	return v == nil || coerce.String(v) == ""
}

func coercionError(line int, field string, v any) error {
	if blank(v) {
		return coerce.NewRecordCoercionError(line, field, nil, "missing")
	}
	return coerce.NewRecordCoercionError(line, field, v, "unparseable")
}

func rounded(d *decimal.Decimal, places int32) *decimal.Decimal {
	if d == nil {
		return nil
	}
	r := d.Round(places)
	return &r
}
