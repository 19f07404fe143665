package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Canonical field names a template's field mapping may target.
const (
	FieldTransactionDate   = "transaction_date"
	FieldTransactionTime   = "transaction_time"
	FieldCardNumber        = "card_number"
	FieldQuantity          = "quantity"
	FieldAmount            = "amount"
	FieldPrice             = "price"
	FieldFuelType          = "fuel_type"
	FieldGasStation        = "gas_station"
	FieldGasStationAddress = "gas_station_address"
	FieldVehiclePlate      = "vehicle_plate"
	FieldExternalRef       = "external_ref"
)

// CanonicalFields lists every canonical field in display order.
var CanonicalFields = []string{
	FieldTransactionDate,
	FieldTransactionTime,
	FieldCardNumber,
	FieldQuantity,
	FieldAmount,
	FieldPrice,
	FieldFuelType,
	FieldGasStation,
	FieldGasStationAddress,
	FieldVehiclePlate,
	FieldExternalRef,
}

// IsCanonicalField reports whether name is a canonical field.
func IsCanonicalField(name string) bool {
	for _, f := range CanonicalFields {
		if f == name {
			return true
		}
	}
	return false
}

// RawRecord is one external row keyed by the provider's own field names.
type RawRecord struct {
	Line   int            `json:"line"`
	Fields map[string]any `json:"fields"`
}

// CanonicalTransaction is the normalized, deduplicated fuel-purchase record.
type CanonicalTransaction struct {
	ID              int64            `json:"id"`
	ProviderID      int64            `json:"provider_id"`
	TemplateID      int64            `json:"template_id"`
	TransactionDate time.Time        `json:"transaction_date"`
	CardNumber      string           `json:"card_number"`
	CardID          int64            `json:"card_id"`
	Quantity        *decimal.Decimal `json:"quantity,omitempty"`
	Amount          decimal.Decimal  `json:"amount"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	FuelType        string           `json:"fuel_type,omitempty"`
	GasStationName  string           `json:"-"`
	GasStationAddr  string           `json:"-"`
	GasStationID    *int64           `json:"gas_station_id,omitempty"`
	VehiclePlate    string           `json:"-"`
	VehicleID       *int64           `json:"vehicle_id,omitempty"`
	ExternalRef     string           `json:"external_ref,omitempty"`
	UploadEventID   string           `json:"upload_event_id,omitempty"`
}

// TransactionKey is the uniqueness invariant of a stored transaction.
type TransactionKey struct {
	CardNumber      string
	TransactionDate time.Time
	Amount          decimal.Decimal
	ProviderID      int64
}

// Key returns the dedup key of the transaction.
func (t *CanonicalTransaction) Key() TransactionKey {
	return TransactionKey{
		CardNumber:      t.CardNumber,
		TransactionDate: t.TransactionDate,
		Amount:          t.Amount,
		ProviderID:      t.ProviderID,
	}
}

// FetchQuery bounds a FetchTransactions call.
type FetchQuery struct {
	DateFrom   time.Time
	DateTo     time.Time
	CardNumber string // optional filter
	SourcePath string // optional file override for manual uploads
}

// ConnectionResult is the outcome of a TestConnection call.
type ConnectionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// FieldDescriptor describes one field a provider exposes for mapping.
type FieldDescriptor struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}
