// Package store implements the persistence boundary of the ingestion engine:
// provider templates, reference entities, canonical transactions and the
// upload audit log.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fuelwise/fuel-ingest/internal/model"
)

// ErrDuplicate is returned by InsertTransaction when the dedup key
// (card_number, transaction_date, amount, provider_id) already exists.
var ErrDuplicate = eris.New("duplicate transaction")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("not found")

// Store is the persistence boundary consumed by the ingestion engine.
type Store interface {
	// Templates
	CreateTemplate(ctx context.Context, tpl *model.ProviderTemplate) (int64, error)
	GetTemplate(ctx context.Context, id int64) (*model.ProviderTemplate, error)
	ListTemplates(ctx context.Context) ([]model.ProviderTemplate, error)
	ListAutoLoadTemplates(ctx context.Context) ([]model.ProviderTemplate, error)
	UpdateLastAutoLoad(ctx context.Context, id int64, at time.Time) error

	// Reference entities, lookup-or-create by normalized key.
	ResolveCard(ctx context.Context, providerID int64, number string) (int64, error)
	ResolveGasStation(ctx context.Context, key, name, address string) (int64, error)
	ResolveVehicle(ctx context.Context, plate string) (int64, error)

	// Transactions
	TransactionExists(ctx context.Context, key model.TransactionKey) (bool, error)
	InsertTransaction(ctx context.Context, tx *model.CanonicalTransaction) (int64, error)
	CountTransactions(ctx context.Context, providerID int64) (int, error)

	// Upload audit log
	AppendUploadEvent(ctx context.Context, ev *model.UploadEvent) error
	ListUploadEvents(ctx context.Context, filter model.UploadFilter) ([]model.UploadEvent, error)

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func listLimit(f model.UploadFilter) int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

// settingsBlob returns the stored form of a template's connection settings.
// The column is NOT NULL, so a template without settings stores "{}".
func settingsBlob(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}
