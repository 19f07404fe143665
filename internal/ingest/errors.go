package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fuelwise/fuel-ingest/internal/adapter"
	"github.com/fuelwise/fuel-ingest/internal/coerce"
	"github.com/fuelwise/fuel-ingest/internal/credential"
	"github.com/fuelwise/fuel-ingest/internal/resilience"
	"github.com/fuelwise/fuel-ingest/internal/store"
)

// LockConflictError reports a trigger for a template that is already
// running. The trigger is skipped, not queued.
type LockConflictError struct {
	TemplateID int64
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("template %d: ingestion already in progress", e.TemplateID)
}

// IsLockConflict reports whether err is a *LockConflictError.
func IsLockConflict(err error) bool {
	var lc *LockConflictError
	return errors.As(err, &lc)
}

// Describe renders err as the operator-facing message stored on an upload
// event. It never includes stack traces or secrets.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var (
		lockErr  *LockConflictError
		credErr  *credential.CredentialDecryptionError
		connErr  *adapter.ConnectionError
		validErr *adapter.ValidationError
		recErr   *coerce.RecordCoercionError
	)
	switch {
	case errors.As(err, &lockErr):
		return lockErr.Error()
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "provider temporarily unavailable (circuit open)"
	case errors.As(err, &credErr):
		if credErr.Field == "" {
			return "connection settings could not be decrypted"
		}
		return fmt.Sprintf("connection setting %q could not be decrypted", credErr.Field)
	case errors.As(err, &validErr):
		return "template misconfigured: " + validErr.Error()
	case errors.As(err, &recErr):
		return recErr.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out waiting for provider"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, store.ErrNotFound):
		return "template not found"
	case errors.As(err, &connErr):
		return firstLine(connErr.Error())
	default:
		return "ingestion failed: " + firstLine(err.Error())
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
