// Package model defines the core types shared by adapters, the writer and the scheduler.
package model

import (
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// ConnectionType selects the protocol adapter used for a template.
type ConnectionType string

const (
	ConnectionFile     ConnectionType = "file"
	ConnectionFirebird ConnectionType = "firebird"
	ConnectionXML      ConnectionType = "xml"
	ConnectionWeb      ConnectionType = "web"
)

// ParseConnectionType validates a connection type tag.
func ParseConnectionType(s string) (ConnectionType, error) {
	switch ConnectionType(s) {
	case ConnectionFile, ConnectionFirebird, ConnectionXML, ConnectionWeb:
		return ConnectionType(s), nil
	default:
		return "", eris.Errorf("unknown connection type: %q (valid: file, firebird, xml, web)", s)
	}
}

// ProviderTemplate is a configured connection + field-mapping profile for one
// provider integration.
type ProviderTemplate struct {
	ID                 int64             `json:"id"`
	ProviderID         int64             `json:"provider_id"`
	Name               string            `json:"name"`
	ConnectionType     ConnectionType    `json:"connection_type"`
	ConnectionSettings []byte            `json:"-"` // encrypted JSON blob
	FieldMapping       map[string]string `json:"field_mapping"`
	AutoLoad           bool              `json:"auto_load"`
	AutoLoadSchedule   string            `json:"auto_load_schedule,omitempty"`
	DateFromOffset     int               `json:"date_from_offset"`
	DateToOffset       int               `json:"date_to_offset"`
	LastAutoLoadDate   *time.Time        `json:"last_auto_load_date,omitempty"`
}

// BreakerName returns the circuit breaker target name for this template.
func (t *ProviderTemplate) BreakerName() string {
	return BreakerNameFor(t.ID)
}

// BreakerNameFor returns the circuit breaker target name for a template id.
func BreakerNameFor(templateID int64) string {
	return "template:" + strconv.FormatInt(templateID, 10)
}

// RawFieldsFor returns the provider field names that map to the canonical
// field, sorted. A raw field already named like the canonical field maps to
// it implicitly.
func (t *ProviderTemplate) RawFieldsFor(canonical string) []string {
	var out []string
	identity := false
	for raw, target := range t.FieldMapping {
		if target == canonical {
			out = append(out, raw)
			identity = identity || raw == canonical
		}
	}
	if !identity {
		if _, remapped := t.FieldMapping[canonical]; !remapped {
			out = append(out, canonical)
		}
	}
	sort.Strings(out)
	return out
}
