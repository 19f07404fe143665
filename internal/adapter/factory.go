package adapter

import (
	"time"

	"github.com/fuelwise/fuel-ingest/internal/fetcher"
	"github.com/fuelwise/fuel-ingest/internal/model"
)

// Options are the process-wide adapter settings.
type Options struct {
	// ConnectTimeout bounds TestConnection. Default: 10s.
	ConnectTimeout time.Duration
	// RequestTimeout bounds a single HTTP request. Default: 60s.
	RequestTimeout time.Duration
	// Location interprets provider timestamps without a zone. Default: UTC.
	Location *time.Location
	// UserAgent is sent on every HTTP request.
	UserAgent string
	// HTTP serves remote file sources. Built from the other options when nil.
	HTTP fetcher.Fetcher
}

// Factory builds the adapter for a template's connection type.
type Factory struct {
	opts Options
}

// NewFactory creates a Factory, filling option defaults.
func NewFactory(opts Options) *Factory {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.HTTP == nil {
		opts.HTTP = fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent: opts.UserAgent,
			Timeout:   opts.RequestTimeout,
		})
	}
	return &Factory{opts: opts}
}

// New returns the adapter for tpl configured with decrypted settings. An
// unknown connection type or malformed settings yield a *ValidationError.
func (f *Factory) New(tpl *model.ProviderTemplate, settings map[string]any) (Adapter, error) {
	switch tpl.ConnectionType {
	case model.ConnectionFile:
		return newFileAdapter(tpl, settings, f.opts)
	case model.ConnectionFirebird:
		return newFirebirdAdapter(tpl, settings, f.opts)
	case model.ConnectionXML:
		return newXMLAdapter(tpl, settings, f.opts)
	case model.ConnectionWeb:
		return newWebAdapter(tpl, settings, f.opts)
	default:
		return nil, invalid("connection_type", "unknown connection type %q", tpl.ConnectionType)
	}
}
