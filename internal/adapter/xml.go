package adapter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fuelwise/fuel-ingest/internal/fetcher"
	"github.com/fuelwise/fuel-ingest/internal/model"
)

// XMLSettings configures an HTTPS endpoint that returns transactions as XML
// and authenticates the caller by client certificate.
type XMLSettings struct {
	URL string `mapstructure:"url"`

	// PosCode identifies the terminal/point of sale; sent as PosParam.
	PosCode  string `mapstructure:"pos_code"`
	PosParam string `mapstructure:"pos_param"`

	DateFormat    string `mapstructure:"date_format"`
	FromParam     string `mapstructure:"date_from_param"`
	ToParam       string `mapstructure:"date_to_param"`
	RecordElement string `mapstructure:"record_element"`

	// Client certificate as inline PEM or file paths.
	CertPEM  string `mapstructure:"cert_pem"`
	KeyPEM   string `mapstructure:"key_pem"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAPEM    string `mapstructure:"ca_pem"`

	Login    string `mapstructure:"login"`
	Password string `mapstructure:"password"`
}

// XMLAdapter fetches transactions from an XML-over-HTTPS endpoint.
type XMLAdapter struct {
	tpl      *model.ProviderTemplate
	settings XMLSettings
	opts     Options
	http     *fetcher.HTTPFetcher
}

func newXMLAdapter(tpl *model.ProviderTemplate, raw map[string]any, opts Options) (*XMLAdapter, error) {
	var s XMLSettings
	if err := decodeSettings(raw, &s); err != nil {
		return nil, err
	}
	if s.URL == "" {
		return nil, invalid("url", "required")
	}
	if _, err := url.Parse(s.URL); err != nil {
		return nil, invalid("url", "%v", err)
	}
	if s.PosParam == "" {
		s.PosParam = "pos"
	}
	if s.DateFormat == "" {
		s.DateFormat = "2006-01-02"
	}
	if s.FromParam == "" {
		s.FromParam = "date_from"
	}
	if s.ToParam == "" {
		s.ToParam = "date_to"
	}
	if s.RecordElement == "" {
		s.RecordElement = "Transaction"
	}

	tlsCfg, err := s.tlsConfig()
	if err != nil {
		return nil, err
	}

	return &XMLAdapter{
		tpl:      tpl,
		settings: s,
		opts:     opts,
		http: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent: opts.UserAgent,
			Timeout:   opts.RequestTimeout,
			TLSConfig: tlsCfg,
		}),
	}, nil
}

func (s XMLSettings) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case s.CertPEM != "" || s.KeyPEM != "":
		cert, err = tls.X509KeyPair([]byte(s.CertPEM), []byte(s.KeyPEM))
		if err != nil {
			return nil, invalid("cert_pem", "%v", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case s.CertFile != "" || s.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, invalid("cert_file", "%v", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if s.CAPEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(s.CAPEM)) {
			return nil, invalid("ca_pem", "no certificates found")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func (a *XMLAdapter) request(ctx context.Context, from, to time.Time) (*http.Request, error) {
	u, err := url.Parse(a.settings.URL)
	if err != nil {
		return nil, invalid("url", "%v", err)
	}
	params := u.Query()
	if a.settings.PosCode != "" {
		params.Set(a.settings.PosParam, a.settings.PosCode)
	}
	params.Set(a.settings.FromParam, from.In(a.opts.Location).Format(a.settings.DateFormat))
	params.Set(a.settings.ToParam, to.In(a.opts.Location).Format(a.settings.DateFormat))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "xml: build request")
	}
	req.Header.Set("Accept", "application/xml, text/xml")
	if a.settings.Login != "" {
		req.SetBasicAuth(a.settings.Login, a.settings.Password)
	}
	return req, nil
}

func (a *XMLAdapter) get(ctx context.Context, from, to time.Time) (io.ReadCloser, error) {
	req, err := a.request(ctx, from, to)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(ctx, req)
	if err != nil {
		return nil, NewConnectionError("xml: request", err)
	}
	return resp.Body, nil
}

// TestConnection implements Adapter with a request for today's window.
func (a *XMLAdapter) TestConnection(ctx context.Context) model.ConnectionResult {
	return boundedResult(ctx, a.opts.ConnectTimeout, "endpoint answered", func(ctx context.Context) error {
		now := time.Now()
		body, err := a.get(ctx, now, now)
		if err != nil {
			return err
		}
		return body.Close()
	})
}

// ListAvailableFields implements Adapter with the fields of the first record
// of the last seven days. An empty window yields no fields.
func (a *XMLAdapter) ListAvailableFields(ctx context.Context) ([]model.FieldDescriptor, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	now := time.Now()
	body, err := a.get(ctx, now.AddDate(0, 0, -7), now)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	recs, errs := fetcher.StreamXMLRecords(ctx, body, a.settings.RecordElement)
	first, ok := <-recs
	if !ok {
		if err := <-errs; err != nil {
			return nil, NewConnectionError("xml: decode", err)
		}
		return nil, nil
	}

	names := make([]string, 0, len(first))
	for name := range first {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := make([]model.FieldDescriptor, len(names))
	for i, n := range names {
		fields[i] = model.FieldDescriptor{Name: n, Type: "string"}
	}
	return fields, nil
}

// FetchTransactions implements Adapter. The date window is sent to the
// endpoint; the card filter applies client side.
func (a *XMLAdapter) FetchTransactions(ctx context.Context, q model.FetchQuery) (<-chan model.RawRecord, <-chan error) {
	return stream(ctx, func(ctx context.Context, send func(model.RawRecord) bool) error {
		body, err := a.get(ctx, q.DateFrom, q.DateTo)
		if err != nil {
			return err
		}
		defer body.Close() //nolint:errcheck

		filter := newRecordFilter(a.tpl, q, a.opts.Location)
		recs, errs := fetcher.StreamXMLRecords(ctx, body, a.settings.RecordElement)
		line := 0
		for r := range recs {
			line++
			fields := make(map[string]any, len(r))
			for k, v := range r {
				if v != "" {
					fields[k] = v
				} else {
					fields[k] = nil
				}
			}
			rec := model.RawRecord{Line: line, Fields: fields}
			if !filter.keep(rec) {
				continue
			}
			if !send(rec) {
				return nil
			}
		}
		if err := <-errs; err != nil {
			return NewConnectionError("xml: decode", err)
		}
		return nil
	})
}

// Close implements Adapter.
func (a *XMLAdapter) Close() error {
	a.http.Close()
	return nil
}
