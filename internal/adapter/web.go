package adapter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fuelwise/fuel-ingest/internal/fetcher"
	"github.com/fuelwise/fuel-ingest/internal/model"
)

const (
	authBasic = "basic"
	authToken = "token"
)

// maxPages stops runaway pagination against a misbehaving API.
const maxPages = 10000

// WebSettings configures a paginated REST/JSON provider API.
type WebSettings struct {
	BaseURL string `mapstructure:"base_url"`
	// Auth is "basic" or "token". Default: token.
	Auth     string `mapstructure:"auth"`
	Login    string `mapstructure:"login"`
	Password string `mapstructure:"password"`
	APIKey   string `mapstructure:"api_key"`

	PerPage       int     `mapstructure:"per_page"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	DateFormat    string  `mapstructure:"date_format"`
}

// webFields is the record shape the provider API documents.
var webFields = []model.FieldDescriptor{
	{Name: "id", Type: "string", Description: "provider transaction id"},
	{Name: "date", Type: "datetime", Description: "transaction timestamp"},
	{Name: "card_number", Type: "string"},
	{Name: "fuel_type", Type: "string"},
	{Name: "quantity", Type: "decimal", Description: "litres"},
	{Name: "price", Type: "decimal", Description: "price per litre"},
	{Name: "amount", Type: "decimal", Description: "total charged"},
	{Name: "station", Type: "string"},
	{Name: "station_address", Type: "string"},
	{Name: "vehicle_plate", Type: "string"},
}

// webPage is one page of the transactions endpoint.
type webPage struct {
	Items []map[string]any `json:"items"`
	Page  int              `json:"page"`
	Pages int              `json:"pages"`
}

// WebAdapter fetches transactions from a paginated REST API.
type WebAdapter struct {
	tpl      *model.ProviderTemplate
	settings WebSettings
	opts     Options
	http     *fetcher.HTTPFetcher
	base     *url.URL
}

func newWebAdapter(tpl *model.ProviderTemplate, raw map[string]any, opts Options) (*WebAdapter, error) {
	var s WebSettings
	if err := decodeSettings(raw, &s); err != nil {
		return nil, err
	}
	if s.BaseURL == "" {
		return nil, invalid("base_url", "required")
	}
	base, err := url.Parse(strings.TrimRight(s.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, invalid("base_url", "not an absolute URL: %q", s.BaseURL)
	}
	s.Auth = strings.ToLower(s.Auth)
	if s.Auth == "" {
		s.Auth = authToken
	}
	if s.Auth != authBasic && s.Auth != authToken {
		return nil, invalid("auth", "must be basic or token, got %q", s.Auth)
	}
	if s.PerPage <= 0 {
		s.PerPage = 100
	}
	if s.RatePerSecond <= 0 {
		s.RatePerSecond = 5
	}
	if s.DateFormat == "" {
		s.DateFormat = "2006-01-02"
	}

	return &WebAdapter{
		tpl:      tpl,
		settings: s,
		opts:     opts,
		base:     base,
		http: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:     opts.UserAgent,
			Timeout:       opts.RequestTimeout,
			RatePerSecond: s.RatePerSecond,
		}),
	}, nil
}

// AuthToken derives the bearer token from a login and password:
// hex(sha256(login + ":" + hex(sha256(password)))).
func AuthToken(login, password string) string {
	inner := sha256.Sum256([]byte(password))
	outer := sha256.Sum256([]byte(login + ":" + hex.EncodeToString(inner[:])))
	return hex.EncodeToString(outer[:])
}

func (a *WebAdapter) pageRequest(ctx context.Context, q model.FetchQuery, page, perPage int) (*http.Request, error) {
	u := *a.base
	u.Path = strings.TrimRight(u.Path, "/") + "/transactions"
	params := url.Values{}
	params.Set("date_from", q.DateFrom.In(a.opts.Location).Format(a.settings.DateFormat))
	params.Set("date_to", q.DateTo.In(a.opts.Location).Format(a.settings.DateFormat))
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))
	if q.CardNumber != "" {
		params.Set("card_number", q.CardNumber)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "web: build request")
	}
	req.Header.Set("Accept", "application/json")
	switch a.settings.Auth {
	case authBasic:
		req.SetBasicAuth(a.settings.Login, a.settings.Password)
	default:
		req.Header.Set("Authorization", "Bearer "+AuthToken(a.settings.Login, a.settings.Password))
	}
	if a.settings.APIKey != "" {
		req.Header.Set("X-API-Key", a.settings.APIKey)
	}
	return req, nil
}

// fetchPage returns the items of one page and the total page count, or 0
// when the API does not report it.
func (a *WebAdapter) fetchPage(ctx context.Context, q model.FetchQuery, page, perPage int) ([]map[string]any, int, error) {
	req, err := a.pageRequest(ctx, q, page, perPage)
	if err != nil {
		return nil, 0, err
	}
	resp, err := a.http.Do(ctx, req)
	if err != nil {
		return nil, 0, NewConnectionError("web: request", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, NewConnectionError("web: read page", err)
	}

	if fetcher.IsJSONArray(data) {
		var items []map[string]any
		itemCh, errCh := fetcher.DecodeJSONArray[map[string]any](ctx, bytes.NewReader(data))
		for item := range itemCh {
			items = append(items, item)
		}
		if err := <-errCh; err != nil {
			return nil, 0, NewConnectionError("web: decode page", err)
		}
		return items, 0, nil
	}

	p, err := fetcher.DecodeJSONObject[webPage](bytes.NewReader(data))
	if err != nil {
		return nil, 0, NewConnectionError("web: decode page", err)
	}
	return p.Items, p.Pages, nil
}

// TestConnection implements Adapter with a one-item request for today.
func (a *WebAdapter) TestConnection(ctx context.Context) model.ConnectionResult {
	return boundedResult(ctx, a.opts.ConnectTimeout, "API answered", func(ctx context.Context) error {
		now := time.Now()
		_, _, err := a.fetchPage(ctx, model.FetchQuery{DateFrom: now, DateTo: now}, 1, 1)
		return err
	})
}

// ListAvailableFields implements Adapter with the documented record shape.
func (a *WebAdapter) ListAvailableFields(_ context.Context) ([]model.FieldDescriptor, error) {
	out := make([]model.FieldDescriptor, len(webFields))
	copy(out, webFields)
	return out, nil
}

// FetchTransactions implements Adapter. Pages are requested until one comes
// back short or the reported page count is reached. The card filter is
// applied by the API.
func (a *WebAdapter) FetchTransactions(ctx context.Context, q model.FetchQuery) (<-chan model.RawRecord, <-chan error) {
	return stream(ctx, func(ctx context.Context, send func(model.RawRecord) bool) error {
		filter := newRecordFilter(a.tpl, q, a.opts.Location)
		filter.card = ""
		line := 0
		for page := 1; page <= maxPages; page++ {
			items, pages, err := a.fetchPage(ctx, q, page, a.settings.PerPage)
			if err != nil {
				return err
			}
			for _, item := range items {
				line++
				rec := model.RawRecord{Line: line, Fields: flatten(item)}
				if !filter.keep(rec) {
					continue
				}
				if !send(rec) {
					return nil
				}
			}
			if len(items) < a.settings.PerPage || (pages > 0 && page >= pages) {
				return nil
			}
		}
		return eris.Errorf("web: more than %d pages", maxPages)
	})
}

// flatten lifts one level of nested objects into dotted keys, so
// {"station":{"name":"A"}} becomes station.name.
func flatten(item map[string]any) map[string]any {
	out := make(map[string]any, len(item))
	for k, v := range item {
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range nested {
				out[k+"."+nk] = nv
			}
			continue
		}
		out[k] = v
	}
	return out
}

// Close implements Adapter.
func (a *WebAdapter) Close() error {
	a.http.Close()
	return nil
}
