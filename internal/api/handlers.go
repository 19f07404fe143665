package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fuelwise/fuel-ingest/internal/cache"
	"github.com/fuelwise/fuel-ingest/internal/ingest"
	"github.com/fuelwise/fuel-ingest/internal/model"
	"github.com/fuelwise/fuel-ingest/internal/store"
)

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{"status": "ok", "store": "ok"}
	code := http.StatusOK
	if err := s.Store.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["store"] = "unreachable"
		code = http.StatusServiceUnavailable
	}
	if s.Cache != nil {
		body["cache"] = s.Cache.Stats()
	}
	writeJSON(w, code, body)
}

type loadRequest struct {
	DateFrom   string `json:"date_from"`
	DateTo     string `json:"date_to"`
	CardNumber string `json:"card_number"`
}

func (s *server) load(w http.ResponseWriter, r *http.Request) {
	id, ok := templateID(w, r)
	if !ok {
		return
	}

	var (
		body       loadRequest
		sourcePath string
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		path, err := s.receiveUpload(w, r, id)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		defer os.Remove(path) //nolint:errcheck
		sourcePath = path
		body = loadRequest{
			DateFrom:   r.FormValue("date_from"),
			DateTo:     r.FormValue("date_to"),
			CardNumber: r.FormValue("card_number"),
		}
	default:
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}
	}

	req := ingest.RunRequest{
		TemplateID: id,
		Source:     model.SourceManual,
		CardNumber: strings.TrimSpace(body.CardNumber),
		SourcePath: sourcePath,
	}
	var err error
	if req.DateFrom, req.DateTo, err = ingest.ParseWindow(body.DateFrom, body.DateTo, s.Runner.Location()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev, err := s.Runner.Run(r.Context(), req)
	switch {
	case ingest.IsLockConflict(err):
		writeError(w, http.StatusConflict, ingest.Describe(err))
	case ev == nil && errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "template not found")
	case ev == nil:
		zap.L().Error("manual load failed", zap.String("component", "api"), zap.Int64("template_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load could not be started")
	default:
		if err != nil {
			zap.L().Error("manual load not fully recorded", zap.String("component", "api"), zap.Error(err))
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

// receiveUpload stores the multipart "file" part for a file template and
// returns its path. The original extension is kept for format detection.
func (s *server) receiveUpload(w http.ResponseWriter, r *http.Request, id int64) (string, error) {
	tpl, err := s.Store.GetTemplate(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", eris.New("template not found")
		}
		return "", eris.New("template could not be loaded")
	}
	if tpl.ConnectionType != model.ConnectionFile {
		return "", eris.Errorf("uploads are only accepted for %s templates", model.ConnectionFile)
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		return "", eris.New("invalid multipart upload")
	}
	part, header, err := r.FormFile("file")
	if err != nil {
		return "", eris.New("multipart field \"file\" is required")
	}
	defer part.Close() //nolint:errcheck

	dir := s.UploadDir
	if dir == "" {
		dir = os.TempDir()
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	out, err := os.CreateTemp(dir, fmt.Sprintf("upload-%d-*%s", id, ext))
	if err != nil {
		return "", eris.New("upload could not be stored")
	}
	if _, err := io.Copy(out, part); err != nil {
		out.Close()           //nolint:errcheck
		os.Remove(out.Name()) //nolint:errcheck
		return "", eris.New("upload could not be stored")
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name()) //nolint:errcheck
		return "", eris.New("upload could not be stored")
	}
	return out.Name(), nil
}

func (s *server) testConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := templateID(w, r)
	if !ok {
		return
	}
	res, err := s.Runner.TestConnection(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) fields(w http.ResponseWriter, r *http.Request) {
	id, ok := templateID(w, r)
	if !ok {
		return
	}
	fields, err := s.Runner.Fields(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fields": fields})
}

func (s *server) uploads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter model.UploadFilter
	if v := q.Get("template_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "template_id must be a positive integer")
			return
		}
		filter.TemplateID = id
	}
	if v := q.Get("status"); v != "" {
		switch st := model.UploadStatus(v); st {
		case model.StatusSuccess, model.StatusPartial, model.StatusFailed:
			filter.Status = st
		default:
			writeError(w, http.StatusBadRequest, "status must be success, partial or failed")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	events, err := s.Store.ListUploadEvents(r.Context(), filter)
	if err != nil {
		zap.L().Error("list upload events failed", zap.String("component", "api"), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "upload events could not be listed")
		return
	}
	if events == nil {
		events = []model.UploadEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploads": events})
}

func (s *server) breakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.Breakers.Snapshot()})
}

func (s *server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.Breakers.Reset(name) {
		writeError(w, http.StatusNotFound, "unknown breaker")
		return
	}
	zap.L().Info("circuit breaker reset", zap.String("component", "api"), zap.String("breaker", name))
	writeJSON(w, http.StatusOK, s.Breakers.Get(name).Snapshot())
}

func (s *server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	if s.Cache == nil {
		writeJSON(w, http.StatusOK, cache.Stats{Backend: "none"})
		return
	}
	writeJSON(w, http.StatusOK, s.Cache.Stats())
}

func (s *server) invalidateCache(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	if ns != cache.NamespaceFields && ns != cache.NamespaceHealth {
		writeError(w, http.StatusBadRequest, "unknown cache namespace")
		return
	}
	if s.Cache == nil {
		writeJSON(w, http.StatusOK, map[string]any{"namespace": ns, "deleted": 0})
		return
	}
	n, err := s.Cache.InvalidateNamespace(r.Context(), ns)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "cache backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespace": ns, "deleted": n})
}

func templateID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "template id must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "template not found")
		return
	}
	writeError(w, http.StatusBadGateway, ingest.Describe(err))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
