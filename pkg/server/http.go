// pkg/server/http.go
package server

import (
	"cmp"
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/imReese/onetierdb/pkg/area"
	"github.com/imReese/onetierdb/pkg/rangeset"
	"github.com/imReese/onetierdb/pkg/scanner"
	"github.com/imReese/onetierdb/pkg/storage"
)

type (
	Rows   = scanner.Rows[int64, string, float64]
	Filter = storage.RowFilter[int64, string, float64]
)

// Store 服务端使用的存储操作, 由 storage.DB[int64, string, string, float64] 实现
type Store interface {
	UpsertRows(ctx context.Context, rows Rows, schema map[string]string) error
	Query(ctx context.Context, fields []string, ranges *rangeset.RangeSet[int64], filter Filter) (Rows, error)
	Delete(ctx context.Context, a area.AreaSet[int64, string]) error
	Flush(ctx context.Context) error
	Schema() map[string]string
	Stats() storage.Stats
	Healthy() error
}

type HTTPServer struct {
	store  Store
	logger *zap.Logger
	router *chi.Mux
}

func NewHTTPServer(store Store, registry *prometheus.Registry, logger *zap.Logger) *HTTPServer {
	s := &HTTPServer{
		store:  store,
		logger: logger,
		router: chi.NewRouter(),
	}
	s.router.Use(middleware.RequestID, middleware.Recoverer, s.accessLog)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	s.router.Get("/healthz", s.health)
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Get("/schema", s.schema)
		r.Post("/rows", s.upsertRows)
		r.Get("/rows", s.queryRows)
		r.Delete("/rows", s.deleteRows)
		r.Post("/flush", s.flush)
	})
	return s
}

func (s *HTTPServer) Handler() http.Handler { return s.router }

func (s *HTTPServer) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type rowJSON struct {
	Key    int64              `json:"key"`
	Fields map[string]float64 `json:"fields"`
}

type upsertRequest struct {
	Schema map[string]string `json:"schema"`
	Rows   []rowJSON         `json:"rows"`
}

func (s *HTTPServer) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Healthy(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *HTTPServer) schema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Schema())
}

func (s *HTTPServer) upsertRows(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	slices.SortFunc(req.Rows, func(a, b rowJSON) int { return cmp.Compare(a.Key, b.Key) })
	rows := make([]scanner.Row[int64, string, float64], 0, len(req.Rows))
	for _, rj := range req.Rows {
		row := scanner.Row[int64, string, float64]{Key: rj.Key}
		for f, v := range rj.Fields {
			row.Fields = append(row.Fields, scanner.Entry[string, float64]{Key: f, Value: v})
		}
		slices.SortFunc(row.Fields, func(a, b scanner.Entry[string, float64]) int { return strings.Compare(a.Key, b.Key) })
		rows = append(rows, row)
	}
	if err := s.store.UpsertRows(r.Context(), scanner.FromRows(rows), req.Schema); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) queryRows(w http.ResponseWriter, r *http.Request) {
	fields, ranges, err := parseSelection(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.store.Query(r.Context(), fields, ranges, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	got, err := scanner.CollectRows(rows)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]rowJSON, 0, len(got))
	for _, row := range got {
		rj := rowJSON{Key: row.Key, Fields: make(map[string]float64, len(row.Fields))}
		for _, e := range row.Fields {
			rj.Fields[e.Key] = e.Value
		}
		out = append(out, rj)
	}
	writeJSON(w, http.StatusOK, out)
}

// deleteRows 只给fields时删除整列, 只给区间时删除整行, 两者都给时删除区段
func (s *HTTPServer) deleteRows(w http.ResponseWriter, r *http.Request) {
	fields, ranges, err := parseSelection(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var a area.AreaSet[int64, string]
	switch {
	case fields != nil && ranges != nil:
		a = area.Segment(ranges, fields...)
	case fields != nil:
		a = area.Columns[int64](fields...)
	case ranges != nil:
		a = area.New[int64, string]()
		a.Keys = ranges
	default:
		http.Error(w, "fields or key range required", http.StatusBadRequest)
		return
	}
	if err := s.store.Delete(r.Context(), a); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) flush(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Flush(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseSelection 读取 fields=a,b&from=1&to=9, 区间为闭区间, 缺省端点表示无界
func parseSelection(r *http.Request) ([]string, *rangeset.RangeSet[int64], error) {
	q := r.URL.Query()
	var fields []string
	if v := q.Get("fields"); v != "" {
		fields = strings.Split(v, ",")
	}
	from, hasFrom, err := parseKey(q.Get("from"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid from")
	}
	to, hasTo, err := parseKey(q.Get("to"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid to")
	}
	var rng rangeset.Range[int64]
	switch {
	case hasFrom && hasTo:
		if from > to {
			return nil, nil, errors.Newf("from %d is after to %d", from, to)
		}
		rng = rangeset.Closed(from, to)
	case hasFrom:
		rng = rangeset.AtLeast(from)
	case hasTo:
		rng = rangeset.AtMost(to)
	default:
		return fields, nil, nil
	}
	return fields, rangeset.Of(rng), nil
}

func parseKey(v string) (int64, bool, error) {
	if v == "" {
		return 0, false, nil
	}
	k, err := strconv.ParseInt(v, 10, 64)
	return k, err == nil, err
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrSchemaIntegrity):
		code = http.StatusBadRequest
	case errors.Is(err, storage.ErrClosed), errors.Is(err, storage.ErrFailed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrInterrupted):
		code = http.StatusRequestTimeout
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
