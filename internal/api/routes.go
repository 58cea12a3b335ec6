// Package api provides HTTP handlers for the cellucid server.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atlasmap-sc/cellucid/internal/datalayer"
	"github.com/atlasmap-sc/cellucid/internal/destore"
	"github.com/atlasmap-sc/cellucid/internal/metrics"
	"github.com/atlasmap-sc/cellucid/internal/model"
	"github.com/atlasmap-sc/cellucid/internal/pages"
	"github.com/atlasmap-sc/cellucid/internal/service"
)

const maxBodyBytes = 8 << 20

// RouterConfig contains router configuration.
type RouterConfig struct {
	Services    *Services
	CORSOrigins []string
	JobManager  *JobManager
	Metrics     *metrics.Metrics
	Log         zerolog.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()
	s := cfg.Services

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(accessLog(cfg.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/info", infoHandler(s))

		r.Get("/variables/{type}", variablesHandler(s))
		r.Get("/variables/{type}/{key}", variableInfoHandler(s))

		r.Route("/pages", func(r chi.Router) {
			r.Get("/", pagesListHandler(s))
			r.Post("/", pageCreateHandler(s))
			r.Get("/{id}", pageGetHandler(s))
			r.Put("/{id}", pagePutHandler(s))
			r.Delete("/{id}", pageDeleteHandler(s))
			r.Get("/{id}/cells", pageCellsHandler(s))
		})

		r.Post("/data", dataHandler(s))
		r.Post("/data/batch", batchHandler(s))
		r.Post("/prefetch", prefetchHandler(s))
		r.Post("/stats", statsHandler(s))
		r.Post("/category-counts", categoryCountsHandler(s))

		r.Post("/bulk/genes", bulkHandler(s, true))
		r.Post("/bulk/obs", bulkHandler(s, false))
		r.Post("/analysis", analysisHandler(s))
		r.Post("/analysis/comprehensive", comprehensiveHandler(s))

		r.Post("/de", deHandler(s))
		r.Route("/de/jobs", func(r chi.Router) {
			r.Get("/", deJobListHandler(cfg.JobManager))
			r.Post("/", deJobSubmitHandler(s, cfg.JobManager))
			r.Get("/{job_id}", deJobStatusHandler(cfg.JobManager))
			r.Get("/{job_id}/result", deJobResultHandler(cfg.JobManager))
			r.Delete("/{job_id}", deJobCancelHandler(cfg.JobManager))
		})

		r.Get("/cache", cacheStatsHandler(s))
		r.Delete("/cache", cacheClearHandler(s, false))
		r.Delete("/cache/all", cacheClearHandler(s, true))
		r.Post("/cache/cleanup", cacheCleanupHandler(s))
		r.Post("/cache/invalidate", cacheInvalidateHandler(s))

		r.Get("/memory", memoryHandler(s))
		r.Post("/memory/pressure", memoryPressureHandler(s))
		r.Get("/notifications", notificationsHandler(s))
	})

	return r
}

// accessLog logs one line per request.
func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps data layer errors to HTTP status codes.
func statusFor(err error) int {
	switch datalayer.KindOf(err) {
	case datalayer.KindInvalidInput:
		return http.StatusBadRequest
	case datalayer.KindUnknownVariable:
		return http.StatusNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func variableType(w http.ResponseWriter, r *http.Request) (model.VariableType, bool) {
	t := model.VariableType(chi.URLParam(r, "type"))
	if !t.Valid() {
		writeError(w, http.StatusBadRequest, "unknown variable type: "+string(t))
		return "", false
	}
	return t, true
}

func infoHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Info())
	}
}

func variablesHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := variableType(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"type":      t,
			"variables": s.Data.AvailableVariables(t),
		})
	}
}

func variableInfoHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := variableType(w, r)
		if !ok {
			return
		}
		key := chi.URLParam(r, "key")
		info, ok := s.Data.VariableInfo(t, key)
		if !ok {
			writeError(w, http.StatusNotFound, "variable not found: "+key)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// Pages

func pagesListHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"pages": s.Pages.HighlightPages()})
	}
}

func pageCreateHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p pages.Page
		if !decodeBody(w, r, &p) {
			return
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if _, err := s.Pages.Get(p.ID); err == nil {
			writeError(w, http.StatusConflict, "page already exists: "+p.ID)
			return
		}
		if err := s.Pages.Put(p); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}

func pageGetHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.Pages.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// pagePutHandler replaces a page. Cached results of the page are dropped by
// the data layer on its next read because the page version changes.
func pagePutHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p pages.Page
		if !decodeBody(w, r, &p) {
			return
		}
		p.ID = chi.URLParam(r, "id")
		if err := s.Pages.Put(p); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func pageDeleteHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Pages.Delete(id); err != nil {
			if errors.Is(err, pages.ErrNotFound) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		removed := s.Data.InvalidatePages([]string{id})
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id, "cache_entries_removed": removed})
	}
}

func pageCellsHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := s.Pages.Get(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		cells := s.Data.CellIndicesForPage(id)
		writeJSON(w, http.StatusOK, map[string]any{"page_id": id, "cell_count": len(cells), "cell_indices": cells})
	}
}

// Data

type dataResponse struct {
	Data  []model.PageData `json:"data"`
	Error string           `json:"error,omitempty"`
}

func dataHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req datalayer.Request
		if !decodeBody(w, r, &req) {
			return
		}
		data, err := s.Data.GetDataForPages(r.Context(), req)
		if err != nil {
			writeJSON(w, statusFor(err), dataResponse{Data: []model.PageData{}, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, dataResponse{Data: data})
	}
}

type batchItem struct {
	Request datalayer.Request `json:"request"`
	Data    []model.PageData  `json:"data"`
	Error   string            `json:"error,omitempty"`
}

func batchHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Requests []datalayer.Request `json:"requests"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		results := s.Data.BatchFetch(r.Context(), body.Requests)
		out := make([]batchItem, len(results))
		for i, res := range results {
			data := res.Data
			if data == nil {
				data = []model.PageData{}
			}
			out[i] = batchItem{Request: res.Request, Data: data, Error: errString(res.Err)}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": out})
	}
}

func prefetchHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req datalayer.Request
		if !decodeBody(w, r, &req) {
			return
		}
		queued := s.Data.Prefetch(req)
		writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
	}
}

func statsHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req datalayer.Request
		if !decodeBody(w, r, &req) {
			return
		}
		stats, err := s.Data.AggregatedStats(r.Context(), req.Type, req.Variable, req.PageIDs)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"variable": req.Variable, "pages": stats})
	}
}

func categoryCountsHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variable  string   `json:"variable"`
			PageIDs   []string `json:"page_ids"`
			Normalize bool     `json:"normalize"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		counts, err := s.Data.CategoryCountsByPage(r.Context(), req.Variable, req.PageIDs, req.Normalize)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"variable": req.Variable, "pages": counts})
	}
}

func bulkHandler(s *Services, genes bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req datalayer.BulkRequest
		if !decodeBody(w, r, &req) {
			return
		}
		var (
			res datalayer.BulkResult
			err error
		)
		if genes {
			res, err = s.Data.FetchBulkGeneExpression(r.Context(), req)
		} else {
			res, err = s.Data.FetchBulkObsFields(r.Context(), req)
		}
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func analysisHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req datalayer.AnalysisRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := s.Data.FetchAnalysisData(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func comprehensiveHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req datalayer.AnalysisRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := s.Data.FetchComprehensiveAnalysisData(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// Differential expression

// deHandler runs a comparison synchronously. Large comparisons should use
// the job endpoints.
func deHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params destore.JobParams
		if !decodeBody(w, r, &params) {
			return
		}
		params, err := s.DE.Prepare(params)
		if err != nil {
			writeError(w, prepareStatus(err), err.Error())
			return
		}
		results, err := s.Data.ComputeDifferentialExpressionParallel(r.Context(), params.PageA, params.PageB, params.Genes, params.Method, nil)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"params": params, "results": results})
	}
}

func prepareStatus(err error) int {
	if errors.Is(err, service.ErrInvalidJob) {
		return http.StatusBadRequest
	}
	return statusFor(err)
}

func deJobSubmitHandler(s *Services, jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			writeError(w, http.StatusNotImplemented, "job manager not configured")
			return
		}

		var params destore.JobParams
		if !decodeBody(w, r, &params) {
			return
		}
		params, err := s.DE.Prepare(params)
		if err != nil {
			writeError(w, prepareStatus(err), err.Error())
			return
		}

		job, err := jm.Submit(params)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrStopped) {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, "failed to submit job: "+err.Error())
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":  job.ID,
			"status":  job.Status,
			"n_genes": job.NGenes,
		})
	}
}

func deJobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			writeError(w, http.StatusNotImplemented, "job manager not configured")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		jobs, err := jm.List(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	}
}

func lookupJob(w http.ResponseWriter, r *http.Request, jm *JobManager) (*destore.Job, bool) {
	if jm == nil {
		writeError(w, http.StatusNotImplemented, "job manager not configured")
		return nil, false
	}
	job, err := jm.Get(chi.URLParam(r, "job_id"))
	if err != nil {
		if errors.Is(err, destore.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return job, true
}

func deJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := lookupJob(w, r, jm)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func deJobResultHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := lookupJob(w, r, jm)
		if !ok {
			return
		}
		if job.Status != destore.JobStatusCompleted {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":  "job not completed",
				"status": job.Status,
			})
			return
		}

		q := r.URL.Query()
		offset, _ := strconv.Atoi(q.Get("offset"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		if offset < 0 {
			offset = 0
		}
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		orderBy := strings.TrimSpace(q.Get("order_by"))

		results, total, err := jm.Store().QueryResults(job.ID, orderBy, offset, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to query results: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":  job.ID,
			"params":  job.Params,
			"total":   total,
			"offset":  offset,
			"limit":   limit,
			"results": results,
		})
	}
}

// deJobCancelHandler cancels a queued or running job, or deletes a finished
// one.
func deJobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := lookupJob(w, r, jm)
		if !ok {
			return
		}
		if job.Status.Terminal() {
			if err := jm.Delete(job.ID); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "deleted": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "cancelled": jm.Cancel(job.ID)})
	}
}

// Cache and memory

func cacheStatsHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Data.CacheStats())
	}
}

func cacheClearHandler(s *Services, all bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if all {
			s.Data.ClearAllCaches()
		} else {
			s.Data.ClearCache()
		}
		writeJSON(w, http.StatusOK, s.Data.CacheStats())
	}
}

func cacheCleanupHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Data.PerformCacheCleanup())
	}
}

func cacheInvalidateHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PageIDs []string `json:"page_ids"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.PageIDs) == 0 {
			writeError(w, http.StatusBadRequest, "page_ids is required")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": s.Data.InvalidatePages(req.PageIDs)})
	}
}

func memoryHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"estimate": s.Data.EstimateMemoryUsage(),
			"process":  s.Info(),
		})
	}
}

// memoryPressureHandler runs every registered cleanup handler, as the
// monitor does when the heap limit is crossed.
func memoryPressureHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Monitor == nil {
			writeError(w, http.StatusNotImplemented, "memory monitor not configured")
			return
		}
		n := s.Monitor.Trigger()
		writeJSON(w, http.StatusOK, map[string]any{"handlers": n, "cache": s.Data.CacheStats()})
	}
}

func notificationsHandler(s *Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Notifications == nil {
			writeJSON(w, http.StatusOK, map[string]any{"events": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": s.Notifications.Events()})
	}
}
