// Package datalayer resolves (variable, pages) requests into per-page value
// arrays. Results are cached under keys that carry a digest of each page's
// membership, concurrent identical requests share one fetch, and cache state
// is shed when the memory monitor reports pressure.
package datalayer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atlasmap-sc/cellucid/internal/bulk"
	"github.com/atlasmap-sc/cellucid/internal/cache"
	"github.com/atlasmap-sc/cellucid/internal/compute"
	"github.com/atlasmap-sc/cellucid/internal/dataset"
	"github.com/atlasmap-sc/cellucid/internal/inflight"
	"github.com/atlasmap-sc/cellucid/internal/metrics"
	"github.com/atlasmap-sc/cellucid/internal/model"
	"github.com/atlasmap-sc/cellucid/internal/notify"
	"github.com/atlasmap-sc/cellucid/internal/pages"
	"github.com/atlasmap-sc/cellucid/internal/pageversion"
	"github.com/atlasmap-sc/cellucid/internal/prefetch"
)

// MemoryMonitor is the process-wide registry of cleanup handlers.
type MemoryMonitor interface {
	RegisterCleanupHandler(id string, fn func())
	UnregisterCleanupHandler(id string)
}

// Resetter is a cache owned elsewhere that ClearAllCaches also resets.
type Resetter interface {
	Reset()
}

// Config contains data layer tuning.
type Config struct {
	ResultCacheSize   int
	ResultMaxAge      time.Duration
	BulkCacheSize     int
	BulkMaxAge        time.Duration
	BulkBatchSize     int
	MinLoadingVisible time.Duration
	Prefetch          prefetch.Config
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		ResultCacheSize:   100,
		BulkCacheSize:     5,
		BulkMaxAge:        5 * time.Minute,
		BulkBatchSize:     bulk.DefaultBatchSize,
		MinLoadingVisible: 400 * time.Millisecond,
		Prefetch:          prefetch.DefaultConfig(),
	}
}

// Options wires the collaborators of a DataLayer. Catalog, Loader and Pages
// are required; the rest may be left nil.
type Options struct {
	Config  Config
	Catalog *dataset.Catalog
	Loader  dataset.Loader
	Pages   pages.Registry
	// Backend creates the compute backend on first use. When nil, or when it
	// fails, statistics are computed locally.
	Backend func() (compute.Backend, error)
	Sink    notify.Sink
	Monitor MemoryMonitor
	Metrics *metrics.Metrics
	Log     zerolog.Logger
	// Resetters are reset by ClearAllCaches.
	Resetters []Resetter
}

// DataLayer is the data access and caching layer of one dataset.
type DataLayer struct {
	id  string
	cfg Config
	log zerolog.Logger

	catalog *dataset.Catalog
	loader  dataset.Loader
	pages   pages.Registry
	sink    *notify.Safe
	monitor MemoryMonitor
	metrics *metrics.Metrics
	extra   []Resetter

	versions *pageversion.Versioner
	results  *cache.ResultCache[[]model.PageData]
	inflight *inflight.Registry[[]model.PageData]
	bulk     *bulk.Loader
	prefetch *prefetch.Scheduler[Request]

	backendMu      sync.Mutex
	backendFactory func() (compute.Backend, error)
	backend        compute.Backend
	backendTried   bool
	local          compute.Local

	registered atomic.Bool
	destroyed  atomic.Bool
	sweeps     atomic.Int64
}

// New creates a data layer. Call Init to register with the memory monitor.
func New(opts Options) (*DataLayer, error) {
	if opts.Catalog == nil || opts.Loader == nil || opts.Pages == nil {
		return nil, errors.New("datalayer: catalog, loader and pages are required")
	}
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.ResultCacheSize <= 0 {
		cfg.ResultCacheSize = def.ResultCacheSize
	}
	if cfg.BulkCacheSize <= 0 {
		cfg.BulkCacheSize = def.BulkCacheSize
	}
	if cfg.BulkMaxAge <= 0 {
		cfg.BulkMaxAge = def.BulkMaxAge
	}
	if cfg.BulkBatchSize <= 0 {
		cfg.BulkBatchSize = def.BulkBatchSize
	}
	if cfg.MinLoadingVisible < 0 {
		cfg.MinLoadingVisible = 0
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	results, err := cache.NewResultCache[[]model.PageData](cache.ResultConfig{
		Size:   cfg.ResultCacheSize,
		MaxAge: cfg.ResultMaxAge,
	})
	if err != nil {
		return nil, err
	}
	bulkCache, err := bulk.NewCache(cfg.BulkCacheSize, cfg.BulkMaxAge)
	if err != nil {
		return nil, err
	}

	id := "datalayer-" + uuid.NewString()
	log := opts.Log.With().Str("component", "datalayer").Str("instance", id).Logger()

	d := &DataLayer{
		id:             id,
		cfg:            cfg,
		log:            log,
		catalog:        opts.Catalog,
		loader:         opts.Loader,
		pages:          opts.Pages,
		sink:           notify.NewSafe(opts.Sink, log),
		monitor:        opts.Monitor,
		metrics:        m,
		extra:          opts.Resetters,
		results:        results,
		inflight:       inflight.New[[]model.PageData](),
		bulk:           bulk.NewLoader(bulkCache, log),
		backendFactory: opts.Backend,
	}
	d.versions = pageversion.New(opts.Pages, d.onPageChanged)
	d.prefetch = prefetch.New(cfg.Prefetch, d.runPrefetch, log)
	return d, nil
}

// ID returns the instance id used to register with the memory monitor.
func (d *DataLayer) ID() string {
	return d.id
}

// Catalog returns the variable catalog.
func (d *DataLayer) Catalog() *dataset.Catalog {
	return d.catalog
}

// Init registers the memory pressure handler. It is safe to call more than
// once.
func (d *DataLayer) Init() {
	if d.monitor == nil || d.destroyed.Load() {
		return
	}
	if d.registered.CompareAndSwap(false, true) {
		d.monitor.RegisterCleanupHandler(d.id, d.handleMemoryPressure)
		d.log.Debug().Msg("registered memory pressure handler")
	}
}

// Destroy unregisters from the memory monitor, stops prefetching and drops
// all cached state.
func (d *DataLayer) Destroy() {
	if !d.destroyed.CompareAndSwap(false, true) {
		return
	}
	if d.monitor != nil && d.registered.CompareAndSwap(true, false) {
		d.monitor.UnregisterCleanupHandler(d.id)
	}
	d.prefetch.Close()
	d.results.Clear()
	d.bulk.Cache().Clear()
	d.inflight.Clear()
	d.versions.Reset()
	d.log.Debug().Msg("destroyed")
}

func (d *DataLayer) onPageChanged(pageID string) {
	r := d.results.InvalidatePage(pageID)
	b := d.bulk.Cache().InvalidatePage(pageID)
	d.metrics.Evictions.WithLabelValues("invalidate").Add(float64(r + b))
	d.log.Debug().Str("page", pageID).Int("results", r).Int("bulk", b).Msg("page membership changed")
}

// handleMemoryPressure sheds cache state, largest and least reusable first.
func (d *DataLayer) handleMemoryPressure() {
	bulkN := d.bulk.Cache().Clear()
	shrunk := d.results.ShrinkTo(0.5)
	pending := d.inflight.Clear()
	queued := d.prefetch.Clear()

	d.sweeps.Add(1)
	d.metrics.PressureSweeps.Inc()
	d.metrics.Evictions.WithLabelValues("pressure").Add(float64(bulkN + shrunk))
	d.log.Warn().
		Int("bulk_cleared", bulkN).
		Int("results_evicted", shrunk).
		Int("inflight_cleared", pending).
		Int("prefetch_dropped", queued).
		Msg("memory pressure cleanup")
}

// InvalidatePages drops every cached result referencing the pages and
// forgets their stored versions.
func (d *DataLayer) InvalidatePages(pageIDs []string) int {
	removed := 0
	for _, id := range pageIDs {
		removed += d.results.InvalidatePage(id)
		removed += d.bulk.Cache().InvalidatePage(id)
	}
	d.versions.Forget(pageIDs...)
	d.metrics.Evictions.WithLabelValues("invalidate").Add(float64(removed))
	return removed
}

// ClearCache drops the result and bulk caches and the stored page versions.
// Both caches go together since bulk entries were checked against the
// versions being dropped.
func (d *DataLayer) ClearCache() {
	n := d.results.Len()
	d.results.Clear()
	n += d.bulk.Cache().Clear()
	d.versions.Reset()
	d.metrics.Evictions.WithLabelValues("clear").Add(float64(n))
}

// ClearAllCaches drops every cache, the in-flight bookkeeping, the prefetch
// queue, loaded field values and any registered external caches.
func (d *DataLayer) ClearAllCaches() {
	d.ClearCache()
	d.inflight.Clear()
	d.prefetch.Clear()
	released := d.catalog.UnloadAll()
	for _, r := range d.extra {
		r.Reset()
	}
	d.log.Info().Int64("field_bytes", released).Msg("all caches cleared")
}

// CleanupReport summarises PerformCacheCleanup.
type CleanupReport struct {
	ExpiredResults int      `json:"expired_results"`
	ExpiredBulk    int      `json:"expired_bulk"`
	PrunedPages    []string `json:"pruned_pages"`
}

// PerformCacheCleanup purges expired entries from both caches and drops
// state held for pages that no longer exist.
func (d *DataLayer) PerformCacheCleanup() CleanupReport {
	rep := CleanupReport{
		ExpiredResults: d.results.PurgeExpired(),
		ExpiredBulk:    d.bulk.Cache().PurgeExpired(),
		PrunedPages:    d.versions.Prune(),
	}
	for _, id := range rep.PrunedPages {
		d.results.InvalidatePage(id)
		d.bulk.Cache().InvalidatePage(id)
	}
	d.metrics.Evictions.WithLabelValues("expired").Add(float64(rep.ExpiredResults + rep.ExpiredBulk))
	if rep.PrunedPages == nil {
		rep.PrunedPages = []string{}
	}
	return rep
}

// Stats is a snapshot of the data layer caches.
type Stats struct {
	Results              cache.ResultStats `json:"results"`
	Bulk                 bulk.Stats        `json:"bulk"`
	InFlight             int               `json:"inflight"`
	FetchesStarted       int64             `json:"fetches_started"`
	FetchesJoined        int64             `json:"fetches_joined"`
	Prefetch             prefetch.Stats    `json:"prefetch"`
	TrackedPages         int               `json:"tracked_pages"`
	PressureSweeps       int64             `json:"pressure_sweeps"`
	NotificationFailures int64             `json:"notification_failures"`
}

// CacheStats returns cache counters.
func (d *DataLayer) CacheStats() Stats {
	started, joined := d.inflight.Stats()
	return Stats{
		Results:              d.results.Stats(),
		Bulk:                 d.bulk.Cache().Stats(),
		InFlight:             d.inflight.Len(),
		FetchesStarted:       started,
		FetchesJoined:        joined,
		Prefetch:             d.prefetch.Stats(),
		TrackedPages:         d.versions.Len(),
		PressureSweeps:       d.sweeps.Load(),
		NotificationFailures: d.sink.Failures(),
	}
}

// backendHandle returns the compute backend, creating it on first use.
func (d *DataLayer) backendHandle() compute.Backend {
	d.backendMu.Lock()
	defer d.backendMu.Unlock()
	if d.backendTried {
		return d.backend
	}
	d.backendTried = true
	if d.backendFactory == nil {
		return nil
	}
	b, err := d.backendFactory()
	if err != nil {
		d.log.Warn().Err(&Error{Kind: KindBackendUnavailable, Op: "backend", Err: err}).Msg("using local statistics")
		return nil
	}
	d.backend = b
	return b
}

func (d *DataLayer) backendFailed(op string, err error) {
	d.log.Debug().Err(&Error{Kind: KindBackendUnavailable, Op: op, Err: err}).Msg("falling back to local computation")
}
