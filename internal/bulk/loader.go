package bulk

import (
	"context"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/atlasmap-sc/cellucid/internal/cache"
)

// DefaultBatchSize is the number of variables loaded between yields.
const DefaultBatchSize = 10

// Outcome classifies a request against the cache.
type Outcome string

const (
	OutcomeHit     Outcome = "hit"
	OutcomePartial Outcome = "partial"
	OutcomeMiss    Outcome = "miss"
)

// Request asks for variables of one family over a set of pages. Digest is
// the folded version of the pages the fetch will slice; entries stored under
// another digest are treated as missing.
type Request struct {
	Family    string
	PageIDs   []string
	Variables []string
	Digest    uint64
}

// FetchFunc loads the given variables for the pages. Variables that failed
// to load are absent from the returned data.
type FetchFunc func(ctx context.Context, pageIDs, variables []string) (Data, error)

// Result is the outcome of a bulk load. Data shares page data with the cache
// and must not be modified.
type Result struct {
	Data    Data
	Outcome Outcome
	Fetched []string
	Missing []string
}

// Loader serves bulk requests from the cache, fetching only what is missing.
type Loader struct {
	cache *Cache
	log   zerolog.Logger
}

// NewLoader creates a loader over c.
func NewLoader(c *Cache, log zerolog.Logger) *Loader {
	return &Loader{cache: c, log: log}
}

// Cache returns the underlying cache.
func (l *Loader) Cache() *Cache {
	return l.cache
}

// Load resolves req. A cached entry holding every requested variable is
// returned as a filtered view; otherwise fetch is called once with the
// variables the entry lacks and the results are merged into the entry.
func (l *Loader) Load(ctx context.Context, req Request, fetch FetchFunc) (Result, error) {
	pageIDs := cache.SortedUnique(req.PageIDs)
	vars := uniqueInOrder(req.Variables)
	if len(pageIDs) == 0 || len(vars) == 0 {
		return Result{Data: Data{}, Outcome: OutcomeHit}, nil
	}

	key := Key(req.Family, pageIDs)
	entry, ok := l.cache.Get(key)
	if ok && entry.Digest != req.Digest {
		l.cache.removeEntry(key, entry)
		l.cache.outdated.Add(1)
		l.log.Debug().Str("family", req.Family).Msg("bulk entry built for an older page version")
		entry, ok = nil, false
	}

	var missing []string
	for _, v := range vars {
		if !ok {
			missing = append(missing, v)
			continue
		}
		if _, cached := entry.Data[v]; !cached {
			missing = append(missing, v)
		}
	}

	if ok && len(missing) == 0 {
		l.cache.hits.Add(1)
		return Result{Data: view(entry.Data, vars), Outcome: OutcomeHit}, nil
	}

	outcome := OutcomeMiss
	if ok {
		outcome = OutcomePartial
		l.cache.partial.Add(1)
	} else {
		l.cache.misses.Add(1)
	}
	l.log.Debug().
		Str("family", req.Family).
		Int("pages", len(pageIDs)).
		Int("requested", len(vars)).
		Int("missing", len(missing)).
		Str("outcome", string(outcome)).
		Msg("bulk cache lookup")

	fetched, err := fetch(ctx, pageIDs, missing)
	if err != nil {
		return Result{}, err
	}

	merged, stored := l.cache.Merge(key, req.Family, req.Digest, pageIDs, fetched)
	if !stored {
		l.log.Debug().Str("family", req.Family).Msg("bulk result not cached, pages changed during load")
	}
	res := Result{Data: view(merged.Data, vars), Outcome: outcome}
	for _, v := range missing {
		if _, ok := fetched[v]; ok {
			res.Fetched = append(res.Fetched, v)
		}
	}
	for _, v := range vars {
		if _, ok := res.Data[v]; !ok {
			res.Missing = append(res.Missing, v)
		}
	}
	return res, nil
}

func view(data Data, vars []string) Data {
	out := make(Data, len(vars))
	for _, v := range vars {
		if byPage, ok := data[v]; ok {
			out[v] = byPage
		}
	}
	return out
}

func uniqueInOrder(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}

// Batch loads items in fixed-size batches. When Bulk is set it is tried first
// for every batch; after its first failure the remaining batches use Each
// only. Each runs for every item regardless and an item whose Each fails is
// recorded without stopping the batch.
type Batch struct {
	Size     int
	Bulk     func(ctx context.Context, batch []string) error
	Each     func(ctx context.Context, item string) error
	Progress func(done, total int)
	Log      zerolog.Logger
}

// Run processes items and returns the per-item failures. It only returns an
// error when ctx is done.
func (b Batch) Run(ctx context.Context, items []string) (map[string]error, error) {
	size := b.Size
	if size <= 0 {
		size = DefaultBatchSize
	}
	failed := make(map[string]error)
	useBulk := b.Bulk != nil

	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		end := min(start+size, len(items))
		batch := items[start:end]

		if useBulk {
			if err := b.Bulk(ctx, batch); err != nil {
				if ctx.Err() != nil {
					return failed, ctx.Err()
				}
				b.Log.Warn().Err(err).Int("batch", start/size).Msg("bulk load failed, falling back to per-variable loading")
				useBulk = false
			}
		}
		for _, item := range batch {
			if err := b.Each(ctx, item); err != nil {
				if ctx.Err() != nil {
					return failed, ctx.Err()
				}
				b.Log.Warn().Err(err).Str("variable", item).Msg("failed to load variable")
				failed[item] = err
			}
		}

		if b.Progress != nil {
			b.Progress(end, len(items))
		}
		runtime.Gosched()
	}
	return failed, nil
}
