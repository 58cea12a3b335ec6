package dataset

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/atlasmap-sc/cellucid/internal/data/zarr"
	"github.com/atlasmap-sc/cellucid/internal/model"
)

// ErrNoSource is returned when a field has no backing array.
var ErrNoSource = errors.New("field has no backing source")

// LoadOptions tunes a load.
type LoadOptions struct {
	Silent bool
}

// Loader attaches values to fields. EnsureLoaded must be idempotent and must
// share a load already in progress for the same field.
type Loader interface {
	EnsureLoaded(ctx context.Context, f *Field, opts LoadOptions) error
}

// BulkLoader is implemented by loaders that can load many gene columns in
// one pass.
type BulkLoader interface {
	EnsureGenesLoaded(ctx context.Context, fields []*Field) error
}

// Source reads raw per-cell arrays.
type Source interface {
	ReadObsNumbers(path string) ([]float32, error)
	ReadObsCodes(path string) ([]int32, error)
	ReadGene(column int) ([]float32, error)
}

// BulkSource reads several gene columns at once.
type BulkSource interface {
	ReadGenes(columns []int) (map[int][]float32, error)
}

// StoreLoader loads fields from a Source.
type StoreLoader struct {
	src   Source
	group singleflight.Group
	log   zerolog.Logger
}

// NewStoreLoader creates a loader over src.
func NewStoreLoader(src Source, log zerolog.Logger) *StoreLoader {
	return &StoreLoader{src: src, log: log}
}

func loadKey(f *Field) string {
	if f.IsGene {
		return "gene:" + strconv.Itoa(f.Column)
	}
	return "obs:" + f.Path
}

// EnsureLoaded implements Loader.
func (l *StoreLoader) EnsureLoaded(ctx context.Context, f *Field, opts LoadOptions) error {
	if f.Loaded() {
		return nil
	}
	ch := l.group.DoChan(loadKey(f), func() (interface{}, error) {
		if f.Loaded() {
			return nil, nil
		}
		return nil, l.load(f, opts)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (l *StoreLoader) load(f *Field, opts LoadOptions) error {
	if !opts.Silent {
		l.log.Debug().Str("field", f.Key).Bool("gene", f.IsGene).Msg("loading field")
	}

	switch {
	case f.IsGene:
		vals, err := l.src.ReadGene(f.Column)
		if err != nil {
			return fmt.Errorf("failed to read gene %s: %w", f.Key, err)
		}
		f.SetNumbers(vals)
	case f.Path == "":
		return fmt.Errorf("%w: %s", ErrNoSource, f.Key)
	case f.Kind == model.KindCategory:
		codes, err := l.src.ReadObsCodes(f.Path)
		if err != nil {
			return fmt.Errorf("failed to read obs %s: %w", f.Key, err)
		}
		f.SetCodes(codes)
	default:
		vals, err := l.src.ReadObsNumbers(f.Path)
		if err != nil {
			return fmt.Errorf("failed to read obs %s: %w", f.Key, err)
		}
		f.SetNumbers(vals)
	}
	return nil
}

// EnsureGenesLoaded implements BulkLoader. It needs a BulkSource; without one
// it reports an error so callers fall back to per-field loading.
func (l *StoreLoader) EnsureGenesLoaded(ctx context.Context, fields []*Field) error {
	bs, ok := l.src.(BulkSource)
	if !ok {
		return errors.New("source does not support bulk gene reads")
	}

	var pending []*Field
	cols := make([]int, 0, len(fields))
	for _, f := range fields {
		if !f.IsGene {
			return fmt.Errorf("field %s is not a gene", f.Key)
		}
		if !f.Loaded() {
			pending = append(pending, f)
			cols = append(cols, f.Column)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	values, err := bs.ReadGenes(cols)
	if err != nil {
		return fmt.Errorf("failed to read %d genes: %w", len(cols), err)
	}
	for _, f := range pending {
		vals, ok := values[f.Column]
		if !ok {
			return fmt.Errorf("bulk read missing gene %s", f.Key)
		}
		f.SetNumbers(vals)
	}
	return nil
}

// FromZarr builds a catalog from a dataset manifest.
func FromZarr(md *zarr.Metadata) (*Catalog, error) {
	c := NewCatalog(md.NCells)
	for _, o := range md.Obs {
		kind := model.KindContinuous
		switch o.Kind {
		case "category", "categorical":
			kind = model.KindCategory
		case "continuous", "numeric", "":
		default:
			return nil, fmt.Errorf("obs field %s has unknown kind %q", o.Key, o.Kind)
		}
		path := o.Path
		if path == "" {
			path = "obs/" + o.Key
		}
		if err := c.Obs.Append(&Field{Key: o.Key, Kind: kind, Categories: o.Categories, Path: path}); err != nil {
			return nil, err
		}
	}
	for i, g := range md.Genes {
		if err := c.Genes.Append(&Field{Key: g, Kind: model.KindContinuous, IsGene: true, Column: i}); err != nil {
			return nil, err
		}
	}
	return c, nil
}
