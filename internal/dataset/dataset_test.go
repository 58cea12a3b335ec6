package dataset

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlasmap-sc/cellucid/internal/data/zarr"
	"github.com/atlasmap-sc/cellucid/internal/model"
)

type fakeSource struct {
	gate     chan struct{}
	obsReads atomic.Int32
	bulkErr  error
}

func (s *fakeSource) ReadObsNumbers(path string) ([]float32, error) {
	s.obsReads.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	return []float32{10, 11, float32(math.NaN()), 13, 30}, nil
}

func (s *fakeSource) ReadObsCodes(path string) ([]int32, error) {
	return []int32{0, 0, 1, 1, -1}, nil
}

func (s *fakeSource) ReadGene(column int) ([]float32, error) {
	return []float32{float32(column), 1, 2, 3, 4}, nil
}

func (s *fakeSource) ReadGenes(columns []int) (map[int][]float32, error) {
	if s.bulkErr != nil {
		return nil, s.bulkErr
	}
	out := make(map[int][]float32)
	for _, c := range columns {
		out[c], _ = s.ReadGene(c)
	}
	return out, nil
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := FromZarr(&zarr.Metadata{
		NCells: 5,
		Obs: []zarr.ObsField{
			{Key: "age", Kind: "continuous", Path: "obs/age"},
			{Key: "cell_type", Kind: "category", Categories: []string{"T", "B"}},
		},
		Genes: []string{"CD3E", "MS4A1"},
	})
	if err != nil {
		t.Fatalf("FromZarr: %v", err)
	}
	return c
}

func TestCatalog_FamiliesAndInfo(t *testing.T) {
	c := testCatalog(t)

	if got := c.Available(model.TypeCategoryObs); len(got) != 1 || got[0].Key != "cell_type" {
		t.Fatalf("unexpected category vars: %+v", got)
	}
	if got := c.Available(model.TypeContinuousObs); len(got) != 1 || got[0].Key != "age" {
		t.Fatalf("unexpected continuous vars: %+v", got)
	}
	if got := c.Available(model.TypeGeneExpression); len(got) != 2 || !got[1].IsGene {
		t.Fatalf("unexpected genes: %+v", got)
	}

	if _, ok := c.Field(model.TypeCategoryObs, "age"); ok {
		t.Fatal("continuous field resolved as category")
	}
	info, ok := c.Info(model.TypeCategoryObs, "cell_type")
	if !ok || info.Loaded || len(info.Categories) != 2 || info.FieldIndex != 1 {
		t.Fatalf("unexpected info: %+v", info)
	}

	f, _ := c.Field(model.TypeCategoryObs, "cell_type")
	if f.Path != "obs/cell_type" {
		t.Fatalf("default path not applied: %q", f.Path)
	}

	if err := c.Obs.Append(&Field{Key: "age"}); err == nil {
		t.Fatal("expected duplicate key error")
	}
}

func TestField_ValuesAndRange(t *testing.T) {
	f := &Field{Key: "age", Kind: model.KindContinuous}
	f.SetNumbers([]float32{10, float32(math.NaN()), 30, float32(math.Inf(1))})

	info := f.Info()
	if !info.Loaded || *info.Min != 10 || *info.Max != 30 || *info.Mean != 20 {
		t.Fatalf("unexpected range: %+v", info)
	}
	values, kept := f.SelectNumbers([]int{1, 3, 2, 99, -1})
	if len(values) != 1 || values[0] != 30 || len(kept) != 1 || kept[0] != 2 {
		t.Fatalf("NaN, Inf and out of range cells must be dropped: %v %v", values, kept)
	}

	cat := &Field{Key: "ct", Kind: model.KindCategory, Categories: []string{"T"}}
	cat.SetCodes([]int32{0, -1, 7})
	labels, kept := cat.SelectLabels([]int{0, 1, 2})
	if len(labels) != 2 || labels[0] != "T" || labels[1] != "Unknown (7)" || kept[1] != 2 {
		t.Fatalf("unexpected labels: %v %v", labels, kept)
	}

	f.Unload()
	if f.Loaded() || f.SizeBytes() != 0 {
		t.Fatal("Unload did not drop values")
	}
}

func TestStoreLoader_SharesConcurrentLoads(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	l := NewStoreLoader(src, zerolog.Nop())
	f, _ := testCatalog(t).Field(model.TypeContinuousObs, "age")

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.EnsureLoaded(context.Background(), f, LoadOptions{})
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for src.obsReads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(src.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("EnsureLoaded: %v", err)
		}
	}

	if got := src.obsReads.Load(); got != 1 {
		t.Fatalf("expected one source read, got %d", got)
	}
	if !f.Loaded() {
		t.Fatal("field not loaded")
	}

	// Loaded fields never touch the source again.
	if err := l.EnsureLoaded(context.Background(), f, LoadOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := src.obsReads.Load(); got != 1 {
		t.Fatalf("loaded field read again: %d reads", got)
	}
}

func TestStoreLoader_BulkGenes(t *testing.T) {
	c := testCatalog(t)
	genes := c.Genes.Fields()

	t.Run("bulk source", func(t *testing.T) {
		l := NewStoreLoader(&fakeSource{}, zerolog.Nop())
		if err := l.EnsureGenesLoaded(context.Background(), genes); err != nil {
			t.Fatalf("EnsureGenesLoaded: %v", err)
		}
		for _, g := range genes {
			if v, _ := g.SelectNumbers([]int{0}); len(v) != 1 || v[0] != float64(g.Column) {
				t.Fatalf("gene %s: %v", g.Key, v)
			}
		}
	})

	t.Run("bulk failure", func(t *testing.T) {
		if c.UnloadAll() == 0 {
			t.Fatal("no bytes released")
		}
		for _, g := range genes {
			if g.Loaded() {
				t.Fatalf("gene %s still loaded", g.Key)
			}
		}
		boom := errors.New("boom")
		l := NewStoreLoader(&fakeSource{bulkErr: boom}, zerolog.Nop())
		if err := l.EnsureGenesLoaded(context.Background(), genes); !errors.Is(err, boom) {
			t.Fatalf("expected wrapped bulk error, got %v", err)
		}
	})

	t.Run("non gene", func(t *testing.T) {
		age, _ := c.Field(model.TypeContinuousObs, "age")
		l := NewStoreLoader(&fakeSource{}, zerolog.Nop())
		if err := l.EnsureGenesLoaded(context.Background(), []*Field{age}); err == nil {
			t.Fatal("expected error for obs field")
		}
	})
}
