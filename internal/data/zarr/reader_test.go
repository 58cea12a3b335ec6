package zarr

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/atlasmap-sc/cellucid/internal/cache"
)

func writeTestDataset(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	defer w.Close()

	md := &Metadata{
		FormatVersion: "1",
		DatasetName:   "test",
		NCells:        5,
		Obs: []ObsField{
			{Key: "age", Kind: "continuous", Path: "obs/age"},
			{Key: "cell_type", Kind: "category", Categories: []string{"T", "B"}, Path: "obs/cell_type"},
		},
		Genes: []string{"g0", "g1", "g2"},
	}
	if err := w.WriteMetadata(md); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	nan := float32(math.NaN())
	if err := w.WriteFloat32("obs/age", []int{5}, []int{2}, []float32{10, 11, nan, 13, 30}); err != nil {
		t.Fatalf("write age: %v", err)
	}
	if err := w.WriteInt32("obs/cell_type", []int{5}, []int{4}, []int32{0, 0, 1, 1, -1}); err != nil {
		t.Fatalf("write cell_type: %v", err)
	}

	// X[cell][gene] = cell*10 + gene
	x := make([]float32, 0, 15)
	for c := 0; c < 5; c++ {
		for g := 0; g < 3; g++ {
			x = append(x, float32(c*10+g))
		}
	}
	if err := w.WriteFloat32("X", []int{5, 3}, []int{2, 2}, x); err != nil {
		t.Fatalf("write X: %v", err)
	}
	return dir
}

func TestReader_ObsColumns(t *testing.T) {
	r, err := NewReader(writeTestDataset(t), nil)
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	defer r.Close()

	if r.Metadata().NCells != 5 {
		t.Fatalf("unexpected n_cells: %d", r.Metadata().NCells)
	}
	if r.Metadata().GeneIndex["g2"] != 2 {
		t.Fatalf("gene index not built: %v", r.Metadata().GeneIndex)
	}

	age, err := r.ReadObsNumbers("obs/age")
	if err != nil {
		t.Fatalf("ReadObsNumbers: %v", err)
	}
	if len(age) != 5 || age[0] != 10 || age[4] != 30 || !math.IsNaN(float64(age[2])) {
		t.Fatalf("unexpected age values: %v", age)
	}

	codes, err := r.ReadObsCodes("obs/cell_type")
	if err != nil {
		t.Fatalf("ReadObsCodes: %v", err)
	}
	want := []int32{0, 0, 1, 1, -1}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("unexpected codes: %v", codes)
		}
	}

	if _, err := r.ReadObsCodes("obs/age"); err == nil {
		t.Fatal("expected data_type mismatch error")
	}
}

func TestReader_ReadGenes_MultiChunk(t *testing.T) {
	chunks, err := cache.NewChunkCache(cache.ChunkConfig{SizeMB: 8})
	if err != nil {
		t.Fatalf("chunk cache: %v", err)
	}
	defer chunks.Close()

	r, err := NewReader(writeTestDataset(t), chunks)
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	defer r.Close()

	cols, err := r.ReadGenes([]int{0, 1, 2})
	if err != nil {
		t.Fatalf("ReadGenes: %v", err)
	}
	for g := 0; g < 3; g++ {
		for c := 0; c < 5; c++ {
			if cols[g][c] != float32(c*10+g) {
				t.Fatalf("gene %d cell %d: got %v", g, c, cols[g][c])
			}
		}
	}

	// Second read is served from the chunk cache.
	g1, err := r.ReadGene(1)
	if err != nil || g1[4] != 41 {
		t.Fatalf("ReadGene(1): %v %v", g1, err)
	}
	if hits, _ := chunks.Stats()["chunk_cache_hits"].(int64); hits == 0 {
		t.Fatal("expected chunk cache hits")
	}

	if _, err := r.ReadGenes([]int{7}); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestReader_MissingChunkIsFill(t *testing.T) {
	dir := writeTestDataset(t)
	if err := os.Remove(filepath.Join(dir, "X", "c", "2", "0")); err != nil {
		t.Fatalf("remove chunk: %v", err)
	}

	r, err := NewReader(dir, nil)
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	defer r.Close()

	g0, err := r.ReadGene(0)
	if err != nil {
		t.Fatalf("ReadGene: %v", err)
	}
	if g0[4] != 0 || g0[3] != 30 {
		t.Fatalf("expected fill value for missing edge chunk, got %v", g0)
	}
}
