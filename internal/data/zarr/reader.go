// Package zarr provides a reader for the per-cell Zarr v3 dataset layout:
//
//	metadata.json          dataset manifest (obs fields, genes, expression path)
//	obs/<key>/zarr.json    1-D per-cell arrays (float32 values or int32 category codes)
//	X/zarr.json            2-D [n_cells, n_genes] float32 expression matrix
//
// Chunks live under <array>/c/<chunk key> and are zstd-compressed. Chunks
// missing on disk are treated as filled with the array's fill value.
package zarr

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/atlasmap-sc/cellucid/internal/cache"
)

// Reader provides access to per-cell arrays of one dataset.
type Reader struct {
	basePath string
	metadata *Metadata
	decoder  *zstd.Decoder
	chunks   *cache.ChunkCache
}

// Metadata is the dataset manifest.
type Metadata struct {
	FormatVersion  string         `json:"format_version"`
	DatasetName    string         `json:"dataset_name"`
	NCells         int            `json:"n_cells"`
	Obs            []ObsField     `json:"obs"`
	Genes          []string       `json:"genes"`
	GeneIndex      map[string]int `json:"gene_index,omitempty"`
	ExpressionPath string         `json:"expression_path,omitempty"`
}

// ObsField describes one per-cell annotation column.
type ObsField struct {
	Key        string   `json:"key"`
	Kind       string   `json:"kind"` // "category" or "continuous"
	Categories []string `json:"categories,omitempty"`
	Path       string   `json:"path"`
}

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration,omitempty"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

func (m *ArrayMeta) compressed() bool {
	for _, c := range m.Codecs {
		if c.Name == "zstd" {
			return true
		}
	}
	return false
}

// NewReader opens the dataset rooted at basePath. chunks may be nil.
func NewReader(basePath string, chunks *cache.ChunkCache) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{
		basePath: basePath,
		decoder:  decoder,
		chunks:   chunks,
	}
	if err := r.loadMetadata(); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return r, nil
}

// Metadata returns the dataset manifest.
func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

func (r *Reader) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(r.basePath, "metadata.json"))
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}

	// Build gene index from gene list if not present
	if metadata.GeneIndex == nil {
		metadata.GeneIndex = make(map[string]int, len(metadata.Genes))
		for i, gene := range metadata.Genes {
			metadata.GeneIndex[gene] = i
		}
	}
	if metadata.ExpressionPath == "" {
		metadata.ExpressionPath = "X"
	}

	r.metadata = &metadata
	return nil
}

// loadArrayMeta loads Zarr v3 array metadata.
func (r *Reader) loadArrayMeta(arrayPath string) (*ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}

	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if len(meta.Shape) == 0 || len(meta.Shape) != len(meta.ChunkGrid.Configuration.ChunkShape) {
		return nil, fmt.Errorf("invalid zarr metadata: shape %v chunk_shape %v", meta.Shape, meta.ChunkGrid.Configuration.ChunkShape)
	}
	for d, c := range meta.ChunkGrid.Configuration.ChunkShape {
		if c <= 0 {
			return nil, fmt.Errorf("invalid chunk shape at dim %d: %d", d, c)
		}
	}
	return &meta, nil
}

// readChunk reads and decompresses a chunk, consulting the chunk cache first.
func (r *Reader) readChunk(arrayPath string, meta *ArrayMeta, chunkKey string) ([]byte, error) {
	cacheKey := cache.ChunkKey(arrayPath, chunkKey)
	if r.chunks != nil {
		if data, ok := r.chunks.Get(cacheKey); ok {
			return data, nil
		}
	}

	// Zarr v3 stores chunks in c/ directory
	raw, err := os.ReadFile(filepath.Join(arrayPath, "c", chunkKey))
	if err != nil {
		return nil, err
	}

	data := raw
	if meta.compressed() {
		data, err = r.decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress failed: %w", err)
		}
	}

	if r.chunks != nil {
		r.chunks.Set(cacheKey, data)
	}
	return data, nil
}

func encodeChunkKey(meta *ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

// chunkShapeAt returns the in-bounds extent of a chunk (edge chunks are smaller).
func chunkShapeAt(meta *ArrayMeta, chunkIndices []int) ([]int, error) {
	if len(chunkIndices) != len(meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}

	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkGrid.Configuration.ChunkShape[d]
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		actual[d] = min(chunkLen, meta.Shape[d]-start)
	}
	return actual, nil
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "float32", "int32", "uint32":
		return 4, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

func fillValueBytes(meta *ArrayMeta) ([]byte, error) {
	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}

	// Default fill to 0 if unspecified.
	fill := meta.FillValue
	if fill == nil {
		return make([]byte, size), nil
	}

	var bits uint32
	switch meta.DataType {
	case "float32":
		switch t := fill.(type) {
		case float64:
			bits = math.Float32bits(float32(t))
		case string:
			// Zarr v3 encodes non-finite fill values as strings.
			switch t {
			case "NaN":
				bits = math.Float32bits(float32(math.NaN()))
			case "Infinity":
				bits = math.Float32bits(float32(math.Inf(1)))
			case "-Infinity":
				bits = math.Float32bits(float32(math.Inf(-1)))
			default:
				return nil, fmt.Errorf("unsupported fill_value for float32: %q", t)
			}
		default:
			return nil, fmt.Errorf("unsupported fill_value type for float32: %T", fill)
		}
	case "int32":
		t, ok := fill.(float64)
		if !ok {
			return nil, fmt.Errorf("unsupported fill_value type for int32: %T", fill)
		}
		bits = uint32(int32(t))
	case "uint32":
		t, ok := fill.(float64)
		if !ok {
			return nil, fmt.Errorf("unsupported fill_value type for uint32: %T", fill)
		}
		bits = uint32(t)
	}
	return []byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}, nil
}

func repeatFillBytes(fill []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, len(fill)*n)
	// Fast path: fill is all zeros; make() already zero-initializes.
	allZero := true
	for _, b := range fill {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return out
	}
	for i := 0; i < n; i++ {
		copy(out[i*len(fill):(i+1)*len(fill)], fill)
	}
	return out
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

// chunkView is a decoded chunk plus the row stride of its layout.
type chunkView struct {
	data   []byte
	stride []int // elements per step along each dim
}

// readChunkAt returns the chunk at the given grid position. Writers may store
// edge chunks either padded to the full chunk shape or truncated to the
// in-bounds extent; both layouts are accepted.
func (r *Reader) readChunkAt(arrayPath string, meta *ArrayMeta, chunkIndices []int) (chunkView, error) {
	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return chunkView{}, err
	}
	actual, err := chunkShapeAt(meta, chunkIndices)
	if err != nil {
		return chunkView{}, err
	}
	full := meta.ChunkGrid.Configuration.ChunkShape

	data, err := r.readChunk(arrayPath, meta, encodeChunkKey(meta, chunkIndices))
	if err != nil {
		if !os.IsNotExist(err) {
			return chunkView{}, err
		}
		// If the chunk is not present on disk, it represents an all-fill-value chunk.
		fill, fillErr := fillValueBytes(meta)
		if fillErr != nil {
			return chunkView{}, fillErr
		}
		return chunkView{data: repeatFillBytes(fill, product(actual)), stride: strides(actual)}, nil
	}

	switch len(data) {
	case product(full) * size:
		return chunkView{data: data, stride: strides(full)}, nil
	case product(actual) * size:
		return chunkView{data: data, stride: strides(actual)}, nil
	default:
		return chunkView{}, fmt.Errorf("chunk %v of %s has %d bytes, expected %d or %d",
			chunkIndices, arrayPath, len(data), product(full)*size, product(actual)*size)
	}
}

func strides(shape []int) []int {
	out := make([]int, len(shape))
	s := 1
	for d := len(shape) - 1; d >= 0; d-- {
		out[d] = s
		s *= shape[d]
	}
	return out
}

func word(data []byte, elem int) uint32 {
	off := elem * 4
	return uint32(data[off]) |
		uint32(data[off+1])<<8 |
		uint32(data[off+2])<<16 |
		uint32(data[off+3])<<24
}

// readVector reads a whole 1-D array as raw 32-bit words.
func (r *Reader) readVector(arrayPath string, wantType string) ([]uint32, error) {
	meta, err := r.loadArrayMeta(arrayPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load array metadata for %s: %w", arrayPath, err)
	}
	if len(meta.Shape) != 1 {
		return nil, fmt.Errorf("unexpected shape for %s: %v (expected 1-D)", arrayPath, meta.Shape)
	}
	if meta.DataType != wantType {
		return nil, fmt.Errorf("unexpected data_type for %s: %s (expected %s)", arrayPath, meta.DataType, wantType)
	}

	n := meta.Shape[0]
	chunkLen := meta.ChunkGrid.Configuration.ChunkShape[0]
	out := make([]uint32, n)
	for chunk := 0; chunk < ceilDiv(n, chunkLen); chunk++ {
		start := chunk * chunkLen
		view, err := r.readChunkAt(arrayPath, meta, []int{chunk})
		if err != nil {
			return nil, fmt.Errorf("failed to load chunk %d of %s: %w", chunk, arrayPath, err)
		}
		for i := 0; i < min(chunkLen, n-start); i++ {
			out[start+i] = word(view.data, i)
		}
	}
	return out, nil
}

func (r *Reader) resolve(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(r.basePath, rel)
}

// ReadObsNumbers reads a continuous per-cell column.
func (r *Reader) ReadObsNumbers(path string) ([]float32, error) {
	words, err := r.readVector(r.resolve(path), "float32")
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(words))
	for i, w := range words {
		out[i] = math.Float32frombits(w)
	}
	return out, nil
}

// ReadObsCodes reads a categorical per-cell column of int32 codes.
func (r *Reader) ReadObsCodes(path string) ([]int32, error) {
	words, err := r.readVector(r.resolve(path), "int32")
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(words))
	for i, w := range words {
		out[i] = int32(w)
	}
	return out, nil
}

func (r *Reader) expressionMeta() (string, *ArrayMeta, error) {
	exprPath := r.resolve(r.metadata.ExpressionPath)
	meta, err := r.loadArrayMeta(exprPath)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load expression metadata: %w", err)
	}
	if len(meta.Shape) != 2 {
		return "", nil, fmt.Errorf("unexpected expression shape: %v", meta.Shape)
	}
	if meta.DataType != "float32" {
		return "", nil, fmt.Errorf("unexpected expression data_type: %s", meta.DataType)
	}
	return exprPath, meta, nil
}

// ReadGene returns the expression column of one gene across all cells.
func (r *Reader) ReadGene(geneIdx int) ([]float32, error) {
	cols, err := r.ReadGenes([]int{geneIdx})
	if err != nil {
		return nil, err
	}
	return cols[geneIdx], nil
}

// ReadGenes returns expression columns for several genes. Genes sharing a
// column chunk are decoded from a single read of that chunk.
func (r *Reader) ReadGenes(geneIdxs []int) (map[int][]float32, error) {
	exprPath, meta, err := r.expressionMeta()
	if err != nil {
		return nil, err
	}

	nCells := meta.Shape[0]
	nGenes := meta.Shape[1]
	rowChunk := meta.ChunkGrid.Configuration.ChunkShape[0]
	colChunk := meta.ChunkGrid.Configuration.ChunkShape[1]

	// Group requested genes by column chunk
	byChunk := make(map[int][]int)
	for _, g := range geneIdxs {
		if g < 0 || g >= nGenes {
			return nil, fmt.Errorf("gene index out of range: %d (n_genes=%d)", g, nGenes)
		}
		byChunk[g/colChunk] = append(byChunk[g/colChunk], g)
	}
	colChunks := make([]int, 0, len(byChunk))
	for c := range byChunk {
		colChunks = append(colChunks, c)
	}
	sort.Ints(colChunks)

	out := make(map[int][]float32, len(geneIdxs))
	for _, g := range geneIdxs {
		out[g] = make([]float32, nCells)
	}

	for _, cChunk := range colChunks {
		genes := byChunk[cChunk]
		colStart := cChunk * colChunk
		for rChunk := 0; rChunk < ceilDiv(nCells, rowChunk); rChunk++ {
			rowStart := rChunk * rowChunk
			rowLen := min(rowChunk, nCells-rowStart)

			view, err := r.readChunkAt(exprPath, meta, []int{rChunk, cChunk})
			if err != nil {
				return nil, fmt.Errorf("failed to load expression chunk %d/%d: %w", rChunk, cChunk, err)
			}
			for _, g := range genes {
				col := out[g]
				offset := g - colStart
				for i := 0; i < rowLen; i++ {
					col[rowStart+i] = math.Float32frombits(word(view.data, i*view.stride[0]+offset*view.stride[1]))
				}
			}
		}
	}
	return out, nil
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
