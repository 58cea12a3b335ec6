package zarr

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// Writer writes arrays in the layout Reader understands. Chunks are padded to
// the full chunk shape and zstd-compressed.
type Writer struct {
	root    string
	encoder *zstd.Encoder
}

// NewWriter creates a writer rooted at dir, creating it if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dataset directory: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &Writer{root: dir, encoder: enc}, nil
}

// WriteMetadata writes metadata.json.
func (w *Writer) WriteMetadata(md *Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(w.root, "metadata.json"), data, 0644)
}

// WriteFloat32 writes a float32 array in row-major order.
func (w *Writer) WriteFloat32(rel string, shape, chunks []int, values []float32) error {
	words := make([]uint32, len(values))
	for i, v := range values {
		words[i] = math.Float32bits(v)
	}
	return w.write(rel, "float32", shape, chunks, words)
}

// WriteInt32 writes an int32 array in row-major order.
func (w *Writer) WriteInt32(rel string, shape, chunks []int, values []int32) error {
	words := make([]uint32, len(values))
	for i, v := range values {
		words[i] = uint32(v)
	}
	return w.write(rel, "int32", shape, chunks, words)
}

func (w *Writer) write(rel, dtype string, shape, chunkShape []int, words []uint32) error {
	if len(shape) != len(chunkShape) || len(shape) == 0 || len(shape) > 2 {
		return fmt.Errorf("unsupported shape %v / chunks %v", shape, chunkShape)
	}
	if product(shape) != len(words) {
		return fmt.Errorf("shape %v needs %d values, got %d", shape, product(shape), len(words))
	}

	arrayPath := filepath.Join(w.root, rel)
	if err := os.MkdirAll(filepath.Join(arrayPath, "c"), 0755); err != nil {
		return fmt.Errorf("failed to create array directory: %w", err)
	}

	var meta ArrayMeta
	meta.Shape = shape
	meta.DataType = dtype
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = chunkShape
	meta.ChunkKeyEncoding.Name = "default"
	meta.ChunkKeyEncoding.Configuration.Separator = "/"
	meta.FillValue = 0
	meta.Codecs = append(meta.Codecs,
		struct {
			Name          string                 `json:"name"`
			Configuration map[string]interface{} `json:"configuration,omitempty"`
		}{Name: "bytes", Configuration: map[string]interface{}{"endian": "little"}},
		struct {
			Name          string                 `json:"name"`
			Configuration map[string]interface{} `json:"configuration,omitempty"`
		}{Name: "zstd", Configuration: map[string]interface{}{"level": 3}},
	)
	meta.ZarrFormat = 3
	meta.NodeType = "array"

	metaJSON, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal array metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(arrayPath, "zarr.json"), metaJSON, 0644); err != nil {
		return err
	}

	rows := shape[0]
	cols := 1
	chunkRows := chunkShape[0]
	chunkCols := 1
	if len(shape) == 2 {
		cols = shape[1]
		chunkCols = chunkShape[1]
	}

	for rc := 0; rc < ceilDiv(rows, chunkRows); rc++ {
		for cc := 0; cc < ceilDiv(cols, chunkCols); cc++ {
			buf := make([]byte, chunkRows*chunkCols*4)
			for i := 0; i < chunkRows; i++ {
				row := rc*chunkRows + i
				if row >= rows {
					break
				}
				for j := 0; j < chunkCols; j++ {
					col := cc*chunkCols + j
					if col >= cols {
						break
					}
					v := words[row*cols+col]
					off := (i*chunkCols + j) * 4
					buf[off] = byte(v)
					buf[off+1] = byte(v >> 8)
					buf[off+2] = byte(v >> 16)
					buf[off+3] = byte(v >> 24)
				}
			}

			idx := []int{rc}
			if len(shape) == 2 {
				idx = append(idx, cc)
			}
			chunkPath := filepath.Join(arrayPath, "c", filepath.FromSlash(encodeChunkKey(&meta, idx)))
			if err := os.MkdirAll(filepath.Dir(chunkPath), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(chunkPath, w.encoder.EncodeAll(buf, nil), 0644); err != nil {
				return fmt.Errorf("failed to write chunk %v: %w", idx, err)
			}
		}
	}
	return nil
}

// Close releases the encoder.
func (w *Writer) Close() error {
	return w.encoder.Close()
}
