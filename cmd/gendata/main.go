// Command gendata writes a synthetic dataset in the layout the server reads.
// Cells are split into clusters; each cluster over-expresses its own block
// of marker genes so differential expression has something to find.
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/atlasmap-sc/cellucid/internal/data/zarr"
	"github.com/atlasmap-sc/cellucid/internal/logx"
)

var clusterNames = []string{"T cell", "B cell", "NK cell", "Monocyte", "Dendritic"}

func main() {
	out := flag.String("out", "./data/dataset.zarr", "Output directory")
	nCells := flag.Int("cells", 20000, "Number of cells")
	nGenes := flag.Int("genes", 500, "Number of genes")
	seed := flag.Uint64("seed", 1, "Seed for cluster assignment and gene baselines")
	chunkCells := flag.Int("chunk-cells", 4096, "Cells per chunk")
	chunkGenes := flag.Int("chunk-genes", 64, "Genes per expression chunk")
	flag.Parse()

	log := logx.Component(logx.NewLogger("info"), "gendata")

	if *nCells <= 0 || *nGenes <= 0 {
		fmt.Fprintln(os.Stderr, "cells and genes must be positive")
		os.Exit(2)
	}

	rng := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))

	w, err := zarr.NewWriter(*out)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create writer")
	}
	defer w.Close()

	genes := make([]string, *nGenes)
	for g := range genes {
		genes[g] = fmt.Sprintf("GENE%04d", g)
	}

	md := &zarr.Metadata{
		FormatVersion: "1",
		DatasetName:   "synthetic",
		NCells:        *nCells,
		Obs: []zarr.ObsField{
			{Key: "cell_type", Kind: "category", Categories: clusterNames, Path: "obs/cell_type"},
			{Key: "n_counts", Kind: "continuous", Path: "obs/n_counts"},
			{Key: "percent_mito", Kind: "continuous", Path: "obs/percent_mito"},
		},
		Genes: genes,
	}
	if err := w.WriteMetadata(md); err != nil {
		log.Fatal().Err(err).Msg("failed to write metadata")
	}

	codes := make([]int32, *nCells)
	for c := range codes {
		codes[c] = int32(rng.IntN(len(clusterNames)))
	}
	// A handful of unannotated cells.
	for i := 0; i < *nCells/200; i++ {
		codes[rng.IntN(*nCells)] = -1
	}

	counts := distuv.LogNormal{Mu: 8, Sigma: 0.4}
	mito := distuv.Beta{Alpha: 2, Beta: 40}
	nCounts := make([]float32, *nCells)
	pctMito := make([]float32, *nCells)
	for c := range nCounts {
		nCounts[c] = float32(math.Round(counts.Rand()))
		pctMito[c] = float32(100 * mito.Rand())
		if rng.Float64() < 0.01 {
			pctMito[c] = float32(math.NaN())
		}
	}

	chunk := []int{min(*chunkCells, *nCells)}
	if err := w.WriteInt32("obs/cell_type", []int{*nCells}, chunk, codes); err != nil {
		log.Fatal().Err(err).Msg("failed to write cell_type")
	}
	if err := w.WriteFloat32("obs/n_counts", []int{*nCells}, chunk, nCounts); err != nil {
		log.Fatal().Err(err).Msg("failed to write n_counts")
	}
	if err := w.WriteFloat32("obs/percent_mito", []int{*nCells}, chunk, pctMito); err != nil {
		log.Fatal().Err(err).Msg("failed to write percent_mito")
	}

	// Genes [k*block, (k+1)*block) are markers of cluster k.
	block := max(1, *nGenes/(2*len(clusterNames)))
	base := make([]float64, *nGenes)
	for g := range base {
		base[g] = 0.1 + rng.ExpFloat64()*0.5
	}

	x := make([]float32, *nCells**nGenes)
	for c := 0; c < *nCells; c++ {
		row := x[c**nGenes : (c+1)**nGenes]
		cluster := int(codes[c])
		for g := range row {
			lambda := base[g]
			if cluster >= 0 && g/block == cluster {
				lambda *= 8
			}
			n := distuv.Poisson{Lambda: lambda}.Rand()
			row[g] = float32(math.Log1p(n))
		}
	}
	if err := w.WriteFloat32("X", []int{*nCells, *nGenes}, []int{min(*chunkCells, *nCells), min(*chunkGenes, *nGenes)}, x); err != nil {
		log.Fatal().Err(err).Msg("failed to write expression matrix")
	}

	log.Info().
		Str("out", *out).
		Int("cells", *nCells).
		Int("genes", *nGenes).
		Str("matrix", humanize.IBytes(uint64(len(x))*4)).
		Msg("dataset written")
}
