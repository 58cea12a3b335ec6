package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/atlasmap-sc/cellucid/internal/destore"
	"github.com/atlasmap-sc/cellucid/internal/model"
)

type fakeComparer struct {
	cells    map[string][]int
	genes    []string
	err      error
	gotGenes []string
}

func (f *fakeComparer) CellIndicesForPage(id string) []int {
	return f.cells[id]
}

func (f *fakeComparer) AvailableVariables(model.VariableType) []model.VariableInfo {
	out := make([]model.VariableInfo, len(f.genes))
	for i, g := range f.genes {
		out[i] = model.VariableInfo{Key: g, Kind: model.KindContinuous, IsGene: true}
	}
	return out
}

func (f *fakeComparer) ComputeDifferentialExpressionParallel(_ context.Context, _, _ string, genes []string, method string, onProgress func(float64)) ([]model.DifferentialResult, error) {
	f.gotGenes = genes
	if f.err != nil {
		return nil, f.err
	}
	out := make([]model.DifferentialResult, len(genes))
	for i, g := range genes {
		out[i] = model.DifferentialResult{Gene: g, Method: method, PValue: 0.5, AdjustedPValue: 0.5}
		onProgress(float64(i+1) / float64(len(genes)) * 100)
	}
	return out, nil
}

func newComparer() *fakeComparer {
	return &fakeComparer{
		cells: map[string][]int{"a": {0, 1}, "b": {2, 3}, "empty": {}},
		genes: []string{"G0", "G1", "G2"},
	}
}

func TestPrepare(t *testing.T) {
	svc := NewDEService(newComparer(), 2, zerolog.Nop())

	p, err := svc.Prepare(destore.JobParams{PageA: "a", PageB: "b", Genes: []string{"G1"}, Method: "t-test"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if p.Method != "ttest" {
		t.Errorf("expected normalised method, got %q", p.Method)
	}

	cases := map[string]destore.JobParams{
		"missing page":   {PageA: "a"},
		"same page":      {PageA: "a", PageB: "a"},
		"empty page":     {PageA: "a", PageB: "empty"},
		"bad method":     {PageA: "a", PageB: "b", Method: "anova"},
		"too many genes": {PageA: "a", PageB: "b"},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Prepare(params); !errors.Is(err, ErrInvalidJob) {
				t.Fatalf("expected ErrInvalidJob, got %v", err)
			}
		})
	}
}

func TestExecuteDEJob(t *testing.T) {
	store, err := destore.NewStore(filepath.Join(t.TempDir(), "de.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	data := newComparer()
	svc := NewDEService(data, 0, zerolog.Nop())

	if err := store.CreateJob(&destore.Job{ID: "j1", Params: destore.JobParams{PageA: "a", PageB: "b"}}); err != nil {
		t.Fatal(err)
	}
	if err := svc.ExecuteDEJob(context.Background(), store, "j1"); err != nil {
		t.Fatalf("ExecuteDEJob: %v", err)
	}
	if len(data.gotGenes) != 3 {
		t.Fatalf("expected every gene to be tested, got %v", data.gotGenes)
	}

	results, total, err := store.QueryResults("j1", "input", 0, 10)
	if err != nil || total != 3 || results[0].Gene != "G0" {
		t.Fatalf("unexpected stored results: %+v %d %v", results, total, err)
	}
	job, _ := store.GetJob("j1")
	if job.Progress.Percent != 100 || job.Progress.Phase != "saving" {
		t.Fatalf("unexpected progress: %+v", job.Progress)
	}

	data.err = errors.New("backend exploded")
	if err := store.CreateJob(&destore.Job{ID: "j2", Params: destore.JobParams{PageA: "a", PageB: "b"}}); err != nil {
		t.Fatal(err)
	}
	if err := svc.ExecuteDEJob(context.Background(), store, "j2"); err == nil {
		t.Fatal("expected failure")
	}
	if err := svc.ExecuteDEJob(context.Background(), store, "missing"); !errors.Is(err, destore.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
