package destore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlasmap-sc/cellucid/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "de", "jobs.sqlite"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_JobLifecycle(t *testing.T) {
	s := newTestStore(t)

	job := &Job{ID: "job-1", Params: JobParams{PageA: "p1", PageB: "p2", Genes: []string{"CD3E", "MS4A1"}, Method: "ttest"}}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != JobStatusQueued || got.NGenes != 2 || got.Params.PageB != "p2" || got.StartedAt != nil {
		t.Fatalf("unexpected job: %+v", got)
	}

	queued, err := s.ListQueuedJobs()
	if err != nil || len(queued) != 1 {
		t.Fatalf("ListQueuedJobs: %v %v", queued, err)
	}

	if err := s.UpdateJobStarted("job-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobProgress("job-1", "testing", 42.5); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetJob("job-1")
	if got.Status != JobStatusRunning || got.StartedAt == nil || got.Progress.Percent != 42.5 || got.Progress.Phase != "testing" {
		t.Fatalf("unexpected running job: %+v", got)
	}

	results := []model.DifferentialResult{
		{Gene: "CD3E", PValue: 0.01, AdjustedPValue: 0.02, Log2FoldChange: 2, NA: 3, NB: 2, Method: "ttest"},
		{Gene: "MS4A1", PValue: 1, AdjustedPValue: 1, Method: "ttest", Error: "expression for MS4A1 could not be loaded"},
	}
	if err := s.InsertResults("job-1", results); err != nil {
		t.Fatalf("InsertResults: %v", err)
	}
	if err := s.UpdateJobStatus("job-1", JobStatusCompleted, ""); err != nil {
		t.Fatal(err)
	}

	got, _ = s.GetJob("job-1")
	if got.Status != JobStatusCompleted || got.FinishedAt == nil || got.NFailed != 1 {
		t.Fatalf("unexpected completed job: %+v", got)
	}

	page, total, err := s.QueryResults("job-1", "", 0, 10)
	if err != nil {
		t.Fatalf("QueryResults: %v", err)
	}
	if total != 2 || len(page) != 2 || page[0].Gene != "CD3E" || page[1].Error == "" {
		t.Fatalf("unexpected results: %d %+v", total, page)
	}

	page, _, _ = s.QueryResults("job-1", "gene", 1, 1)
	if len(page) != 1 || page[0].Gene != "MS4A1" {
		t.Fatalf("unexpected paged results: %+v", page)
	}

	if err := s.DeleteJob("job-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetJob("job-1"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, total, _ := s.QueryResults("job-1", "", 0, 10); total != 0 {
		t.Fatalf("results survived job deletion: %d", total)
	}
}

func TestStore_RecoveryAndRetention(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateJob(&Job{ID: id, Params: JobParams{PageA: "x", PageB: "y", Genes: []string{"G"}}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateJobStarted("a"); err != nil {
		t.Fatal(err)
	}
	n, err := s.MarkRunningAsFailed("server restarted")
	if err != nil || n != 1 {
		t.Fatalf("MarkRunningAsFailed: %d %v", n, err)
	}
	a, _ := s.GetJob("a")
	if a.Status != JobStatusFailed || a.Error != "server restarted" {
		t.Fatalf("unexpected recovered job: %+v", a)
	}

	if err := s.UpdateJobStatus("b", JobStatusCancelled, "cancelled before start"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	deleted, err := s.DeleteExpiredJobs(time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 finished jobs deleted, got %d", deleted)
	}
	jobs, err := s.ListJobs(10)
	if err != nil || len(jobs) != 1 || jobs[0].ID != "c" {
		t.Fatalf("unexpected remaining jobs: %+v %v", jobs, err)
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	for status, want := range map[JobStatus]bool{
		JobStatusQueued:    false,
		JobStatusRunning:   false,
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	} {
		if status.Terminal() != want {
			t.Errorf("%s: expected terminal=%v", status, want)
		}
	}
}
