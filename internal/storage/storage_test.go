package storage

import (
	"path/filepath"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)

	rec := RunRecord{ID: "run-1", Status: "queued", OutputPath: "out.tif", Chain: "darkest"}
	inputs := []InputRecord{
		{Position: 0, Filename: "a.tif", CloudFile: "a_bqa.tif", Metadata: map[string]float64{"acquisition_date": 1377000104}},
		{Position: 1, Filename: "b.tif"},
	}
	if err := s.RecordRunQueued(rec, inputs); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordRunStart("run-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordRunResult("run-1", "completed", map[string]any{"composited": 12}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "completed" || runs[0].StartedAt == nil || runs[0].CompletedAt == nil {
		t.Fatalf("unexpected runs %+v", runs)
	}

	got, err := s.RunInputs("run-1")
	if err != nil {
		t.Fatalf("inputs: %v", err)
	}
	if len(got) != 2 || got[0].CloudFile != "a_bqa.tif" || got[0].Metadata["acquisition_date"] != 1377000104 || got[1].Filename != "b.tif" {
		t.Fatalf("unexpected inputs %+v", got)
	}

	meta, err := s.RunMeta("run-1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["composited"] != float64(12) {
		t.Fatalf("unexpected meta %v", meta)
	}
}

func TestFailedRunKeepsError(t *testing.T) {
	s := openStore(t)
	if err := s.RecordRunQueued(RunRecord{ID: "run-2", Status: "queued", OutputPath: "out.tif"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRunResult("run-2", "failed", nil, "geometry mismatch"); err != nil {
		t.Fatal(err)
	}
	runs, err := s.RecentRuns(1)
	if err != nil {
		t.Fatal(err)
	}
	if runs[0].Error != "geometry mismatch" || runs[0].Status != "failed" {
		t.Fatalf("unexpected run %+v", runs[0])
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordRunQueued(RunRecord{ID: "x"}, nil); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if err := s.RecordRunStart("x"); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Fatalf("nil store reads should fail")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
