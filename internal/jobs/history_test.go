package jobs

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := NewHistory(filepath.Join(t.TempDir(), "analysis.db"))
	if err != nil {
		t.Fatalf("NewHistory failed: %v", err)
	}
	t.Cleanup(func() {
		_ = h.Close()
	})
	return h
}

func TestHistorySucceededLifecycle(t *testing.T) {
	h := newTestHistory(t)

	rec := &HistoryRecord{
		JobID:    "job-1",
		FileName: "report.pdf",
		FileSize: 1024,
		Query:    "Summarize revenue trends",
	}
	if err := h.SaveNew(rec); err != nil {
		t.Fatalf("SaveNew failed: %v", err)
	}

	got, err := h.GetByJobID("job-1")
	if err != nil {
		t.Fatalf("GetByJobID failed: %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("status after SaveNew = %s, want %s", got.Status, StatusQueued)
	}
	if got.Result != nil || got.Error != nil {
		t.Error("new record must have neither result nor error")
	}

	if err := h.MarkRunning("job-1"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}

	completed := time.Now().UTC()
	if err := h.MarkSucceeded("job-1", "## Report\n\nAll good.", completed); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}

	got, err = h.GetByJobID("job-1")
	if err != nil {
		t.Fatalf("GetByJobID failed: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("status = %s, want %s", got.Status, StatusSucceeded)
	}
	if got.Result == nil || *got.Result != "## Report\n\nAll good." {
		t.Errorf("result = %v, want stored report", got.Result)
	}
	if got.Error != nil {
		t.Error("succeeded record must not carry an error message")
	}
	if got.CompletedAt == nil {
		t.Error("succeeded record must have completedAt")
	}
}

func TestHistoryFailedLifecycle(t *testing.T) {
	h := newTestHistory(t)

	if err := h.SaveNew(&HistoryRecord{JobID: "job-2", FileName: "a.pdf", FileSize: 10, Query: "q"}); err != nil {
		t.Fatalf("SaveNew failed: %v", err)
	}
	if err := h.MarkFailed("job-2", "PDFの解析に失敗しました。", time.Now()); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	got, err := h.GetByJobID("job-2")
	if err != nil {
		t.Fatalf("GetByJobID failed: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want %s", got.Status, StatusFailed)
	}
	if got.Error == nil || *got.Error == "" {
		t.Error("failed record must carry an error message")
	}
	if got.Result != nil {
		t.Error("failed record must not carry a result")
	}
}

func TestHistoryEnqueueFailureLeavesNoQueuedRow(t *testing.T) {
	h := newTestHistory(t)

	// キュー投入に失敗したジョブは queued のまま残さず failed で確定する
	if err := h.SaveNew(&HistoryRecord{JobID: "job-q", FileName: "a.pdf", FileSize: 10, Query: "q"}); err != nil {
		t.Fatalf("SaveNew failed: %v", err)
	}
	if err := h.MarkFailed("job-q", "解析タスクをキューに投入できませんでした。", time.Now()); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	records, err := h.ListRecent(10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	for _, rec := range records {
		if rec.Status == StatusQueued {
			t.Errorf("job %s still listed as queued", rec.JobID)
		}
	}

	got, err := h.GetByJobID("job-q")
	if err != nil {
		t.Fatalf("GetByJobID failed: %v", err)
	}
	if got.Status != StatusFailed || got.Error == nil {
		t.Errorf("record = %+v, want failed with error message", got)
	}
	if got.CompletedAt == nil {
		t.Error("aborted job must be terminal with completedAt")
	}
}

func TestHistoryGetByJobIDNotFound(t *testing.T) {
	h := newTestHistory(t)

	for i := 0; i < 2; i++ {
		if _, err := h.GetByJobID("missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetByJobID(missing) err = %v, want ErrNotFound", err)
		}
	}
}

func TestHistoryMarkRunningOnlyFromQueued(t *testing.T) {
	h := newTestHistory(t)

	if err := h.SaveNew(&HistoryRecord{JobID: "job-3", FileName: "a.pdf", FileSize: 10, Query: "q"}); err != nil {
		t.Fatalf("SaveNew failed: %v", err)
	}
	if err := h.MarkSucceeded("job-3", "done", time.Now()); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}

	// 終端状態の行は MarkRunning で巻き戻らない
	if err := h.MarkRunning("job-3"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	got, err := h.GetByJobID("job-3")
	if err != nil {
		t.Fatalf("GetByJobID failed: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Errorf("status = %s, want %s (terminal state must stay)", got.Status, StatusSucceeded)
	}
}

func TestHistoryListRecentOrder(t *testing.T) {
	h := newTestHistory(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		rec := &HistoryRecord{
			JobID:     id,
			FileName:  id + ".pdf",
			FileSize:  1,
			Query:     "q",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := h.SaveNew(rec); err != nil {
			t.Fatalf("SaveNew(%s) failed: %v", id, err)
		}
	}

	records, err := h.ListRecent(2)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ListRecent returned %d records, want 2", len(records))
	}
	if records[0].JobID != "new" || records[1].JobID != "mid" {
		t.Errorf("ListRecent order = [%s, %s], want [new, mid]", records[0].JobID, records[1].JobID)
	}
}
