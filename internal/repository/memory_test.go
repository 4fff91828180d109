package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbalakrishnan/echoscribe/internal/model"
)

func TestMemoryStoreGetNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	owner := "user-1"
	for i, id := range []string{"a", "b", "c"} {
		rec := &model.TranscriptRecord{ID: id, FileName: id + ".wav"}
		if id == "b" {
			rec.OwnerID = &owner
		}
		if err := store.Create(ctx, rec); err != nil {
			t.Fatal(err)
		}
		// Separate creation instants so ordering is deterministic.
		store.mutate(id, func(r *model.TranscriptRecord) {
			r.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		})
	}

	all, err := store.List(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("unexpected order: %v", ids(all))
	}

	mine, err := store.List(ctx, &owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].ID != "b" {
		t.Fatalf("owner filter failed: %v", ids(mine))
	}
}

func TestMemoryStoreCopyOnRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, &model.TranscriptRecord{ID: "r1", FileName: "a.wav"}); err != nil {
		t.Fatal(err)
	}
	rec, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	rec.Status = model.StatusFailed
	again, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != model.StatusPending {
		t.Fatalf("mutation through returned copy leaked: %s", again.Status)
	}
}

func TestMemoryStoreBeginSummaryGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, &model.TranscriptRecord{ID: "r1"}); err != nil {
		t.Fatal(err)
	}

	// Transcription not completed yet: guard refuses.
	ok, err := store.BeginSummary(ctx, "r1", "basic_summary")
	if err != nil || ok {
		t.Fatalf("guard should refuse before completion (ok=%v err=%v)", ok, err)
	}

	if err := store.MarkProcessing(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkCompleted(ctx, "r1", "transcript"); err != nil {
		t.Fatal(err)
	}

	ok, err = store.BeginSummary(ctx, "r1", "basic_summary")
	if err != nil || !ok {
		t.Fatalf("guard should pass after completion (ok=%v err=%v)", ok, err)
	}
	rec, _ := store.Get(ctx, "r1")
	if rec.SummaryStatus != model.StatusProcessing || rec.SummaryMode != "basic_summary" {
		t.Fatalf("summary track not started: %+v", rec)
	}

	// Re-request while processing: refused, mode untouched.
	ok, err = store.BeginSummary(ctx, "r1", "detailed")
	if err != nil || ok {
		t.Fatalf("guard should refuse concurrent summarization (ok=%v err=%v)", ok, err)
	}
	rec, _ = store.Get(ctx, "r1")
	if rec.SummaryMode != "basic_summary" {
		t.Fatalf("mode overwritten by refused request: %q", rec.SummaryMode)
	}

	// After a terminal summary state a new request is accepted again.
	if err := store.MarkSummaryFailed(ctx, "r1", "backend down"); err != nil {
		t.Fatal(err)
	}
	ok, err = store.BeginSummary(ctx, "r1", "detailed")
	if err != nil || !ok {
		t.Fatalf("guard should pass after terminal state (ok=%v err=%v)", ok, err)
	}

	// Missing record: refused without error.
	ok, err = store.BeginSummary(ctx, "missing", "basic_summary")
	if err != nil || ok {
		t.Fatalf("guard should refuse missing record (ok=%v err=%v)", ok, err)
	}
}

func ids(recs []*model.TranscriptRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
