package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPutGetDelete(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	rec := RequestRecord{ID: "a", Status: StatusPending, SubmittedAt: now}
	r.Put(rec)

	got, ok := r.Get("a")
	require.True(t, ok)
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("Get mismatch (-want +got):\n%s", diff)
	}

	got.Status = StatusCompleted
	again, _ := r.Get("a")
	assert.Equal(t, StatusPending, again.Status, "Get must return a copy")

	r.Delete("a")
	r.Delete("a")
	_, ok = r.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryUpdateMergePreconditions(t *testing.T) {
	r := NewRegistry()
	submitted := time.Now().Add(-time.Minute)
	r.Put(RequestRecord{ID: "a", Status: StatusPending, SubmittedAt: submitted})

	done := time.Now()
	rec, err := r.UpdateMerge("a", RecordPatch{
		Status:     StatusCompleted,
		Result:     "cat",
		FinishedAt: done,
		From:       []Status{StatusPending, StatusCompleted},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "cat", rec.Result)
	assert.Equal(t, done, rec.FinishedAt)

	// A second completion overwrites the result but keeps the first
	// terminal timestamp.
	rec, err = r.UpdateMerge("a", RecordPatch{
		Status:     StatusCompleted,
		Result:     "cat",
		FinishedAt: done.Add(time.Second),
		From:       []Status{StatusPending, StatusCompleted},
	})
	require.NoError(t, err)
	assert.Equal(t, done, rec.FinishedAt)

	rec, err = r.UpdateMerge("a", RecordPatch{Status: StatusTimedOut, From: []Status{StatusPending}})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Equal(t, StatusCompleted, rec.Status)

	_, err = r.UpdateMerge("missing", RecordPatch{Status: StatusTimedOut})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRegistryTerminalNeverRevertsToPending(t *testing.T) {
	r := NewRegistry()
	r.Put(RequestRecord{ID: "a", Status: StatusTimedOut, FinishedAt: time.Now()})

	rec, err := r.UpdateMerge("a", RecordPatch{Status: StatusPending})
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, rec.Status)
	assert.Empty(t, rec.Result)
}

func TestRegistryConcurrentTerminalRace(t *testing.T) {
	r := NewRegistry()
	const n = 200
	for i := 0; i < n; i++ {
		r.Put(RequestRecord{ID: fmt.Sprintf("r-%d", i), Status: StatusPending})
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("r-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.UpdateMerge(id, RecordPatch{Status: StatusCompleted, Result: "ok", From: []Status{StatusPending, StatusCompleted}})
		}()
		go func() {
			defer wg.Done()
			_, _ = r.UpdateMerge(id, RecordPatch{Status: StatusTimedOut, From: []Status{StatusPending}})
		}()
	}
	wg.Wait()

	r.ForEach(func(rec RequestRecord) bool {
		switch rec.Status {
		case StatusCompleted:
			assert.Equal(t, "ok", rec.Result)
		case StatusTimedOut:
			assert.Empty(t, rec.Result)
		default:
			t.Errorf("record %s left in %s", rec.ID, rec.Status)
		}
		return true
	})
}

func TestRegistryForEachAllowsMutation(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 50; i++ {
		r.Put(RequestRecord{ID: fmt.Sprintf("r-%d", i), Status: StatusCompleted, Result: "x"})
	}
	visited := 0
	r.ForEach(func(rec RequestRecord) bool {
		visited++
		r.Delete(rec.ID)
		r.Put(RequestRecord{ID: rec.ID, Status: StatusPending})
		return true
	})
	assert.Equal(t, 50, visited)
	assert.Equal(t, 50, r.Len())
}

func TestRegistryForEachStops(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 10; i++ {
		r.Put(RequestRecord{ID: fmt.Sprintf("r-%d", i)})
	}
	visited := 0
	r.ForEach(func(RequestRecord) bool {
		visited++
		return visited < 3
	})
	assert.Equal(t, 3, visited)
}

func TestRetentionStart(t *testing.T) {
	submitted := time.Unix(100, 0)
	finished := time.Unix(200, 0)
	assert.Equal(t, submitted, RequestRecord{SubmittedAt: submitted}.RetentionStart())
	assert.Equal(t, finished, RequestRecord{SubmittedAt: submitted, FinishedAt: finished}.RetentionStart())
}
