package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediamill/internal/logging"
	"mediamill/internal/taskerr"
)

type fakeTerminator struct {
	killed []string
}

func (f *fakeTerminator) Terminate(taskID string) bool {
	f.killed = append(f.killed, taskID)
	return true
}

func TestCreateAndGet(t *testing.T) {
	reg := NewRegistry(logging.Nop())
	rec := reg.Create(FamilyDownload, map[string]string{"video_url": "x"})

	require.NotEmpty(t, rec.ID)
	got, ok := reg.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, FamilyDownload, got.Family)

	_, ok = reg.Get("no-such-id")
	assert.False(t, ok)
}

func TestProgressMonotonicWhileRunning(t *testing.T) {
	reg := NewRegistry(logging.Nop())
	rec := reg.Create(FamilyComposition, nil)

	reg.SetProgress(rec.ID, 40, "encoding 40%")
	reg.SetProgress(rec.ID, 20, "late update")

	got, _ := reg.Get(rec.ID)
	assert.Equal(t, 40, got.Progress)
}

func TestCompleteSetsProgress100AndResult(t *testing.T) {
	reg := NewRegistry(logging.Nop())
	rec := reg.Create(FamilyTranscription, nil)
	reg.SetProgress(rec.ID, 95, "")

	require.True(t, reg.Complete(rec.ID, map[string]string{"language": "en"}))

	got, _ := reg.Get(rec.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.Result)
	assert.Nil(t, got.Error)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestFailPopulatesErrorAndClearsResult(t *testing.T) {
	reg := NewRegistry(logging.Nop())
	rec := reg.Create(FamilyKeyframe, nil)

	reg.Fail(rec.ID, taskerr.New(taskerr.KindFFmpeg, "exit status 1"))

	got, _ := reg.Get(rec.ID)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, taskerr.KindFFmpeg, got.Error.Kind)
	assert.Nil(t, got.Result)
}

func TestTerminalStateIsSticky(t *testing.T) {
	reg := NewRegistry(logging.Nop())
	rec := reg.Create(FamilyDownload, nil)
	reg.Fail(rec.ID, taskerr.New(taskerr.KindNetwork, "dns failure"))

	// A late worker update must not resurrect the task.
	reg.Update(rec.ID, func(r *Record) { r.Status = StatusRunning })
	reg.Complete(rec.ID, "result")

	got, _ := reg.Get(rec.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Nil(t, got.Result)
}

func TestCancelRunningTask(t *testing.T) {
	reg := NewRegistry(logging.Nop())
	term := &fakeTerminator{}
	reg.SetTerminator(term)

	rec := reg.Create(FamilyComposition, nil)
	ctx, cancel := context.WithCancel(context.Background())
	reg.RegisterCancel(rec.ID, cancel)

	require.True(t, reg.Cancel(rec.ID))

	got, _ := reg.Get(rec.ID)
	assert.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, taskerr.KindCancelled, got.Error.Kind)
	assert.Equal(t, []string{rec.ID}, term.killed)
	assert.Error(t, ctx.Err())
}

func TestCancelTerminalTaskIsNoOp(t *testing.T) {
	reg := NewRegistry(logging.Nop())
	rec := reg.Create(FamilyDownload, nil)
	reg.Complete(rec.ID, "done")

	assert.False(t, reg.Cancel(rec.ID))
	got, _ := reg.Get(rec.ID)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestCancelUnknownTask(t *testing.T) {
	reg := NewRegistry(logging.Nop())
	assert.False(t, reg.Cancel("ghost"))
}

func TestSummarizeAndCounts(t *testing.T) {
	reg := NewRegistry(logging.Nop())
	a := reg.Create(FamilyDownload, nil)
	reg.Create(FamilyDownload, nil)
	reg.Create(FamilyComposition, nil)
	reg.Complete(a.ID, "done")

	s := reg.Summarize()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Active)
	assert.Equal(t, 2, s.ByFamily[FamilyDownload])
	assert.Equal(t, 1, s.ActiveByFamily[FamilyDownload])
	assert.Equal(t, 2, reg.CountActive())
	assert.Equal(t, 1, reg.CountActiveByFamily()[FamilyComposition])
}

func TestTempPaths(t *testing.T) {
	reg := NewRegistry(logging.Nop())
	rec := reg.Create(FamilyComposition, nil)
	reg.AddTempPath(rec.ID, "/tmp/a")
	reg.AddTempPath(rec.ID, "/tmp/b")

	paths := reg.TakeTempPaths(rec.ID)
	assert.Equal(t, []string{"/tmp/a", "/tmp/b"}, paths)
	assert.Empty(t, reg.TakeTempPaths(rec.ID))
}

func TestObserverFiresOncePerTerminalTransition(t *testing.T) {
	reg := NewRegistry(nil)
	var seen []Record
	reg.SetObserver(func(rec Record) { seen = append(seen, rec) })

	rec := reg.Create(FamilyDownload, nil)
	reg.SetProgress(rec.ID, 50, "working")
	require.Empty(t, seen, "progress updates are not terminal")

	reg.Complete(rec.ID, "done")
	reg.Complete(rec.ID, "again")
	require.Len(t, seen, 1)
	assert.Equal(t, StatusCompleted, seen[0].Status)
	assert.Equal(t, rec.ID, seen[0].ID)
}

func TestLockTableExpiry(t *testing.T) {
	table := NewLockTable(10 * time.Millisecond)
	require.True(t, table.Acquire("t1"))
	require.False(t, table.Acquire("t1"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, table.Acquire("t1"), "expired lock is re-acquirable")

	table.Release("t1")
	require.True(t, table.Acquire("t2"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, table.SweepStale())
	assert.Equal(t, 0, table.Len())
}
