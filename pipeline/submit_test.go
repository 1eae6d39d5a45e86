package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/scenepipe/predict"
	"github.com/chaos-io/scenepipe/predict/predicttest"
)

func TestSubmitter_OneEntryPerFile(t *testing.T) {
	f := fakeProvider(t, nil)
	f.Reject = func(call predicttest.Call) error {
		if call.Input["id"] == "b.png" {
			return errors.New("HTTP request failed with status 422: invalid input")
		}
		return nil
	}
	stage := newDirStage(t.TempDir())
	stage.inputErr["c.png"] = errors.New("unreadable")

	jobs := NewSubmitter(f, stage, nil).Submit(context.Background(), []string{"a.png", "b.png", "c.png", "d.png", "a.png"})

	require.Len(t, jobs, 4)
	assert.Equal(t, []string{"a.png", "b.png", "c.png", "d.png"}, jobs.IDs())
	assert.True(t, jobs["a.png"].OK())
	assert.False(t, jobs["b.png"].OK())
	assert.ErrorContains(t, jobs["b.png"].Err, "422")
	assert.False(t, jobs["c.png"].OK())
	assert.ErrorContains(t, jobs["c.png"].Err, "unreadable")
	assert.True(t, jobs["d.png"].OK())

	// one Create per file that had an input, none for the duplicate
	assert.Len(t, f.Calls(), 3)
	assert.Len(t, jobs.Handles(), 2)
}

func TestSubmitter_Empty(t *testing.T) {
	jobs := NewSubmitter(&predicttest.Fake{}, newDirStage(t.TempDir()), nil).Submit(context.Background(), nil)
	assert.Empty(t, jobs)
	assert.Empty(t, jobs.Handles())
}

func TestReconciler_EmptyJobMapWritesNothing(t *testing.T) {
	out := t.TempDir()
	stage := newDirStage(out)

	written := NewReconciler(fakeProvider(t, nil), stage, nil).Reconcile(context.Background(), []string{"a.png"}, JobMap{})
	assert.Empty(t, written)
	assert.Empty(t, listDir(t, out))
}

func TestReconciler_WritesSucceededOnly(t *testing.T) {
	out := t.TempDir()
	stage := newDirStage(out)
	f := fakeProvider(t, map[string]predicttest.Result{
		"failed.png":   {Status: predict.StatusFailed, Error: "boom"},
		"canceled.png": {Status: predict.StatusCanceled},
		"pending.png":  {Status: predict.StatusSucceeded, Output: []string{assetURL}, Pending: 5},
		"empty.png":    {Status: predict.StatusSucceeded},
		"gone.png":     {Status: predict.StatusSucceeded, Output: []string{"https://delivery.example.test/missing.png"}},
	})

	ids := []string{"ok.png", "failed.png", "canceled.png", "pending.png", "empty.png", "gone.png", "unsent.png", "absent.png"}
	jobs := NewSubmitter(f, stage, nil).Submit(context.Background(), ids[:6])
	jobs["unsent.png"] = NotSubmitted(errors.New("rejected"))

	r := NewReconciler(f, stage, nil)
	written := r.Reconcile(context.Background(), ids, jobs)
	assert.Equal(t, []string{"ok.png"}, written)
	assert.Equal(t, []string{"ok.png"}, listDir(t, out))

	// a second pass over the same map rewrites the same file
	written = r.Reconcile(context.Background(), ids, jobs)
	assert.Equal(t, []string{"ok.png"}, written)
	assert.Equal(t, []string{"ok.png"}, listDir(t, out))
	assert.Equal(t, 2, stage.writes["ok.png"])
	assert.FileExists(t, filepath.Join(out, "ok.png"))
}

func TestRemoteRunner_Process(t *testing.T) {
	out := t.TempDir()
	f := fakeProvider(t, map[string]predicttest.Result{
		"a.png": {Status: predict.StatusSucceeded, Output: []string{assetURL}, Pending: 2},
		"b.png": {Status: predict.StatusFailed, Error: "boom", Pending: 1},
	})
	runner := NewRemoteRunner(f, newDirStage(out), time.Millisecond, nil)

	require.NoError(t, runner.Process(context.Background(), []string{"a.png", "b.png", "c.png"}))
	assert.Equal(t, []string{"a.png", "c.png"}, listDir(t, out))
}

func TestRemoteRunner_NothingSubmitted(t *testing.T) {
	f := fakeProvider(t, nil)
	f.Reject = func(predicttest.Call) error { return errors.New("unauthorized") }

	runner := NewRemoteRunner(f, newDirStage(t.TempDir()), time.Millisecond, nil)
	assert.NoError(t, runner.Process(context.Background(), []string{"a.png"}))
	assert.Zero(t, f.Waits())
}
