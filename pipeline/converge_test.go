package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/scenepipe/predict"
	"github.com/chaos-io/scenepipe/predict/predicttest"
)

// touchProcessor writes an output for every id except those in fail.
type touchProcessor struct {
	t     *testing.T
	dir   string
	fail  map[string]bool
	calls [][]string
	err   error
}

func (p *touchProcessor) Process(ctx context.Context, ids []string) error {
	p.calls = append(p.calls, append([]string(nil), ids...))
	for _, id := range ids {
		if p.fail[id] {
			continue
		}
		writeImages(p.t, p.dir, id)
	}
	return p.err
}

func TestConverger_Converges(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeImages(t, in, "a.png", "b.png", "c.png")
	proc := &touchProcessor{t: t, dir: out}

	c := NewConverger("test", DirSnapshot(in), DirSnapshot(out), proc, ConvergeOptions{}, nil)
	report, err := c.Converge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Iterations)
	assert.Empty(t, report.Missing)
	assert.Equal(t, [][]string{{"a.png", "b.png", "c.png"}}, proc.calls)
	assert.Equal(t, []string{"a.png", "b.png", "c.png"}, listDir(t, out))

	// nothing missing on a second run
	report, err = c.Converge(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Iterations)
	assert.Len(t, proc.calls, 1)
}

func TestConverger_OnlyMissingAreProcessed(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeImages(t, in, "a.png", "b.png", "c.png")
	writeImages(t, out, "b.png", "stray.png")
	proc := &touchProcessor{t: t, dir: out}

	c := NewConverger("test", DirSnapshot(in), DirSnapshot(out), proc, ConvergeOptions{}, nil)
	missing, err := c.Missing()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "c.png"}, missing)

	_, err = c.Converge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a.png", "c.png"}}, proc.calls)
}

func TestConverger_IterationLimit(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeImages(t, in, "a.png", "b.png", "c.png")
	proc := &touchProcessor{t: t, dir: out, fail: map[string]bool{"b.png": true}}

	c := NewConverger("test", DirSnapshot(in), DirSnapshot(out), proc, ConvergeOptions{MaxIterations: 5}, nil)
	report, err := c.Converge(context.Background())
	assert.ErrorIs(t, err, ErrIterationLimit)
	assert.Equal(t, 5, report.Iterations)
	assert.Equal(t, []string{"b.png"}, report.Missing)
	assert.Len(t, proc.calls, 5)
	for _, call := range proc.calls[1:] {
		assert.Equal(t, []string{"b.png"}, call)
	}
}

func TestConverger_RemoteJobAlwaysFails(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeImages(t, in, "a.png", "b.png", "c.png")
	f := fakeProvider(t, map[string]predicttest.Result{
		"b.png": {Status: predict.StatusFailed, Error: "CUDA out of memory", Pending: 2},
	})
	runner := NewRemoteRunner(f, newDirStage(out), time.Millisecond, nil)

	c := NewConverger("test", DirSnapshot(in), DirSnapshot(out), runner, ConvergeOptions{MaxIterations: 4}, nil)
	report, err := c.Converge(context.Background())
	assert.ErrorIs(t, err, ErrIterationLimit)
	assert.Equal(t, 4, report.Iterations)
	assert.Equal(t, []string{"b.png"}, report.Missing)
	assert.Equal(t, []string{"a.png", "c.png"}, listDir(t, out))

	perFile := map[string]int{}
	for _, call := range f.Calls() {
		perFile[call.Input["id"].(string)]++
	}
	assert.Equal(t, map[string]int{"a.png": 1, "b.png": 4, "c.png": 1}, perFile)
}

func TestConverger_AbandonsAfterMaxAttempts(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeImages(t, in, "a.png", "b.png", "c.png")
	proc := &touchProcessor{t: t, dir: out, fail: map[string]bool{"b.png": true}}

	c := NewConverger("test", DirSnapshot(in), DirSnapshot(out), proc, ConvergeOptions{MaxIterations: 10, MaxAttempts: 3}, nil)
	report, err := c.Converge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Iterations)
	assert.Empty(t, report.Missing)
	assert.Equal(t, []string{"b.png"}, report.Abandoned)
	assert.NoFileExists(t, filepath.Join(out, "b.png"))
}

func TestConverger_ProcessErrorIsNotFatal(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeImages(t, in, "a.png")
	proc := &touchProcessor{t: t, dir: out, err: errors.New("provider down")}

	c := NewConverger("test", DirSnapshot(in), DirSnapshot(out), proc, ConvergeOptions{MaxIterations: 2}, nil)
	_, err := c.Converge(context.Background())
	assert.NoError(t, err)
}

func TestConverger_Cancel(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeImages(t, in, "a.png")
	proc := &touchProcessor{t: t, dir: out, fail: map[string]bool{"a.png": true}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := ConvergeOptions{Backoff: BackoffFor(time.Millisecond, 5*time.Millisecond)}
	c := NewConverger("test", DirSnapshot(in), DirSnapshot(out), proc, opts, nil)
	report, err := c.Converge(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Iterations)
}

func TestConverger_SnapshotError(t *testing.T) {
	out := t.TempDir()
	c := NewConverger("test", DirSnapshot(filepath.Join(out, "missing")), DirSnapshot(out), &touchProcessor{t: t, dir: out}, ConvergeOptions{}, nil)
	_, err := c.Converge(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSnapshots(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	writeImages(t, a, "x.png", "y.png")
	writeImages(t, b, "y.png", "z.png")

	both, err := Intersect(DirSnapshot(a), DirSnapshot(b))()
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"y.png": {}}, both)

	fixed, err := Fixed("one.png", "one.png")()
	require.NoError(t, err)
	assert.Len(t, fixed, 1)
}

func TestBackoffFor(t *testing.T) {
	assert.Nil(t, BackoffFor(0, time.Second))
	b := BackoffFor(time.Millisecond, 2*time.Millisecond)
	require.NotNil(t, b)
	// the first delay comes from initial, randomized by at most half
	assert.LessOrEqual(t, b.NextBackOff(), 1500*time.Microsecond)
	for i := 0; i < 5; i++ {
		assert.LessOrEqual(t, b.NextBackOff(), 3*time.Millisecond)
	}
}

var _ BatchConverger = (*Converger)(nil)
var _ Processor = (*RemoteRunner)(nil)
var _ Processor = (*LocalMaskGen)(nil)
var _ JobRunner = (*RemoteRunner)(nil)
