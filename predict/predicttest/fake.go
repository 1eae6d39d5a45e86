// Package predicttest provides an in-memory prediction provider.
package predicttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/ksuid"

	"github.com/chaos-io/scenepipe/predict"
)

// Result scripts how one prediction plays out. The prediction reports
// "processing" for Pending reloads, then settles on Status.
type Result struct {
	Status  predict.Status
	Output  []string
	Error   string
	Pending int
	// ReloadErrors makes that many reloads fail before any progress is made.
	ReloadErrors int
}

// Call records one Create.
type Call struct {
	Version string
	Input   map[string]any
}

type Fake struct {
	// Outcome scripts each submission. A nil Outcome succeeds immediately with
	// no output.
	Outcome func(call Call) Result
	// Reject, when it returns an error, makes Create fail.
	Reject func(call Call) error
	// Assets maps output URLs to their content.
	Assets map[string][]byte
	// Latest answers LatestVersion.
	Latest string

	mu      sync.Mutex
	calls   []Call
	reloads int
	waits   int
	state   map[string]*entry
}

type entry struct {
	result  Result
	pending int
	errs    int
}

func (f *Fake) Create(_ context.Context, version string, input map[string]any) (*predict.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := Call{Version: version, Input: input}
	f.calls = append(f.calls, call)
	if f.Reject != nil {
		if err := f.Reject(call); err != nil {
			return nil, err
		}
	}

	res := Result{Status: predict.StatusSucceeded}
	if f.Outcome != nil {
		res = f.Outcome(call)
	}
	if f.state == nil {
		f.state = make(map[string]*entry)
	}
	id := ksuid.New().String()
	e := &entry{result: res, pending: res.Pending, errs: res.ReloadErrors}
	f.state[id] = e

	p := &predict.Prediction{ID: id, Version: version}
	e.apply(p)
	return p, nil
}

func (e *entry) apply(p *predict.Prediction) {
	if e.pending > 0 {
		p.Status = predict.StatusProcessing
		p.Output = nil
		p.Error = ""
		return
	}
	p.Status = e.result.Status
	p.Output = append(predict.Output(nil), e.result.Output...)
	p.Error = e.result.Error
}

func (f *Fake) Reload(_ context.Context, p *predict.Prediction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reloads++
	e, ok := f.state[p.ID]
	if !ok {
		return fmt.Errorf("prediction %s not found", p.ID)
	}
	if e.errs > 0 {
		e.errs--
		return errors.New("connection reset by peer")
	}
	if e.pending > 0 {
		e.pending--
	}
	e.apply(p)
	return nil
}

func (f *Fake) Wait(ctx context.Context, p *predict.Prediction) error {
	f.mu.Lock()
	f.waits++
	_, known := f.state[p.ID]
	f.mu.Unlock()
	if !known {
		return fmt.Errorf("prediction %s not found", p.ID)
	}

	for !p.Status.Terminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = f.Reload(ctx, p)
	}
	return nil
}

func (f *Fake) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.Assets[url]
	if !ok {
		return nil, fmt.Errorf("fetch %s: HTTP request failed with status 404", url)
	}
	return data, nil
}

func (f *Fake) LatestVersion(_ context.Context, model string) (string, error) {
	if f.Latest == "" {
		return "", fmt.Errorf("model %s has no published version", model)
	}
	return f.Latest, nil
}

// Calls returns every Create seen so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *Fake) Reloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads
}

func (f *Fake) Waits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waits
}

var _ predict.Client = (*Fake)(nil)
