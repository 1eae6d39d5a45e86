package pipeline

import (
	"sort"

	"github.com/chaos-io/scenepipe/predict"
)

// Job is the Job Map value for one filename: either a submitted prediction or
// the error that kept it from being submitted.
type Job struct {
	Prediction *predict.Prediction
	Err        error
}

func Submitted(p *predict.Prediction) Job { return Job{Prediction: p} }

func NotSubmitted(err error) Job { return Job{Err: err} }

// OK reports whether a real handle is present.
func (j Job) OK() bool { return j.Prediction != nil }

// JobMap is built once per iteration and dropped at its end.
type JobMap map[string]Job

// IDs returns the filenames in lexical order.
func (m JobMap) IDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handles returns the submitted predictions, ordered by filename.
func (m JobMap) Handles() []*predict.Prediction {
	var handles []*predict.Prediction
	for _, id := range m.IDs() {
		if j := m[id]; j.OK() {
			handles = append(handles, j.Prediction)
		}
	}
	return handles
}
