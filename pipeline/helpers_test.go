package pipeline

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chaos-io/scenepipe/predict"
	"github.com/chaos-io/scenepipe/predict/predicttest"
	"github.com/chaos-io/scenepipe/util"
)

// dirStage submits {"id": id} and writes the first output into dir.
type dirStage struct {
	dir      string
	inputErr map[string]error
	writes   map[string]int
}

func newDirStage(dir string) *dirStage {
	return &dirStage{dir: dir, inputErr: map[string]error{}, writes: map[string]int{}}
}

func (s *dirStage) Name() string    { return "test" }
func (s *dirStage) Version() string { return "v-test" }

func (s *dirStage) Input(id string) (map[string]any, error) {
	if err := s.inputErr[id]; err != nil {
		return nil, err
	}
	return map[string]any{"id": id}, nil
}

func (s *dirStage) Write(id string, outputs []image.Image) error {
	if len(outputs) == 0 {
		return errNoOutput
	}
	s.writes[id]++
	return util.SaveImage(filepath.Join(s.dir, id), outputs[0])
}

const assetURL = "https://delivery.example.test/out.png"

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	data, err := util.EncodePNG(img)
	require.NoError(t, err)
	return data
}

// fakeProvider succeeds every submission with one white image unless outcome
// says otherwise for that id.
func fakeProvider(t *testing.T, outcome map[string]predicttest.Result) *predicttest.Fake {
	t.Helper()
	return &predicttest.Fake{
		Assets: map[string][]byte{assetURL: pngBytes(t, solid(2, 2, color.NRGBA{R: 255, G: 255, B: 255, A: 255}))},
		Outcome: func(call predicttest.Call) predicttest.Result {
			id, _ := call.Input["id"].(string)
			if res, ok := outcome[id]; ok {
				return res
			}
			return predicttest.Result{Status: predict.StatusSucceeded, Output: []string{assetURL}}
		},
	}
}

func writeImages(t *testing.T, dir string, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range names {
		require.NoError(t, util.SaveImage(filepath.Join(dir, name), solid(4, 4, color.NRGBA{R: 120, G: 80, B: 40, A: 255})))
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	set, err := util.ListImages(dir)
	require.NoError(t, err)
	return util.SortedNames(set)
}
