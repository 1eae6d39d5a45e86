package predict

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	nhttp "github.com/chaos-io/scenepipe/util/http"
	"github.com/chaos-io/scenepipe/util/http/mocks"
)

const baseURL = "https://api.example.test/v1"

// respond decodes raw into the request's Response, the way the real client does.
func respond(raw string) func(context.Context, *nhttp.RequestParam) error {
	return func(_ context.Context, p *nhttp.RequestParam) error {
		return json.Unmarshal([]byte(raw), p.Response)
	}
}

func TestOutput_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Output
	}{
		{"list", `{"output": ["https://a/1.png", "https://a/2.png"]}`, Output{"https://a/1.png", "https://a/2.png"}},
		{"single string", `{"output": "https://a/mask.png"}`, Output{"https://a/mask.png"}},
		{"null", `{"output": null}`, nil},
		{"missing", `{}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Prediction
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &p))
			assert.Equal(t, tt.want, p.Output)
		})
	}

	var p Prediction
	assert.Error(t, json.Unmarshal([]byte(`{"output": 42}`), &p))
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusStarting.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCanceled.Terminal())
}

func TestReplicate_Create(t *testing.T) {
	ctrl := gomock.NewController(t)
	cli := mocks.NewMockIClient(ctrl)
	r := NewReplicate(baseURL+"/", "tok", WithHTTPClient(cli))

	cli.EXPECT().DoHTTPRequest(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, p *nhttp.RequestParam) error {
			assert.Equal(t, baseURL+"/predictions", p.RequestURI)
			assert.Equal(t, http.MethodPost, p.Method)
			assert.Equal(t, "Bearer tok", p.Header["Authorization"])
			body := p.Body.(map[string]any)
			assert.Equal(t, "v1", body["version"])
			assert.Equal(t, map[string]any{"prompt": "lake"}, body["input"])
			return respond(`{"id": "p1", "status": "starting", "output": null, "error": null}`)(ctx, p)
		})

	got, err := r.Create(context.Background(), "v1", map[string]any{"prompt": "lake"})
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
	assert.Equal(t, StatusStarting, got.Status)
}

func TestReplicate_CreateRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	cli := mocks.NewMockIClient(ctrl)
	r := NewReplicate(baseURL, "tok", WithHTTPClient(cli))

	cli.EXPECT().DoHTTPRequest(gomock.Any(), gomock.Any()).
		Return(errors.New("HTTP request failed with status 422: invalid version"))

	_, err := r.Create(context.Background(), "v1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")

	_, err = r.Create(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestReplicate_WaitRetriesTransientErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	cli := mocks.NewMockIClient(ctrl)
	r := NewReplicate(baseURL, "tok", WithHTTPClient(cli), WithPollInterval(time.Millisecond))

	gomock.InOrder(
		cli.EXPECT().DoHTTPRequest(gomock.Any(), gomock.Any()).
			DoAndReturn(respond(`{"id": "p1", "status": "processing"}`)),
		cli.EXPECT().DoHTTPRequest(gomock.Any(), gomock.Any()).
			Return(errors.New("connection reset by peer")),
		cli.EXPECT().DoHTTPRequest(gomock.Any(), gomock.Any()).
			DoAndReturn(respond(`{"id": "p1", "status": "failed", "error": "CUDA out of memory"}`)),
	)

	p := &Prediction{ID: "p1", Status: StatusStarting}
	require.NoError(t, r.Wait(context.Background(), p))
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "CUDA out of memory", p.Error)
}

func TestReplicate_WaitHonoursContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	cli := mocks.NewMockIClient(ctrl)
	r := NewReplicate(baseURL, "tok", WithHTTPClient(cli), WithPollInterval(5*time.Millisecond))

	cli.EXPECT().DoHTTPRequest(gomock.Any(), gomock.Any()).
		DoAndReturn(respond(`{"id": "p1", "status": "processing"}`)).AnyTimes()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := r.Wait(ctx, &Prediction{ID: "p1", Status: StatusStarting})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReplicate_Fetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	cli := mocks.NewMockIClient(ctrl)
	r := NewReplicate(baseURL, "tok", WithHTTPClient(cli))

	cli.EXPECT().DoHTTPRequest(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, p *nhttp.RequestParam) error {
			assert.Equal(t, "https://delivery.example.test/out-0.png", p.RequestURI)
			*(p.Response.(*[]byte)) = []byte("png-bytes")
			return nil
		})

	data, err := r.Fetch(context.Background(), "https://delivery.example.test/out-0.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
}

func TestReplicate_LatestVersion(t *testing.T) {
	ctrl := gomock.NewController(t)
	cli := mocks.NewMockIClient(ctrl)
	r := NewReplicate(baseURL, "tok", WithHTTPClient(cli))

	cli.EXPECT().DoHTTPRequest(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, p *nhttp.RequestParam) error {
			assert.Equal(t, baseURL+"/models/stability-ai/stable-diffusion", p.RequestURI)
			return respond(`{"latest_version": {"id": "ac732df8"}}`)(ctx, p)
		})

	v, err := r.LatestVersion(context.Background(), "stability-ai/stable-diffusion")
	require.NoError(t, err)
	assert.Equal(t, "ac732df8", v)

	_, err = r.LatestVersion(context.Background(), "no-slash")
	assert.Error(t, err)
}

func TestReplicate_RequestTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	cli := mocks.NewMockIClient(ctrl)
	r := NewReplicate(baseURL, "tok", WithHTTPClient(cli), WithRequestTimeout(7*time.Second))

	cli.EXPECT().DoHTTPRequest(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, p *nhttp.RequestParam) error {
			assert.Equal(t, 7*time.Second, p.Timeout)
			return respond(`{"id": "p1", "status": "succeeded"}`)(ctx, p)
		})

	p := &Prediction{ID: "p1", Status: StatusProcessing}
	require.NoError(t, r.Reload(context.Background(), p))
	assert.Equal(t, StatusSucceeded, p.Status)
}
