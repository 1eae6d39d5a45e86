package predict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	nhttp "github.com/chaos-io/scenepipe/util/http"
)

// Client is the provider boundary. Everything behind it is opaque to the
// pipeline.
type Client interface {
	// Create submits one prediction and returns its handle.
	Create(ctx context.Context, version string, input map[string]any) (*Prediction, error)
	// Reload refreshes p in place.
	Reload(ctx context.Context, p *Prediction) error
	// Wait blocks until p reaches a terminal status.
	Wait(ctx context.Context, p *Prediction) error
	// Fetch downloads one output artifact.
	Fetch(ctx context.Context, url string) ([]byte, error)
	// LatestVersion resolves the newest version id of an "owner/name" model.
	LatestVersion(ctx context.Context, model string) (string, error)
}

var errNotTerminal = errors.New("prediction not finished")

type Replicate struct {
	baseURL      string
	token        string
	pollInterval time.Duration
	timeout      time.Duration
	cli          nhttp.IClient
	logger       *slog.Logger
}

type Option func(*Replicate)

func WithHTTPClient(cli nhttp.IClient) Option {
	return func(r *Replicate) { r.cli = cli }
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Replicate) { r.pollInterval = d }
}

// WithRequestTimeout bounds every single request. Zero keeps the HTTP
// client's own timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Replicate) { r.timeout = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Replicate) { r.logger = logger }
}

func NewReplicate(baseURL, token string, opts ...Option) *Replicate {
	r := &Replicate{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		pollInterval: time.Second,
		cli:          nhttp.NewHTTPClient(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Replicate) header() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + r.token,
		"Content-Type":  "application/json",
	}
}

/*
	curl -s -X POST "$BASE_URL/predictions" \
	  -H "Authorization: Bearer $REPLICATE_API_TOKEN" \
	  -H "Content-Type: application/json" \
	  -d '{"version": "69bd40...", "input": {"input_image": "data:image/png;base64,..."}}'
*/
func (r *Replicate) Create(ctx context.Context, version string, input map[string]any) (*Prediction, error) {
	if version == "" {
		return nil, errors.New("create prediction: empty model version")
	}

	p := &Prediction{}
	err := r.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: r.baseURL + "/predictions",
		Method:     http.MethodPost,
		Header:     r.header(),
		Timeout:    r.timeout,
		Body:       map[string]any{"version": version, "input": input},
		Response:   p,
	})
	if err != nil {
		return nil, fmt.Errorf("create prediction: %w", err)
	}
	if p.ID == "" {
		return nil, errors.New("create prediction: response has no id")
	}

	r.logger.Debug("prediction created", "id", p.ID, "status", p.Status)
	return p, nil
}

func (r *Replicate) Reload(ctx context.Context, p *Prediction) error {
	if p == nil || p.ID == "" {
		return errors.New("reload prediction: missing id")
	}

	fresh := &Prediction{}
	err := r.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: r.baseURL + "/predictions/" + url.PathEscape(p.ID),
		Method:     http.MethodGet,
		Header:     r.header(),
		Timeout:    r.timeout,
		Response:   fresh,
	})
	if err != nil {
		return fmt.Errorf("reload prediction %s: %w", p.ID, err)
	}
	*p = *fresh
	return nil
}

// Wait polls p at a fixed interval. Reload failures are retried on the next
// tick; only ctx ends the wait early.
func (r *Replicate) Wait(ctx context.Context, p *Prediction) error {
	if p.Status.Terminal() {
		return nil
	}

	op := func() error {
		if err := r.Reload(ctx, p); err != nil {
			r.logger.Warn("reload failed, retrying", "id", p.ID, "error", err)
			return err
		}
		if !p.Status.Terminal() {
			return errNotTerminal
		}
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(r.pollInterval), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("wait prediction %s: %w", p.ID, err)
	}
	return nil
}

func (r *Replicate) Fetch(ctx context.Context, u string) ([]byte, error) {
	var data []byte
	err := r.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: u,
		Method:     http.MethodGet,
		Response:   &data,
		Timeout:    r.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	return data, nil
}

type modelResp struct {
	LatestVersion *struct {
		ID string `json:"id"`
	} `json:"latest_version"`
}

func (r *Replicate) LatestVersion(ctx context.Context, model string) (string, error) {
	owner, name, ok := strings.Cut(model, "/")
	if !ok || owner == "" || name == "" {
		return "", fmt.Errorf("model %q is not owner/name", model)
	}

	resp := &modelResp{}
	err := r.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: r.baseURL + "/models/" + url.PathEscape(owner) + "/" + url.PathEscape(name),
		Method:     http.MethodGet,
		Header:     r.header(),
		Timeout:    r.timeout,
		Response:   resp,
	})
	if err != nil {
		return "", fmt.Errorf("get model %s: %w", model, err)
	}
	if resp.LatestVersion == nil || resp.LatestVersion.ID == "" {
		return "", fmt.Errorf("model %s has no published version", model)
	}
	return resp.LatestVersion.ID, nil
}
