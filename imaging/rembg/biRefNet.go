package rembg

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/ksuid"

	"github.com/chaos-io/scenepipe/util"
	nhttp "github.com/chaos-io/scenepipe/util/http"
)

const (
	BiRefNetModel    = "BiRefNet"
	imagePlaceholder = "MyImage.png"
)

//go:embed workflow.json
var workflowData string

var errNoOutput = errors.New("workflow has no output yet")

// BiRefNetRemBG 通过 ComfyUI 上的 BiRefNet 工作流抠图
type BiRefNetRemBG struct {
	baseURL      string
	pollInterval time.Duration
	maxWait      time.Duration
	cli          nhttp.IClient
	logger       *slog.Logger
}

func NewBiRefNetRemBG(baseURL string, pollInterval, maxWait time.Duration, logger *slog.Logger) *BiRefNetRemBG {
	if logger == nil {
		logger = slog.Default()
	}
	return &BiRefNetRemBG{
		baseURL:      strings.TrimRight(baseURL, "/"),
		pollInterval: pollInterval,
		maxWait:      maxWait,
		cli:          nhttp.NewHTTPClient(),
		logger:       logger,
	}
}

func (b *BiRefNetRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	data, err := util.EncodePNG(img)
	if err != nil {
		return nil, err
	}

	name, err := b.uploadImage(ctx, ksuid.New().String()+".png", data)
	if err != nil {
		return nil, err
	}

	promptID, err := b.prompt(ctx, name)
	if err != nil {
		return nil, err
	}

	out, err := b.waitOutput(ctx, promptID)
	if err != nil {
		return nil, err
	}

	return b.view(ctx, out)
}

type uploadImageResp struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}%
*/
func (b *BiRefNetRemBG) uploadImage(ctx context.Context, filename string, data []byte) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	_ = writer.WriteField("type", "input")
	_ = writer.WriteField("overwrite", "true")
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	resp := &uploadImageResp{}
	err = b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + "/api/upload/image",
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   resp,
	})
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}

	b.logger.Debug("image uploaded", "name", resp.Name, "subfolder", resp.Subfolder)
	if resp.Subfolder != "" {
		return resp.Subfolder + "/" + resp.Name, nil
	}
	return resp.Name, nil
}

type promptResp struct {
	PromptID string `json:"prompt_id"`
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"'}'
*/
func (b *BiRefNetRemBG) prompt(ctx context.Context, imageName string) (string, error) {
	wk := map[string]any{}
	if err := json.Unmarshal([]byte(workflowData), &wk); err != nil {
		return "", fmt.Errorf("unmarshal workflow data: %w", err)
	}
	if err := setWorkflowImage(wk, imageName); err != nil {
		return "", err
	}

	resp := &promptResp{}
	err := b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + "/api/prompt",
		Method:     http.MethodPost,
		Body:       map[string]any{"prompt": wk},
		Response:   resp,
	})
	if err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	if resp.PromptID == "" {
		return "", errors.New("queue prompt: empty prompt_id")
	}

	b.logger.Debug("prompt queued", "prompt_id", resp.PromptID)
	return resp.PromptID, nil
}

// setWorkflowImage 把 LoadImage 节点的占位图片换成上传后的文件名
func setWorkflowImage(wk map[string]any, imageName string) error {
	for _, node := range wk {
		n, ok := node.(map[string]any)
		if !ok {
			continue
		}
		inputs, ok := n["inputs"].(map[string]any)
		if !ok {
			continue
		}
		if inputs["image"] == imagePlaceholder {
			inputs["image"] = imageName
			return nil
		}
	}
	return errors.New("workflow has no LoadImage placeholder")
}

type outputImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []outputImage `json:"images"`
	} `json:"outputs"`
}

// waitOutput 轮询 /api/history/{prompt_id}，直到工作流产出图片
func (b *BiRefNetRemBG) waitOutput(ctx context.Context, promptID string) (outputImage, error) {
	var out outputImage
	op := func() error {
		history := map[string]historyEntry{}
		err := b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
			RequestURI: b.baseURL + "/api/history/" + url.PathEscape(promptID),
			Method:     http.MethodGet,
			Response:   &history,
		})
		if err != nil {
			return err
		}

		entry, ok := history[promptID]
		if !ok {
			return errNoOutput
		}
		if entry.Status.StatusStr == "error" {
			return backoff.Permanent(fmt.Errorf("workflow %s failed", promptID))
		}
		for _, o := range entry.Outputs {
			if len(o.Images) > 0 {
				out = o.Images[0]
				return nil
			}
		}
		if entry.Status.Completed {
			return backoff.Permanent(fmt.Errorf("workflow %s finished without images", promptID))
		}
		return errNoOutput
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.pollInterval
	eb.MaxInterval = 4 * b.pollInterval
	eb.MaxElapsedTime = b.maxWait
	if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
		return outputImage{}, fmt.Errorf("wait %s output: %w", BiRefNetModel, err)
	}
	return out, nil
}

func (b *BiRefNetRemBG) view(ctx context.Context, out outputImage) (image.Image, error) {
	q := url.Values{}
	q.Set("filename", out.Filename)
	q.Set("subfolder", out.Subfolder)
	q.Set("type", out.Type)

	var data []byte
	err := b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + "/api/view?" + q.Encode(),
		Method:     http.MethodGet,
		Response:   &data,
	})
	if err != nil {
		return nil, fmt.Errorf("view output: %w", err)
	}
	return util.DecodeImage(data)
}
