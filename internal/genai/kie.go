package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type KIEConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	AspectRatio  string
	Resolution   string
	Timeout      time.Duration
	PollInterval time.Duration
	MaxAttempts  int
}

// KIE generates images through the kie.ai job API. A job is created and then
// polled until it succeeds, fails or runs out of attempts.
type KIE struct {
	cfg        KIEConfig
	httpClient *http.Client
	log        *slog.Logger
}

func NewKIE(cfg KIEConfig, log *slog.Logger) (*KIE, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("kie api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.kie.ai"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "nano-banana-pro"
	}
	if cfg.AspectRatio == "" {
		cfg.AspectRatio = "1:1"
	}
	if cfg.Resolution == "" {
		cfg.Resolution = "1K"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 60
	}
	return &KIE{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}, log: log}, nil
}

func (k *KIE) GenerateImage(ctx context.Context, prompt string) (*Image, error) {
	cleaned := CleanImagePrompt(prompt)
	if cleaned == "" {
		return nil, errors.New("empty image prompt")
	}
	payload := map[string]any{
		"model": k.cfg.Model,
		"input": map[string]any{
			"prompt":        cleaned,
			"aspect_ratio":  k.cfg.AspectRatio,
			"resolution":    k.cfg.Resolution,
			"output_format": "png",
		},
	}

	taskID, err := k.createTask(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return k.pollTask(ctx, taskID)
}

type kieEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (k *KIE) do(ctx context.Context, method, path string, query url.Values, body []byte) (json.RawMessage, error) {
	endpoint := k.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+k.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s kie: %w", strings.ToLower(method), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		k.log.Error("kie request failed", "status", resp.StatusCode, "path", path, "body", truncateBody(raw))
		return nil, fmt.Errorf("kie error: status=%d path=%s", resp.StatusCode, path)
	}

	var env kieEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w (body=%s)", err, truncateBody(raw))
	}
	if env.Code != http.StatusOK {
		return nil, fmt.Errorf("kie error: code=%d msg=%s", env.Code, env.Msg)
	}
	return env.Data, nil
}

func (k *KIE) createTask(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	data, err := k.do(ctx, http.MethodPost, "/api/v1/jobs/createTask", nil, body)
	if err != nil {
		return "", err
	}

	var created struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("decode task: %w", err)
	}
	if created.TaskID == "" {
		return "", errors.New("empty taskId in response")
	}
	k.log.Info("kie task created", "task_id", created.TaskID, "model", k.cfg.Model)
	return created.TaskID, nil
}

func (k *KIE) pollTask(ctx context.Context, taskID string) (*Image, error) {
	query := url.Values{"taskId": {taskID}}

	for attempt := 0; attempt < k.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(k.cfg.PollInterval):
			}
		}

		data, err := k.do(ctx, http.MethodGet, "/api/v1/jobs/recordInfo", query, nil)
		if err != nil {
			return nil, fmt.Errorf("get task status: %w", err)
		}
		var status struct {
			State      string `json:"state"`
			ResultJSON string `json:"resultJson"`
			FailCode   string `json:"failCode"`
			FailMsg    string `json:"failMsg"`
		}
		if err := json.Unmarshal(data, &status); err != nil {
			return nil, fmt.Errorf("decode task status: %w", err)
		}

		switch status.State {
		case "success":
			var result struct {
				ResultURLs []string `json:"resultUrls"`
			}
			if err := json.Unmarshal([]byte(status.ResultJSON), &result); err != nil {
				return nil, fmt.Errorf("parse resultJson: %w", err)
			}
			if len(result.ResultURLs) == 0 {
				return nil, errors.New("no resultUrls in result")
			}
			k.log.Info("kie task completed", "task_id", taskID, "attempt", attempt+1)
			return &Image{URL: result.ResultURLs[0], Mime: "image/png"}, nil
		case "fail":
			msg := status.FailMsg
			if msg == "" {
				msg = "unknown error"
			}
			k.log.Error("kie task failed", "task_id", taskID, "fail_code", status.FailCode, "fail_msg", msg)
			return nil, fmt.Errorf("task failed: %s (code: %s)", msg, status.FailCode)
		case "waiting", "generating", "processing", "queued", "queueing":
			if attempt%10 == 0 {
				k.log.Info("kie task waiting", "task_id", taskID, "attempt", attempt+1, "max_attempts", k.cfg.MaxAttempts)
			}
		default:
			return nil, fmt.Errorf("unknown task state: %s", status.State)
		}
	}
	return nil, fmt.Errorf("task timeout after %d attempts", k.cfg.MaxAttempts)
}
