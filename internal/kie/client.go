package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/digkill/WellyBot/internal/config"
	"github.com/digkill/WellyBot/internal/metrics"
)

var (
	ErrUpload = errors.New("kie upload failed")
	ErrSubmit = errors.New("kie submit failed")
	ErrPoll   = errors.New("kie status fetch failed")
)

// Options holds the fixed generation parameters sent with every job.
type Options struct {
	APIKey       string
	BaseURL      string
	FileBaseURL  string
	Model        string
	Resolution   string
	AspectRatio  string
	OutputFormat string
	PollInterval time.Duration
	MaxPoll      time.Duration
	CallTimeout  time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		APIKey:       cfg.KIEAPIKey,
		BaseURL:      cfg.KIEBaseURL,
		FileBaseURL:  cfg.KIEFileBaseURL,
		Model:        cfg.KIEModel,
		Resolution:   cfg.KIEResolution,
		AspectRatio:  cfg.KIEAspectRatio,
		OutputFormat: cfg.KIEOutputFormat,
		PollInterval: cfg.KIEPollInterval,
		MaxPoll:      cfg.KIEMaxPoll,
		CallTimeout:  cfg.KIECallTimeout,
	}
}

type Client struct {
	opts       Options
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(opts Options, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = time.Minute
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	opts.FileBaseURL = strings.TrimRight(opts.FileBaseURL, "/")
	return &Client{
		opts:       opts,
		httpClient: httpClient,
		log:        log.With().Str("component", "kie").Logger(),
	}
}

// Upload streams a local file to the provider's file store and returns its public URL.
func (c *Client) Upload(ctx context.Context, localPath, destination string) (fileURL string, err error) {
	defer func() { metrics.RecordKIE("upload", err) }()

	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrUpload, localPath, err)
	}
	defer file.Close()

	fileName := filepath.Base(localPath)
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("uploadPath", destination); err != nil {
		return "", fmt.Errorf("%w: write form: %v", ErrUpload, err)
	}
	if err := writer.WriteField("fileName", fileName); err != nil {
		return "", fmt.Errorf("%w: write form: %v", ErrUpload, err)
	}
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("%w: create form file: %v", ErrUpload, err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("%w: copy file: %v", ErrUpload, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("%w: close form: %v", ErrUpload, err)
	}

	var resp struct {
		Data struct {
			DownloadURL string `json:"downloadUrl"`
			FileURL     string `json:"fileUrl"`
			URL         string `json:"url"`
		} `json:"data"`
	}
	endpoint := c.opts.FileBaseURL + "/api/file-stream-upload"
	status, raw, err := c.do(ctx, http.MethodPost, endpoint, writer.FormDataContentType(), &body, &resp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if status >= http.StatusBadRequest {
		c.log.Warn().Int("status", status).Str("body", truncateBody(raw)).Msg("kie upload rejected")
		return "", fmt.Errorf("%w: status=%d body=%s", ErrUpload, status, truncateBody(raw))
	}

	for _, candidate := range []string{resp.Data.DownloadURL, resp.Data.FileURL, resp.Data.URL} {
		if candidate != "" {
			return candidate, nil
		}
	}
	c.log.Warn().Str("body", truncateBody(raw)).Msg("kie upload response has no file url")
	return "", fmt.Errorf("%w: response has no file url", ErrUpload)
}

type createTaskInput struct {
	Prompt       string   `json:"prompt"`
	ImageInput   []string `json:"image_input"`
	AspectRatio  string   `json:"aspect_ratio"`
	Resolution   string   `json:"resolution"`
	OutputFormat string   `json:"output_format"`
}

type createTaskRequest struct {
	Model  string          `json:"model"`
	Input  createTaskInput `json:"input"`
	Config struct {
		ServiceMode string `json:"service_mode"`
	} `json:"config"`
}

// SubmitJob creates a generation task and returns the provider's task id.
func (c *Client) SubmitJob(ctx context.Context, prompt string, imageURLs []string) (jobID string, err error) {
	defer func() { metrics.RecordKIE("submit", err) }()

	payload := createTaskRequest{
		Model: c.opts.Model,
		Input: createTaskInput{
			Prompt:       prompt,
			ImageInput:   imageURLs,
			AspectRatio:  c.opts.AspectRatio,
			Resolution:   c.opts.Resolution,
			OutputFormat: c.opts.OutputFormat,
		},
	}
	payload.Config.ServiceMode = "public"
	if payload.Input.ImageInput == nil {
		payload.Input.ImageInput = []string{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: marshal payload: %v", ErrSubmit, err)
	}

	var resp struct {
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	status, raw, err := c.do(ctx, http.MethodPost, c.opts.BaseURL+"/api/v1/jobs/createTask", "application/json", bytes.NewReader(body), &resp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	if status >= http.StatusBadRequest {
		c.log.Warn().Int("status", status).Str("body", truncateBody(raw)).Msg("kie createTask rejected")
		return "", fmt.Errorf("%w: status=%d body=%s", ErrSubmit, status, truncateBody(raw))
	}
	if resp.Data.TaskID == "" {
		c.log.Warn().Str("body", truncateBody(raw)).Msg("kie createTask response has no taskId")
		return "", fmt.Errorf("%w: response has no taskId", ErrSubmit)
	}

	c.log.Info().Str("job_id", resp.Data.TaskID).Str("model", c.opts.Model).Int("images", len(imageURLs)).Msg("kie task created")
	return resp.Data.TaskID, nil
}

// FetchStatus performs a single recordInfo request and decodes it.
func (c *Client) FetchStatus(ctx context.Context, jobID string) (result *JobResult, terminal bool, err error) {
	defer func() { metrics.RecordKIE("status", err) }()

	endpoint := c.opts.BaseURL + "/api/v1/jobs/recordInfo?" + url.Values{"taskId": {jobID}}.Encode()
	var resp recordInfoResponse
	status, raw, err := c.do(ctx, http.MethodGet, endpoint, "", nil, &resp)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrPoll, err)
	}
	if status >= http.StatusBadRequest {
		c.log.Warn().Int("status", status).Str("job_id", jobID).Str("body", truncateBody(raw)).Msg("kie recordInfo rejected")
		return nil, false, fmt.Errorf("%w: status=%d body=%s", ErrPoll, status, truncateBody(raw))
	}
	result, terminal = resp.Data.decode()
	return result, terminal, nil
}

// PollUntilTerminal fetches the job status until the provider reports a terminal
// state or the poll budget is spent. Running out of budget is a normal result
// with State "timeout" and no images.
func (c *Client) PollUntilTerminal(ctx context.Context, jobID string) (*JobResult, error) {
	attempts := int(c.opts.MaxPoll/c.opts.PollInterval) + 1
	timer := time.NewTimer(c.opts.PollInterval)
	timer.Stop()
	defer timer.Stop()

	for attempt := 1; attempt <= attempts; attempt++ {
		result, terminal, err := c.FetchStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if terminal {
			c.log.Info().Str("job_id", jobID).Str("state", result.State).Int("attempt", attempt).Int("images", len(result.ImageURLs)).Msg("kie task finished")
			return result, nil
		}
		if attempt%10 == 1 {
			c.log.Debug().Str("job_id", jobID).Str("state", result.State).Int("attempt", attempt).Int("max_attempts", attempts).Msg("kie task waiting")
		}

		timer.Reset(c.opts.PollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	c.log.Warn().Str("job_id", jobID).Int("attempts", attempts).Msg("kie task poll budget exhausted")
	return &JobResult{State: StateTimeout, Phase: JobTimedOut, ImageURLs: []string{}}, nil
}

// do executes one request under its own deadline and decodes a JSON body when present.
func (c *Client) do(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < http.StatusBadRequest && out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, raw, fmt.Errorf("decode response: %w (body=%s)", err, truncateBody(raw))
		}
	}
	return resp.StatusCode, raw, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
