package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"studybatch/internal/provider"
)

const (
	defaultModel      = "gpt-4o-mini"
	defaultTimeout    = 120 * time.Second
	defaultMaxRetries = 2
	defaultWindow     = "24h"
	chatEndpoint      = "/v1/chat/completions"
	systemPrompt      = "Sei un assistente che analizza sezioni di documenti di studio. Restituisci un'analisi strutturata della sezione ricevuta."
)

// Config configures the OpenAI Batch API client.
type Config struct {
	APIKey          string
	Model           string
	BaseURL         string
	CostPer1KInput  float64
	CostPer1KOutput float64
	// CompletionWindow is the batch deadline the provider commits to. Defaults to 24h.
	CompletionWindow string
	Timeout          time.Duration
	MaxRetries       int
	HTTPClient       *http.Client
}

// Client implements provider.Client on top of the OpenAI Files and Batches APIs.
type Client struct {
	model           string
	window          string
	costPer1KInput  float64
	costPer1KOutput float64
	client          openai.Client
}

// NewClient constructs a batch client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModel
	}
	if strings.TrimSpace(cfg.CompletionWindow) == "" {
		cfg.CompletionWindow = defaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		model:           cfg.Model,
		window:          cfg.CompletionWindow,
		costPer1KInput:  cfg.CostPer1KInput,
		costPer1KOutput: cfg.CostPer1KOutput,
		client:          openai.NewClient(opts...),
	}, nil
}

// Name returns the provider identifier.
func (c *Client) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatBody struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	Temperature         *float64      `json:"temperature,omitempty"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
}

type requestLine struct {
	CustomID string   `json:"custom_id"`
	Method   string   `json:"method"`
	URL      string   `json:"url"`
	Body     chatBody `json:"body"`
}

// EncodeRequests renders the batch input file: one chat completion request per line.
func EncodeRequests(req provider.SubmitRequest, fallbackModel string) ([]byte, error) {
	model := strings.TrimSpace(req.Config.Model)
	if model == "" {
		model = fallbackModel
	}
	system := systemPrompt
	if extra := strings.TrimSpace(req.Config.Instructions); extra != "" {
		system += "\n\n" + extra
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range req.Items {
		user := item.Content
		if title := strings.TrimSpace(item.Title); title != "" {
			user = "Sezione: " + title + "\n\n" + item.Content
		}
		line := requestLine{
			CustomID: item.CustomID,
			Method:   http.MethodPost,
			URL:      chatEndpoint,
			Body: chatBody{
				Model: model,
				Messages: []chatMessage{
					{Role: "system", Content: system},
					{Role: "user", Content: user},
				},
				Temperature:         req.Config.Temperature,
				MaxCompletionTokens: req.Config.MaxTokens,
			},
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("encode batch line %s: %w", item.CustomID, err)
		}
	}
	return buf.Bytes(), nil
}

// Submit uploads the input file and creates the batch.
func (c *Client) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	if len(req.Items) == 0 {
		return "", provider.Rejected("submit", errors.New("batch has no items"))
	}
	payload, err := EncodeRequests(req, c.model)
	if err != nil {
		return "", provider.Rejected("submit", err)
	}

	file, err := c.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(payload), "batch-"+req.JobID+".jsonl", "application/jsonl"),
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return "", classify("upload input file", err)
	}

	batch, err := c.client.Batches.New(ctx, openai.BatchNewParams{
		CompletionWindow: openai.BatchNewParamsCompletionWindow(c.window),
		Endpoint:         openai.BatchNewParamsEndpointV1ChatCompletions,
		InputFileID:      file.ID,
	})
	if err != nil {
		return "", classify("create batch", err)
	}
	return batch.ID, nil
}

// Fetch reads the batch and, once output files exist, its per-item results.
func (c *Client) Fetch(ctx context.Context, handle string) (provider.Snapshot, error) {
	batch, err := c.client.Batches.Get(ctx, handle)
	if err != nil {
		return provider.Snapshot{}, provider.Unavailable("get batch", err)
	}

	snap := provider.Snapshot{
		Handle:    batch.ID,
		Status:    mapStatus(string(batch.Status)),
		Total:     int(batch.RequestCounts.Total),
		Completed: int(batch.RequestCounts.Completed),
		Failed:    int(batch.RequestCounts.Failed),
	}
	if len(batch.Errors.Data) > 0 {
		msgs := make([]string, 0, len(batch.Errors.Data))
		for _, e := range batch.Errors.Data {
			msgs = append(msgs, strings.TrimSpace(e.Code+" "+e.Message))
		}
		snap.Error = strings.Join(msgs, "; ")
	}

	var latencyMs int64
	if batch.InProgressAt > 0 && batch.CompletedAt > batch.InProgressAt {
		latencyMs = (batch.CompletedAt - batch.InProgressAt) * 1000
	}
	for _, fileID := range []string{batch.OutputFileID, batch.ErrorFileID} {
		if fileID == "" {
			continue
		}
		items, err := c.downloadResults(ctx, fileID, latencyMs)
		if err != nil {
			return provider.Snapshot{}, err
		}
		snap.Items = append(snap.Items, items...)
	}
	return snap, nil
}

// Cancel requests cancellation of the batch.
func (c *Client) Cancel(ctx context.Context, handle string) error {
	if _, err := c.client.Batches.Cancel(ctx, handle); err != nil {
		return classify("cancel batch", err)
	}
	return nil
}

type resultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type completionBody struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) downloadResults(ctx context.Context, fileID string, latencyMs int64) ([]provider.ItemResult, error) {
	var raw []byte
	err := retry.Do(
		func() error {
			resp, err := c.client.Files.Content(ctx, fileID)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			raw = data
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.RetryIf(isTransient),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, provider.Unavailable("download "+fileID, err)
	}
	return c.ParseResults(raw, latencyMs)
}

// ParseResults decodes an output or error file into item results.
func (c *Client) ParseResults(raw []byte, latencyMs int64) ([]provider.ItemResult, error) {
	var out []provider.ItemResult
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var parsed resultLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			return nil, provider.Unavailable("parse result line", err)
		}
		if parsed.CustomID == "" {
			continue
		}
		out = append(out, c.toItemResult(parsed, latencyMs))
	}
	if err := scanner.Err(); err != nil {
		return nil, provider.Unavailable("scan results", err)
	}
	return out, nil
}

func (c *Client) toItemResult(line resultLine, latencyMs int64) provider.ItemResult {
	res := provider.ItemResult{CustomID: line.CustomID, LatencyMs: latencyMs}
	if line.Error != nil {
		res.Error = strings.TrimSpace(line.Error.Code + " " + line.Error.Message)
		return res
	}
	if line.Response == nil {
		res.Error = "missing response"
		return res
	}
	var body completionBody
	if err := json.Unmarshal(line.Response.Body, &body); err != nil {
		res.Error = "invalid response body: " + err.Error()
		return res
	}
	if body.Usage != nil {
		res.TokensIn = body.Usage.PromptTokens
		res.TokensOut = body.Usage.CompletionTokens
		res.Cost = float64(res.TokensIn)/1000*c.costPer1KInput + float64(res.TokensOut)/1000*c.costPer1KOutput
	}
	if line.Response.StatusCode != http.StatusOK {
		res.Error = fmt.Sprintf("http status %d", line.Response.StatusCode)
		if body.Error != nil && body.Error.Message != "" {
			res.Error += ": " + body.Error.Message
		}
		return res
	}
	if len(body.Choices) == 0 || strings.TrimSpace(body.Choices[0].Message.Content) == "" {
		res.Error = "empty completion"
		return res
	}
	res.Succeeded = true
	res.Output = strings.TrimSpace(body.Choices[0].Message.Content)
	return res
}

func mapStatus(raw string) provider.Status {
	switch raw {
	case "validating":
		return provider.StatusQueued
	case "in_progress", "finalizing", "cancelling":
		// A cancelling batch may still publish output for finished items.
		return provider.StatusProcessing
	case "completed":
		return provider.StatusCompleted
	case "failed", "expired":
		return provider.StatusFailed
	case "cancelled":
		return provider.StatusCancelled
	default:
		return provider.StatusProcessing
	}
}

func classify(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
			return provider.Rejected(op, err)
		}
	}
	return provider.Unavailable(op, err)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof")
}

var _ provider.Client = (*Client)(nil)
