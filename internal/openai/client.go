package openai

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
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	assistantsBeta    = "assistants=v2"
	transcriptionType = "whisper-1"
)

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Client is a thin HTTP client over the subset of the OpenAI API this
// application uses: the Assistants beta (threads, messages, runs, tool
// outputs) and audio transcription.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	return &Client{
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 90 * time.Second},
	}
}

// APIError carries the HTTP status alongside the provider's error message so
// callers can classify rate limits and busy-thread conflicts.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai: %d %s", e.StatusCode, e.Message)
}

func IsRateLimit(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

func (c *Client) CreateThread(ctx context.Context) (Thread, error) {
	var thread Thread
	err := c.doJSON(ctx, http.MethodPost, "/threads", map[string]any{}, &thread)
	return thread, err
}

func (c *Client) CreateAssistant(ctx context.Context, req AssistantRequest) (Assistant, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	var assistant Assistant
	err := c.doJSON(ctx, http.MethodPost, "/assistants", req, &assistant)
	return assistant, err
}

func (c *Client) CreateMessage(ctx context.Context, threadID string, req MessageRequest) (Message, error) {
	var msg Message
	err := c.doJSON(ctx, http.MethodPost, "/threads/"+threadID+"/messages", req, &msg)
	return msg, err
}

func (c *Client) CreateRun(ctx context.Context, threadID string, req RunRequest) (Run, error) {
	var run Run
	err := c.doJSON(ctx, http.MethodPost, "/threads/"+threadID+"/runs", req, &run)
	return run, err
}

func (c *Client) RetrieveRun(ctx context.Context, threadID, runID string) (Run, error) {
	var run Run
	err := c.doJSON(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &run)
	return run, err
}

func (c *Client) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (Run, error) {
	var run Run
	payload := map[string]any{"tool_outputs": outputs}
	err := c.doJSON(ctx, http.MethodPost, "/threads/"+threadID+"/runs/"+runID+"/submit_tool_outputs", payload, &run)
	return run, err
}

// ListMessages returns up to limit messages on the thread. Order is "asc" or
// "desc" as defined by the provider; a non-empty after is the cursor for the
// next page (the previous page's last_id).
func (c *Client) ListMessages(ctx context.Context, threadID string, limit int, order, after string) (MessageList, error) {
	var list MessageList
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if order != "" {
		query.Set("order", order)
	}
	if after != "" {
		query.Set("after", after)
	}
	path := "/threads/" + threadID + "/messages"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, &list)
	return list, err
}

// Transcribe uploads an audio file to the transcription endpoint and returns
// the recognized text.
func (c *Client) Transcribe(ctx context.Context, filename string, data []byte) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("missing API key")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := writer.WriteField("model", transcriptionType); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", apiErrorFromResponse(resp)
	}

	var parsed Transcription
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	return parsed.Text, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	if c.apiKey == "" {
		return errors.New("missing API key")
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", assistantsBeta)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiErrorFromResponse(resp)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiErrorFromResponse(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiErr
	}
	var envelope apiErrorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Message = envelope.Error.Message
		apiErr.Type = envelope.Error.Type
	}
	return apiErr
}
