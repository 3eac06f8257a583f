package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// ========================================
// Model client - 视觉语言模型客户端
// ========================================

// ModelConfig configures the vision-language model endpoint.
// It is immutable for the lifetime of a task.
type ModelConfig struct {
	BaseURL          string
	APIKey           string
	Model            string
	MaxTokens        int
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64

	// Adaptive timeout parameters. Per request the timeout is
	// min(MaxTimeout, BaseTimeout + ContentFactor·chars + ImageFactor·images),
	// and each retry attempt grows it by retryTimeoutGrowth.
	BaseTimeout   time.Duration
	MaxTimeout    time.Duration
	ContentFactor time.Duration // per text character
	ImageFactor   time.Duration // per image part

	MaxRetries  int
	RetryDelays []time.Duration

	// RequestsPerSecond paces request starts so retry storms cannot hammer
	// the endpoint. Zero disables pacing.
	RequestsPerSecond float64
}

// DefaultModelConfig returns the defaults for a local OpenAI-compatible
// vision model server.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		BaseURL:           "http://localhost:8000/v1",
		APIKey:            "EMPTY",
		Model:             "autoglm-phone-9b",
		MaxTokens:         3000,
		Temperature:       0.0,
		TopP:              0.85,
		FrequencyPenalty:  0.2,
		BaseTimeout:       45 * time.Second,
		MaxTimeout:        120 * time.Second,
		ContentFactor:     time.Millisecond,
		ImageFactor:       10 * time.Second,
		MaxRetries:        3,
		RetryDelays:       []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		RequestsPerSecond: 1,
	}
}

const retryTimeoutGrowth = 1.5

// ========================================
// Messages
// ========================================

// Message is one conversation turn. Content is either a plain string or a
// []ContentPart for multimodal turns.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one part of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// SystemMessage builds a system turn.
func SystemMessage(text string) Message {
	return Message{Role: "system", Content: text}
}

// UserImageMessage builds a user turn carrying the screenshot plus text.
// The image travels as a data URL, image first, matching the model's
// training layout.
func UserImageMessage(text string, pngBase64 string) Message {
	parts := []ContentPart{}
	if pngBase64 != "" {
		parts = append(parts, ContentPart{
			Type:     "image_url",
			ImageURL: &ImageURL{URL: "data:image/png;base64," + pngBase64},
		})
	}
	parts = append(parts, ContentPart{Type: "text", Text: text})
	return Message{Role: "user", Content: parts}
}

// AssistantMessage builds an assistant turn.
func AssistantMessage(text string) Message {
	return Message{Role: "assistant", Content: text}
}

// StripImages drops image parts from a message so only the latest screenshot
// travels in full through the growing context.
func StripImages(m Message) Message {
	parts, ok := m.Content.([]ContentPart)
	if !ok {
		return m
	}
	kept := make([]ContentPart, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" {
			kept = append(kept, p)
		}
	}
	m.Content = kept
	return m
}

// ModelReply is a parsed model response.
type ModelReply struct {
	Thinking   string
	ActionText string
	Raw        string
	Duration   time.Duration
}

// ModelCaller is the contract the agent loop depends on.
type ModelCaller interface {
	Request(ctx context.Context, messages []Message) (*ModelReply, error)
}

// ========================================
// Client
// ========================================

type reqStat struct {
	at       time.Time
	duration time.Duration
	ok       bool
	timedOut bool
}

// ModelStats summarizes recent request telemetry.
type ModelStats struct {
	TotalRequests   int           `json:"totalRequests"`
	SuccessRate     float64       `json:"successRate"`
	TimeoutRate     float64       `json:"timeoutRate"`
	AverageDuration time.Duration `json:"averageDuration"`
}

const maxStats = 1000

// ModelClient talks to an OpenAI-compatible chat-completions endpoint with
// adaptive timeouts, bounded retries and an in-memory telemetry window.
type ModelClient struct {
	cfg     ModelConfig
	client  *http.Client
	limiter *rate.Limiter

	statsMu sync.Mutex
	stats   []reqStat
}

// NewModelClient creates a client. The http.Client carries no global timeout;
// every attempt is bounded by its own context deadline.
func NewModelClient(cfg ModelConfig) *ModelClient {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 2)
	}
	return &ModelClient{
		cfg:     cfg,
		client:  &http.Client{},
		limiter: limiter,
	}
}

// adaptiveTimeout computes the per-call timeout from payload complexity.
func (c *ModelClient) adaptiveTimeout(messages []Message) time.Duration {
	chars := 0
	images := 0
	for _, m := range messages {
		switch content := m.Content.(type) {
		case string:
			chars += len(content)
		case []ContentPart:
			for _, p := range content {
				if p.Type == "text" {
					chars += len(p.Text)
				} else if p.Type == "image_url" {
					images++
				}
			}
		}
	}
	timeout := c.cfg.BaseTimeout +
		time.Duration(chars)*c.cfg.ContentFactor +
		time.Duration(images)*c.cfg.ImageFactor
	if timeout > c.cfg.MaxTimeout {
		timeout = c.cfg.MaxTimeout
	}
	return timeout
}

func (c *ModelClient) retryDelay(attempt int) time.Duration {
	if len(c.cfg.RetryDelays) == 0 {
		return time.Second
	}
	if attempt >= len(c.cfg.RetryDelays) {
		return c.cfg.RetryDelays[len(c.cfg.RetryDelays)-1]
	}
	return c.cfg.RetryDelays[attempt]
}

// Request sends the conversation and returns the parsed reply.
// Timeouts and transient failures (network, 5xx, 408/429) are retried with
// the configured delay schedule; the per-attempt timeout grows each retry up
// to MaxTimeout. Non-transient errors are returned immediately. Cancellation
// is observed between attempts, inside retry waits and on in-flight requests.
func (c *ModelClient) Request(ctx context.Context, messages []Message) (*ModelReply, error) {
	timeout := c.adaptiveTimeout(messages)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, cancelledErr("model_request")
		}
		if attempt > 0 {
			delay := c.retryDelay(attempt - 1)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, cancelledErr("model_request")
			case <-t.C:
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, cancelledErr("model_request")
		}

		attemptTimeout := timeout
		for i := 0; i < attempt; i++ {
			attemptTimeout = time.Duration(float64(attemptTimeout) * retryTimeoutGrowth)
		}
		if attemptTimeout > c.cfg.MaxTimeout {
			attemptTimeout = c.cfg.MaxTimeout
		}

		reply, transient, err := c.doRequest(ctx, messages, attemptTimeout)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !transient {
			return nil, err
		}
		LogWarn("model").Err(err).Int("attempt", attempt+1).Dur("timeout", attemptTimeout).Msg("model request failed, will retry")
	}
	return nil, lastErr
}

// doRequest performs one attempt. The second return reports retryability.
func (c *ModelClient) doRequest(ctx context.Context, messages []Message, timeout time.Duration) (*ModelReply, bool, error) {
	body, err := json.Marshal(map[string]any{
		"model":             c.cfg.Model,
		"messages":          messages,
		"max_tokens":        c.cfg.MaxTokens,
		"temperature":       c.cfg.Temperature,
		"top_p":             c.cfg.TopP,
		"frequency_penalty": c.cfg.FrequencyPenalty,
	})
	if err != nil {
		return nil, false, agentErr(KindInternal, "model_request", "failed to marshal request", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, agentErr(KindInternal, "model_request", "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			c.record(elapsed, false, false)
			return nil, false, cancelledErr("model_request")
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			c.record(elapsed, false, true)
			return nil, true, timeoutErr("model_request", elapsed)
		}
		c.record(elapsed, false, false)
		return nil, true, agentErr(KindModelTransient, "model_request", "network error", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.record(elapsed, false, false)
		return nil, true, agentErr(KindModelTransient, "model_request", "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := gjson.GetBytes(respBody, "error.message").String()
		if detail == "" {
			detail = firstLine(string(respBody))
		}
		msg := fmt.Sprintf("API error (status %d): %s", resp.StatusCode, detail)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests {
			c.record(elapsed, false, false)
			return nil, true, agentErr(KindModelTransient, "model_request", msg, nil)
		}
		c.record(elapsed, false, false)
		return nil, false, agentErr(KindModelPermanent, "model_request", msg, nil)
	}

	content := gjson.GetBytes(respBody, "choices.0.message.content")
	if !content.Exists() {
		c.record(elapsed, false, false)
		return nil, false, agentErr(KindMalformedResponse, "model_request", "no assistant message in response", nil)
	}

	thinking, action := parseModelEnvelope(content.String())
	c.record(elapsed, true, false)
	return &ModelReply{
		Thinking:   thinking,
		ActionText: action,
		Raw:        content.String(),
		Duration:   elapsed,
	}, false, nil
}

// parseModelEnvelope splits a reply into thinking and action text.
//
// Rules, in order:
//  1. <think>…</think><answer>…</answer> tags (the expected structure;
//     stray text outside the blocks is discarded);
//  2. everything from "finish(message=" onwards is the action;
//  3. everything from "do(action=" onwards is the action;
//  4. no marker at all: the whole content is the action text (the action
//     parser will reject it if it is not a call).
func parseModelEnvelope(content string) (string, string) {
	if i := strings.Index(content, "<answer>"); i >= 0 {
		action := content[i+len("<answer>"):]
		if j := strings.Index(action, "</answer>"); j >= 0 {
			action = action[:j]
		}
		thinking := ""
		head := content[:i]
		if s := strings.Index(head, "<think>"); s >= 0 {
			thinking = head[s+len("<think>"):]
			if e := strings.Index(thinking, "</think>"); e >= 0 {
				thinking = thinking[:e]
			}
		}
		return strings.TrimSpace(thinking), strings.TrimSpace(action)
	}
	if i := strings.Index(content, "finish(message="); i >= 0 {
		return strings.TrimSpace(content[:i]), content[i:]
	}
	if i := strings.Index(content, "do(action="); i >= 0 {
		return strings.TrimSpace(content[:i]), content[i:]
	}
	return "", strings.TrimSpace(content)
}

// ========================================
// Telemetry
// ========================================

func (c *ModelClient) record(d time.Duration, ok, timedOut bool) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats = append(c.stats, reqStat{at: time.Now(), duration: d, ok: ok, timedOut: timedOut})
	if len(c.stats) > maxStats {
		c.stats = c.stats[len(c.stats)-maxStats:]
	}
}

// Stats summarizes requests within the given window.
func (c *ModelClient) Stats(window time.Duration) ModelStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	cutoff := time.Now().Add(-window)
	var out ModelStats
	var success, timeouts int
	var total time.Duration
	for _, s := range c.stats {
		if s.at.Before(cutoff) {
			continue
		}
		out.TotalRequests++
		total += s.duration
		if s.ok {
			success++
		}
		if s.timedOut {
			timeouts++
		}
	}
	if out.TotalRequests > 0 {
		out.SuccessRate = float64(success) / float64(out.TotalRequests)
		out.TimeoutRate = float64(timeouts) / float64(out.TotalRequests)
		out.AverageDuration = total / time.Duration(out.TotalRequests)
	}
	return out
}
