// File: internal/reasoning/client.go
package reasoning

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/nettleworks/ferret/api/schemas"
	"github.com/nettleworks/ferret/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Snapshot is the structured context captured at the moment a reasoning
// request is issued. The proposal eventually returned is only meaningful
// against this snapshot, never against the live page.
type Snapshot struct {
	PageID         string
	Guidance       string
	HistorySummary string
	RecentSteps    []string
	Affordances    []schemas.Affordance
	ConsoleErrors  []string
}

// AnalysisRequest asks the oracle whether an executed action exposed a defect.
type AnalysisRequest struct {
	PageID           string
	Action           schemas.Action
	Outcome          string
	ChangeZone       string
	MagnitudePercent float64
	ConsoleErrors    []string
	FailedRequests   []string
}

// Verdict is the oracle's classification of an observed outcome.
type Verdict struct {
	Defect      bool   `json:"is_defect"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Reasoning   string `json:"reasoning"`
}

// Client speaks to an OpenAI compatible chat completions endpoint. It treats
// the service as unreliable: every call retries transient failures with
// exponential backoff and the caller always has a non-LLM fallback.
type Client struct {
	logger *zap.Logger
	cfg    config.ReasoningConfig
	router *Router
	http   *http.Client
}

// NewClient builds a reasoning client from configuration.
func NewClient(cfg config.ReasoningConfig, logger *zap.Logger) *Client {
	return &Client{
		logger: logger.Named("reasoning"),
		cfg:    cfg,
		router: NewRouter(cfg),
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Available reports whether a reasoning endpoint is configured at all.
func (c *Client) Available() bool {
	return c.cfg.BaseURL != ""
}

// -- Wire types --

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ProposeAction asks the powerful model tier for the next step against the
// snapshotted page context.
func (c *Client) ProposeAction(ctx context.Context, snap Snapshot) (schemas.Action, error) {
	raw, err := c.chat(ctx, TierPowerful, proposeSystemPrompt, buildProposePrompt(snap))
	if err != nil {
		return schemas.Action{}, err
	}
	// Unparsable output degrades to explore rather than erroring; the
	// pipeline must never stall on a malformed proposal.
	return ParseAction([]byte(raw)), nil
}

// Analyze asks the fast tier to classify an executed action's outcome.
func (c *Client) Analyze(ctx context.Context, req AnalysisRequest) (Verdict, error) {
	raw, err := c.chat(ctx, TierFast, analyzeSystemPrompt, buildAnalyzePrompt(req))
	if err != nil {
		return Verdict{}, err
	}
	return parseVerdict(raw)
}

// YesNo asks the fast tier a strict yes/no question. Anything that does not
// begin with yes is treated as no.
func (c *Client) YesNo(ctx context.Context, question string) (bool, error) {
	raw, err := c.chat(ctx, TierFast,
		"You answer strictly with the single word yes or no. No explanations.",
		question)
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(raw))
	return strings.HasPrefix(answer, "yes"), nil
}

// chat performs one completion with retry. Transient failures (network
// errors, 429, 5xx) back off and retry up to the configured attempt count;
// anything else is permanent.
func (c *Client) chat(ctx context.Context, tier ModelTier, system, user string) (string, error) {
	if !c.Available() {
		return "", fmt.Errorf("no reasoning endpoint configured")
	}

	payload := chatRequest{
		Model: c.router.ModelFor(tier),
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBaseWait
	b.MaxInterval = 30 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.RetryCount)), ctx)

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/chat/completions"
	var content string

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		start := time.Now()
		resp, err := c.http.Do(httpReq)
		if err != nil {
			c.logger.Warn("Network error during reasoning request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var parsed chatResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if len(parsed.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("reasoning service returned no choices"))
		}

		c.logger.Debug("Reasoning call complete",
			zap.Duration("duration", time.Since(start)),
			zap.String("model", payload.Model),
			zap.Int("total_tokens", parsed.Usage.TotalTokens))

		content = parsed.Choices[0].Message.Content
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}
	return content, nil
}

func (c *Client) handleAPIError(statusCode int, body []byte) error {
	excerpt := string(body)
	if len(excerpt) > 300 {
		excerpt = excerpt[:300]
	}
	err := fmt.Errorf("reasoning API error: status %d, body: %s", statusCode, excerpt)

	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return err // Transient, retry.
	}
	return backoff.Permanent(err)
}

func parseVerdict(raw string) (Verdict, error) {
	data, err := ExtractJSON([]byte(raw))
	if err != nil {
		return Verdict{}, fmt.Errorf("verdict carried no JSON object: %w", err)
	}
	var v Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		return Verdict{}, fmt.Errorf("failed to unmarshal verdict: %w", err)
	}
	return v, nil
}
