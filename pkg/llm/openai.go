package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"golang.org/x/sync/semaphore"

	"github.com/rvastories/storyloom/pkg/config"
	"github.com/rvastories/storyloom/pkg/observe"
)

// defaultRetryBaseWait is the first backoff interval; each further
// attempt doubles it, plus up to 10% jitter.
const defaultRetryBaseWait = 1 * time.Second

var errEmptyResponse = errors.New("llm: empty choices in response")

// OpenAI implements Client over the OpenAI chat completions API.
//
// Every Complete call passes admission control first (a weighted
// semaphore sized by LLMConfig.MaxInflight), then runs up to
// Retries+1 attempts with its own per-attempt timeout. SDK-internal
// retries are disabled so this is the only retry layer.
type OpenAI struct {
	client           oai.Client
	model            string
	timeout          time.Duration
	retries          int
	maxInflight      int
	admissionTimeout time.Duration
	retryBaseWait    time.Duration

	sem     *semaphore.Weighted
	metrics *observe.Metrics
	logger  *slog.Logger
}

// OpenAIOption configures an OpenAI client.
type OpenAIOption func(*OpenAI)

// WithMetrics records call outcomes and retries into m.
func WithMetrics(m *observe.Metrics) OpenAIOption {
	return func(c *OpenAI) {
		c.metrics = m
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) OpenAIOption {
	return func(c *OpenAI) {
		c.logger = l
	}
}

// WithRetryBaseWait overrides the first backoff interval. Tests use
// this to keep retry paths fast.
func WithRetryBaseWait(d time.Duration) OpenAIOption {
	return func(c *OpenAI) {
		c.retryBaseWait = d
	}
}

// NewOpenAI constructs the production completion client.
func NewOpenAI(cfg config.LLMConfig, apiKey string, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: apiKey must not be empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	c := &OpenAI{
		client:           oai.NewClient(reqOpts...),
		model:            cfg.Model,
		timeout:          cfg.Timeout,
		retries:          cfg.Retries,
		maxInflight:      cfg.MaxInflight,
		admissionTimeout: cfg.AdmissionTimeout,
		retryBaseWait:    defaultRetryBaseWait,
		sem:              semaphore.NewWeighted(int64(cfg.MaxInflight)),
		logger:           slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Complete implements Client.
func (c *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	admCtx, cancel := context.WithTimeout(ctx, c.admissionTimeout)
	err := c.sem.Acquire(admCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		c.metrics.RecordLLMCall(ctx, "overloaded", time.Since(start).Seconds())
		return Response{}, fmt.Errorf("%w: %d in flight, admission timed out after %s",
			ErrOverloaded, c.maxInflight, c.admissionTimeout)
	}
	defer c.sem.Release(1)

	params := c.buildParams(req)

	var lastErr error
	attempts := c.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(c.retryBaseWait) * math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-ctx.Done():
				return c.fail(ctx, start, attempt, lastErr)
			case <-time.After(backoff + jitter):
			}
			c.metrics.RecordLLMRetry(ctx)
		}

		resp, err := c.completeOnce(ctx, params)
		if err == nil {
			c.metrics.RecordLLMCall(ctx, "ok", time.Since(start).Seconds())
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return c.fail(ctx, start, attempt+1, lastErr)
		}

		var apiErr *oai.Error
		if errors.As(err, &apiErr) && !shouldRetryStatus(apiErr.StatusCode) {
			c.metrics.RecordLLMCall(ctx, "bad_request", time.Since(start).Seconds())
			return Response{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}

		c.logger.Warn("LLM attempt failed",
			"model", c.model,
			"attempt", attempt+1,
			"attempts", attempts,
			"error", err)
	}

	return c.fail(ctx, start, attempts, lastErr)
}

// completeOnce runs a single attempt under its own timeout.
func (c *OpenAI) completeOnce(ctx context.Context, params oai.ChatCompletionNewParams) (Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(attemptCtx, params)
	if err != nil {
		return Response{}, err
	}
	if len(resp.Choices) == 0 {
		return Response{}, errEmptyResponse
	}

	return Response{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// fail turns the last attempt error into the final taxonomy error.
func (c *OpenAI) fail(ctx context.Context, start time.Time, attempts int, lastErr error) (Response, error) {
	elapsed := time.Since(start).Seconds()
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		c.metrics.RecordLLMCall(ctx, "deadline", elapsed)
		return Response{}, fmt.Errorf("%w: %v", ErrDeadline, lastErr)
	case ctx.Err() != nil:
		return Response{}, ctx.Err()
	case errors.Is(lastErr, context.DeadlineExceeded):
		c.metrics.RecordLLMCall(ctx, "deadline", elapsed)
		return Response{}, fmt.Errorf("%w: %v", ErrDeadline, lastErr)
	default:
		c.metrics.RecordLLMCall(ctx, "unavailable", elapsed)
		return Response{}, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, attempts, lastErr)
	}
}

// shouldRetryStatus reports whether an API status is worth retrying.
func shouldRetryStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// buildParams converts a Request into OpenAI SDK params. Temperature is
// always sent: 0 is a deliberate choice for scoring calls, not an unset
// default.
func (c *OpenAI) buildParams(req Request) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, oai.SystemMessage(req.System))
	}
	messages = append(messages, oai.UserMessage(req.User))

	params := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    messages,
		Temperature: param.NewOpt(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params
}
