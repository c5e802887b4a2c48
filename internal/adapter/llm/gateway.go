package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"agentrun/internal/domain"
)

// Gateway defaults.
const (
	DefaultCallTimeout = 120 * time.Second

	defaultMaxAttempts  = 3
	defaultBaseDelay    = 500 * time.Millisecond
	defaultMaxDelay     = 10 * time.Second
	defaultMaxQuotaWait = time.Minute
)

// RetryPolicy bounds how a model call is retried. Only unavailable and
// quota errors are retried.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	// MaxQuotaWait is the longest provider cooldown the gateway sleeps
	// through. Longer cooldowns fail the call with the quota error.
	MaxQuotaWait time.Duration `yaml:"max_quota_wait"`
}

// DefaultRetryPolicy returns 3 attempts with 500ms..10s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  defaultMaxAttempts,
		BaseDelay:    defaultBaseDelay,
		MaxDelay:     defaultMaxDelay,
		MaxQuotaWait: defaultMaxQuotaWait,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxQuotaWait <= 0 {
		p.MaxQuotaWait = d.MaxQuotaWait
	}
	return p
}

// Backoff computes exponential backoff with jitter for a zero-based attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay * time.Duration(1<<uint(attempt))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Retry       RetryPolicy
	CallTimeout time.Duration // per model call, unless the model config sets one
}

// Gateway sends a conversation to the provider named by a model config and
// normalizes the reply into a ModelTurn.
type Gateway struct {
	providers   *Registry
	retry       RetryPolicy
	callTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a gateway backed by providers.
func NewGateway(providers *Registry, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Gateway{
		providers:   providers,
		retry:       cfg.Retry.withDefaults(),
		callTimeout: callTimeout,
		logger:      logger,
		limiters:    make(map[string]*rate.Limiter),
		sleep:       sleepCtx,
	}
}

var _ domain.ModelGateway = (*Gateway)(nil)

// Converse implements domain.ModelGateway.
func (g *Gateway) Converse(ctx context.Context, conversation []domain.Message, tools []domain.ToolDescriptor, mc domain.ModelConfig) (domain.ModelTurn, error) {
	if err := checkPreconditions(conversation, mc); err != nil {
		return domain.ModelTurn{}, err
	}

	provider, err := g.providers.Get(ctx, mc)
	if err != nil {
		return domain.ModelTurn{}, err
	}

	req := domain.ChatRequest{
		Model:       mc.ModelName,
		Messages:    conversation,
		MaxTokens:   mc.MaxTokens,
		Temperature: mc.Temperature,
		Params:      mc.Params,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, t.Schema())
	}

	timeout := mc.Timeout
	if timeout <= 0 {
		timeout = g.callTimeout
	}
	limiter := g.limiter(mc)

	for attempt := 0; ; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return domain.ModelTurn{}, rateWaitError(ctx, err)
			}
		}

		resp, err := g.call(ctx, provider, req, timeout)
		if err == nil {
			return toModelTurn(resp)
		}
		if ctx.Err() != nil {
			return domain.ModelTurn{}, fmt.Errorf("model call: %w", ctx.Err())
		}
		if !domain.IsRetryableError(err) {
			return domain.ModelTurn{}, err
		}
		if attempt+1 >= g.retry.MaxAttempts {
			return domain.ModelTurn{}, err
		}

		delay := g.retry.Backoff(attempt)
		if wait := domain.RetryAfterOf(err); wait > 0 {
			if wait > g.retry.MaxQuotaWait {
				return domain.ModelTurn{}, err
			}
			delay = max(delay, wait)
		}

		g.logger.Warn("model call failed, retrying",
			"model_config", mc.ID,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := g.sleep(ctx, delay); err != nil {
			return domain.ModelTurn{}, fmt.Errorf("retry backoff: %w", err)
		}
	}
}

// call runs one provider request under the per-call timeout. A timeout of
// the call alone is reported as an unavailable provider.
func (g *Gateway) call(ctx context.Context, provider domain.LLMProvider, req domain.ChatRequest, timeout time.Duration) (*domain.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := provider.Chat(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: model call timed out after %s", domain.ErrProviderUnavailable, timeout)
	}
	return resp, err
}

// limiter returns the request pacer for mc, or nil when it is unpaced.
func (g *Gateway) limiter(mc domain.ModelConfig) *rate.Limiter {
	if mc.RequestsPerMinute <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[mc.ID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(mc.RequestsPerMinute)/60.0, 1)
		g.limiters[mc.ID] = l
	}
	return l
}

func checkPreconditions(conversation []domain.Message, mc domain.ModelConfig) error {
	switch {
	case len(conversation) == 0:
		return fmt.Errorf("%w: empty conversation", domain.ErrProviderRejected)
	case !domain.HasUserTurn(conversation):
		return fmt.Errorf("%w: conversation has no user turn", domain.ErrProviderRejected)
	case mc.ID == "":
		return fmt.Errorf("%w: model config has no id", domain.ErrProviderRejected)
	case !KnownProvider(mc.Provider):
		return fmt.Errorf("%w: unknown provider %q", domain.ErrProviderRejected, mc.Provider)
	case mc.ModelName == "":
		return fmt.Errorf("%w: model config %q has no model name", domain.ErrProviderRejected, mc.ID)
	}
	return nil
}

// toModelTurn normalizes a provider response. A reply with neither text nor
// tool calls is malformed.
func toModelTurn(resp *domain.ChatResponse) (domain.ModelTurn, error) {
	if resp == nil {
		return domain.ModelTurn{}, fmt.Errorf("%w: empty response", domain.ErrProviderRejected)
	}
	msg := resp.Message
	turn := domain.ModelTurn{Text: msg.Content, Usage: resp.Usage}

	if len(msg.ToolCalls) > 0 {
		turn.Kind = domain.TurnToolCalls
		turn.ToolCalls = make([]domain.ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			if tc.Name == "" {
				return domain.ModelTurn{}, fmt.Errorf("%w: tool call %d has no name", domain.ErrProviderRejected, i)
			}
			if tc.ID == "" {
				tc.ID = "call_" + generateID()
			}
			turn.ToolCalls[i] = tc
		}
		return turn, nil
	}

	if strings.TrimSpace(msg.Content) == "" {
		return domain.ModelTurn{}, fmt.Errorf("%w: reply has neither text nor tool calls", domain.ErrProviderRejected)
	}
	turn.Kind = domain.TurnFinalAnswer
	return turn, nil
}

// generateID creates a new ULID.
func generateID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rateWaitError reports a failed limiter wait. The limiter refuses early
// when the next slot lies past the context deadline.
func rateWaitError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("rate limit wait: %w", ctx.Err())
	}
	return fmt.Errorf("%w: rate limit wait: %v", domain.ErrTimeout, err)
}
