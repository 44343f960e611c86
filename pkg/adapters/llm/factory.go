package llm

import (
	"context"
	"fmt"
	"sort"
	"time"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aescanero/flowengine/pkg/adapters/llm/anthropic"
	"github.com/aescanero/flowengine/pkg/adapters/llm/openai"
	"github.com/aescanero/flowengine/pkg/ports"
	openaioption "github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config holds LLM client configuration
type Config struct {
	Provider        string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultModel    string
	RequestTimeout  time.Duration
	MaxRetries      int
	Logger          *zap.Logger
}

// Router implements ports.LLMCaller over several providers.
type Router struct {
	callers      map[string]ports.LLMCaller
	provider     string
	defaultModel string
}

// NewRouter creates a router from a set of callers. defaultProvider must be
// one of them.
func NewRouter(callers map[string]ports.LLMCaller, defaultProvider, defaultModel string) (*Router, error) {
	if _, ok := callers[defaultProvider]; !ok {
		return nil, fmt.Errorf("default LLM provider %q is not configured", defaultProvider)
	}
	return &Router{callers: callers, provider: defaultProvider, defaultModel: defaultModel}, nil
}

// NewClient creates a router with a client for every provider that has an
// API key.
func NewClient(cfg *Config) (*Router, error) {
	callers := make(map[string]ports.LLMCaller)

	if cfg.AnthropicAPIKey != "" {
		opts := []anthropicoption.RequestOption{anthropicoption.WithMaxRetries(cfg.MaxRetries)}
		if cfg.RequestTimeout > 0 {
			opts = append(opts, anthropicoption.WithRequestTimeout(cfg.RequestTimeout))
		}
		client, err := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.Logger, opts...)
		if err != nil {
			return nil, err
		}
		callers[ProviderAnthropic] = client
	}

	if cfg.OpenAIAPIKey != "" {
		opts := []openaioption.RequestOption{openaioption.WithMaxRetries(cfg.MaxRetries)}
		if cfg.RequestTimeout > 0 {
			opts = append(opts, openaioption.WithRequestTimeout(cfg.RequestTimeout))
		}
		client, err := openai.NewClient(cfg.OpenAIAPIKey, cfg.Logger, opts...)
		if err != nil {
			return nil, err
		}
		callers[ProviderOpenAI] = client
	}

	switch cfg.Provider {
	case ProviderAnthropic, ProviderOpenAI:
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
	return NewRouter(callers, cfg.Provider, cfg.DefaultModel)
}

// Providers lists the configured providers.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.callers))
	for name := range r.callers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallLLM routes req by provider. The default model only applies to requests
// that use the default provider.
func (r *Router) CallLLM(ctx context.Context, req *ports.LLMRequest) (*ports.LLMResponse, error) {
	provider := req.Provider
	if provider == "" {
		provider = r.provider
	}
	caller, ok := r.callers[provider]
	if !ok {
		return nil, fmt.Errorf("unsupported LLM provider: %s", provider)
	}

	if req.Model == "" && provider == r.provider && r.defaultModel != "" {
		routed := *req
		routed.Model = r.defaultModel
		req = &routed
	}
	return caller.CallLLM(ctx, req)
}
