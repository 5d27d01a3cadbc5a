package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/toolmesh/internal/metrics"
	"github.com/harun/toolmesh/pkg/cache"
	"github.com/rs/zerolog"
)

// DefaultResponseTTL is how long a cached model response stays valid.
const DefaultResponseTTL = time.Hour

// CachingProvider answers repeated identical requests from a cache. Cache
// failures are logged and treated as misses.
type CachingProvider struct {
	inner   LLMProvider
	cache   cache.Cache
	ttl     time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// CachingConfig configures a CachingProvider.
type CachingConfig struct {
	Cache   cache.Cache
	TTL     time.Duration
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// NewCachingProvider wraps inner with a response cache.
func NewCachingProvider(inner LLMProvider, cfg CachingConfig) *CachingProvider {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}
	return &CachingProvider{
		inner:   inner,
		cache:   cfg.Cache,
		ttl:     ttl,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Provider returns the wrapped provider's name.
func (p *CachingProvider) Provider() string {
	return p.inner.Provider()
}

// Call returns a cached response or calls the wrapped provider.
func (p *CachingProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	key, cached := p.lookup(ctx, request)
	if cached != nil {
		return cached, nil
	}

	response, err := p.inner.Call(ctx, request)
	if err != nil {
		return nil, err
	}
	p.store(ctx, key, response)
	return response, nil
}

// Stream replays a cached response as one fragment, or streams from the
// wrapped provider. A wrapped provider that cannot stream is called once
// and its content delivered as one fragment.
func (p *CachingProvider) Stream(ctx context.Context, request LLMRequest, onDelta func(string)) (*LLMResponse, error) {
	key, cached := p.lookup(ctx, request)
	if cached != nil {
		emitWhole(cached.Content, onDelta)
		return cached, nil
	}

	var (
		response *LLMResponse
		err      error
	)
	if sp, ok := p.inner.(StreamingProvider); ok {
		response, err = sp.Stream(ctx, request, onDelta)
	} else {
		response, err = p.inner.Call(ctx, request)
		if err == nil {
			emitWhole(response.Content, onDelta)
		}
	}
	if err != nil {
		return nil, err
	}
	p.store(ctx, key, response)
	return response, nil
}

// ResponseKey returns the cache key of a request.
func ResponseKey(request LLMRequest) (string, error) {
	hash, err := cache.HashArguments(request)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("llm:%s:%s", request.Model, hash), nil
}

func (p *CachingProvider) lookup(ctx context.Context, request LLMRequest) (string, *LLMResponse) {
	key, err := ResponseKey(request)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Cannot hash model request, skipping response cache")
		return "", nil
	}

	data, ok, err := p.cache.Get(ctx, key)
	switch {
	case err != nil:
		p.logger.Warn().Str("key", key).Err(err).Msg("Cache read failed, treating as miss")
		p.metrics.RecordCacheLookup("llm", "error")
		return key, nil
	case !ok:
		p.metrics.RecordCacheLookup("llm", "miss")
		return key, nil
	}

	var response LLMResponse
	if err := json.Unmarshal(data, &response); err != nil {
		p.logger.Warn().Str("key", key).Err(err).Msg("Discarding corrupt cached response")
		p.metrics.RecordCacheLookup("llm", "error")
		return key, nil
	}
	p.metrics.RecordCacheLookup("llm", "hit")
	return key, &response
}

func (p *CachingProvider) store(ctx context.Context, key string, response *LLMResponse) {
	if key == "" {
		return
	}
	// Malformed arguments do not survive encoding; let the model retry.
	for _, tc := range response.ToolCalls {
		if tc.ArgumentsError != "" {
			return
		}
	}
	data, err := json.Marshal(response)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, key, data, p.ttl); err != nil {
		p.logger.Warn().Str("key", key).Err(err).Msg("Cache write failed")
	}
}

func emitWhole(content string, onDelta func(string)) {
	if content != "" && onDelta != nil {
		onDelta(content)
	}
}
