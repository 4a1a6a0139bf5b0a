package middleware

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"github.com/howard-nolan/llmbridge/internal/ir"
)

// Store is the minimal cache backend Caching needs: get-or-miss, set with
// TTL. RedisStore below is the production implementation; tests can supply
// an in-memory fake instead.
type Store interface {
	Get(ctx *Context, key string) ([]byte, bool, error)
	Set(ctx *Context, key string, value []byte, ttl time.Duration) error
}

// RedisStore is a Store backed by go-redis, the same client the teacher
// already depends on (indirectly, via its rate-limiting plans) and
// taipm-go-deep-agent wires directly for session state.
type RedisStore struct {
	Client *redis.Client
}

func (s *RedisStore) Get(mctx *Context, key string) ([]byte, bool, error) {
	val, err := s.Client.Get(mctx.Ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(mctx *Context, key string, value []byte, ttl time.Duration) error {
	return s.Client.Set(mctx.Ctx, key, value, ttl).Err()
}

// cacheableParams is the subset of a request that participates in the
// cache key, per §4.6: "stable hash of {model, messages, temperature,
// topP, topK, seed, stopSequences} (excluding metadata, custom,
// providerHints)".
type cacheableParams struct {
	Model         string     `json:"model"`
	Messages      []ir.Message `json:"messages"`
	Temperature   *float64   `json:"temperature,omitempty"`
	TopP          *float64   `json:"topP,omitempty"`
	TopK          *int       `json:"topK,omitempty"`
	Seed          *int64     `json:"seed,omitempty"`
	StopSequences []string   `json:"stopSequences,omitempty"`
}

// cacheKey builds the stable hash §4.6 specifies, using xxhash — the
// teacher depends on it transitively (through miniredis/go-redis); this
// promotes it to a direct, exercised dependency for a fast non-cryptographic
// hash over a JSON-serialized, field-pruned view of the request.
func cacheKey(req ir.ChatRequest) (string, error) {
	cacheable := cacheableParams{
		Model:         req.Parameters.Model,
		Messages:      req.Messages,
		Temperature:   req.Parameters.Temperature,
		TopP:          req.Parameters.TopP,
		TopK:          req.Parameters.TopK,
		Seed:          req.Parameters.Seed,
		StopSequences: req.Parameters.StopSequences,
	}
	encoded, err := json.Marshal(cacheable)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("llmbridge:cache:%x", xxhash.Sum64(encoded)), nil
}

// Caching short-circuits on a cache hit within TTL, stamping
// metadata.custom.cacheHit = true on the returned response (§4.6).
type Caching struct {
	Store Store
	TTL   time.Duration
}

func (c *Caching) Name() string { return "caching" }

func (c *Caching) Handle(ctx *Context, next Next) (ir.ChatResponse, error) {
	key, err := cacheKey(ctx.Request)
	if err != nil {
		return next(ctx)
	}

	if raw, hit, err := c.Store.Get(ctx, key); err == nil && hit {
		var resp ir.ChatResponse
		if err := json.Unmarshal(raw, &resp); err == nil {
			if resp.Metadata.Custom == nil {
				resp.Metadata.Custom = map[string]any{}
			}
			resp.Metadata.Custom["cacheHit"] = true
			return resp, nil
		}
	}

	resp, err := next(ctx)
	if err != nil {
		return resp, err
	}

	if encoded, marshalErr := json.Marshal(resp); marshalErr == nil {
		_ = c.Store.Set(ctx, key, encoded, c.TTL)
	}
	return resp, nil
}
