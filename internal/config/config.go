// Package config handles loading and validating llmbridge configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the llmbridge gateway.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	Router    RouterConfig              `koanf:"router"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// ProviderConfig holds the settings for a single backend. Kind selects
// which backend adapter constructor family this entry wires to —
// "openai-compat", "anthropic", "gemini", "cohere", or "ollama" — since a
// provider can no longer be inferred from a fixed two-provider switch the
// way the original gateway did it.
type ProviderConfig struct {
	Kind         string               `koanf:"kind"`
	APIKey       string               `koanf:"api_key"`
	BaseURL      string               `koanf:"base_url"`
	Models       []string             `koanf:"models"`
	Capabilities *CapabilitiesConfig  `koanf:"capabilities"`
}

// CapabilitiesConfig lets an operator widen or narrow a backend's default
// capability.Descriptor per deployment — e.g. raising MaxStopSequences for
// a self-hosted endpoint that doesn't share the public API's limits. Nil
// fields mean "use the adapter's built-in default"; only fields actually
// set in YAML/env override anything.
type CapabilitiesConfig struct {
	Streaming        *bool `koanf:"streaming"`
	MultiModal       *bool `koanf:"multi_modal"`
	Tools            *bool `koanf:"tools"`
	MaxContextTokens *int  `koanf:"max_context_tokens"`
	MaxStopSequences *int  `koanf:"max_stop_sequences"`
}

// RouterConfig mirrors internal/router.Config's knobs so a deployment can
// set selection strategy, fallback chain, model routing, and circuit
// breaker tuning from one YAML block instead of wiring them in Go.
type RouterConfig struct {
	Strategy                string            `koanf:"strategy"`
	DefaultBackend          string            `koanf:"default_backend"`
	FallbackStrategy        string            `koanf:"fallback_strategy"`
	FallbackChain           []string          `koanf:"fallback_chain"`
	ModelMapping             map[string]string `koanf:"model_mapping"`
	ModelPatterns            map[string]string `koanf:"model_patterns"`
	ModelPatternOrder        []string          `koanf:"model_pattern_order"`
	CircuitBreakerThreshold  int               `koanf:"circuit_breaker_threshold"`
	CircuitBreakerTimeout    time.Duration     `koanf:"circuit_breaker_timeout"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config. The
// LLMROUTER_ env prefix is kept unchanged from the original gateway so
// existing deployment env vars don't need renaming alongside the module.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	// This is the equivalent of require('dotenv').config() in Node.
	_ = godotenv.Load()

	// Create a new koanf instance. The "." delimiter tells koanf how to
	// separate nested keys internally (e.g., "server.port").
	k := koanf.New(".")

	// Load the YAML config file. file.Provider reads the file,
	// yaml.Parser() decodes the YAML format into koanf's internal map.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "LLMROUTER_" can override a config value. The callback transforms
	// the env var name into a koanf key path, turning every underscore
	// into a dot:
	//   LLMROUTER_SERVER_PORT -> server.port
	//   LLMROUTER_ROUTER_DEFAULT_BACKEND -> router.default.backend
	// so keys whose own names contain an underscore (router.default_backend)
	// cannot be overridden this way.
	if err := k.Load(env.Provider("LLMROUTER_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "LLMROUTER_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal the loaded key-value pairs into our Config struct.
	// The "" means start from the root. &cfg passes a pointer so koanf
	// can write into the struct (like passing by reference in Node).
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in provider API keys.
	// koanf doesn't do this automatically, so we handle it ourselves
	// using os.Getenv to look up the actual environment variable value.
	for name, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
			envVar := p.APIKey[2 : len(p.APIKey)-1] // strip ${ and }
			p.APIKey = os.Getenv(envVar)
			cfg.Providers[name] = p // write back into the map
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate rejects a provider entry whose kind isn't one this module knows
// how to construct a backend adapter for — failing fast at load time
// instead of at first request.
func (c *Config) validate() error {
	for name, p := range c.Providers {
		switch p.Kind {
		case "openai-compat", "anthropic", "gemini", "cohere", "ollama":
		case "":
			return fmt.Errorf("provider %q: missing required field kind", name)
		default:
			return fmt.Errorf("provider %q: unknown kind %q", name, p.Kind)
		}
	}
	return nil
}
