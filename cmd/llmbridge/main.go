// Package main is the entry point for the llmbridge gateway.
package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/howard-nolan/llmbridge/internal/backend"
	"github.com/howard-nolan/llmbridge/internal/bridge"
	"github.com/howard-nolan/llmbridge/internal/capability"
	"github.com/howard-nolan/llmbridge/internal/config"
	"github.com/howard-nolan/llmbridge/internal/frontend"
	"github.com/howard-nolan/llmbridge/internal/httpserver"
	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/howard-nolan/llmbridge/internal/router"
)

// defaultCapabilities returns the out-of-the-box feature matrix for a
// backend kind. A provider entry's own capabilities block (if set)
// overrides individual fields on top of these — see applyOverrides.
//
// In Express terms: these are the default options object merged with
// whatever the caller passed, except the merge happens field by field
// since Go has no spread operator for structs.
func defaultCapabilities(kind string) capability.Descriptor {
	switch kind {
	case "anthropic":
		return capability.Descriptor{
			Streaming: true, MultiModal: true, Tools: true,
			SupportsTemperature: true, SupportsTopP: true, SupportsTopK: true,
			MaxContextTokens: 200000, MaxStopSequences: 4,
			SystemMessageStrategy: ir.SystemSeparateParam,
		}
	case "gemini":
		return capability.Descriptor{
			Streaming: true, MultiModal: true, Tools: true,
			SupportsTemperature: true, SupportsTopP: true, SupportsTopK: true,
			MaxContextTokens: 1000000, MaxStopSequences: 5,
			SystemMessageStrategy: ir.SystemSeparateParam,
		}
	case "cohere":
		return capability.Descriptor{
			Streaming: true, MultiModal: false, Tools: true,
			SupportsTemperature: true, SupportsTopP: true, SupportsTopK: true,
			SupportsFrequencyPenalty: true, SupportsPresencePenalty: true,
			MaxContextTokens: 128000, MaxStopSequences: 5,
			SystemMessageStrategy: ir.SystemInMessages,
		}
	case "ollama":
		return capability.Descriptor{
			Streaming: true, MultiModal: false, Tools: false,
			SupportsTemperature: true, SupportsTopP: true, SupportsTopK: true,
			SupportsSeed: true,
			MaxContextTokens: 8192, MaxStopSequences: 4,
			SystemMessageStrategy: ir.SystemInMessages,
		}
	default: // "openai-compat"
		return capability.Descriptor{
			Streaming: true, MultiModal: true, Tools: true,
			SupportsTemperature: true, SupportsTopP: true, SupportsSeed: true,
			SupportsFrequencyPenalty: true, SupportsPresencePenalty: true,
			MaxContextTokens: 128000, MaxStopSequences: 4,
			SystemMessageStrategy: ir.SystemInMessages,
		}
	}
}

// applyOverrides sets only the fields an operator actually configured,
// leaving every unset (nil) field at its default-derived value.
func applyOverrides(caps capability.Descriptor, overrides *config.CapabilitiesConfig) capability.Descriptor {
	if overrides == nil {
		return caps
	}
	if overrides.Streaming != nil {
		caps.Streaming = *overrides.Streaming
	}
	if overrides.MultiModal != nil {
		caps.MultiModal = *overrides.MultiModal
	}
	if overrides.Tools != nil {
		caps.Tools = *overrides.Tools
	}
	if overrides.MaxContextTokens != nil {
		caps.MaxContextTokens = *overrides.MaxContextTokens
	}
	if overrides.MaxStopSequences != nil {
		caps.MaxStopSequences = *overrides.MaxStopSequences
	}
	return caps
}

// buildBackend constructs the concrete backend.Adapter for one provider
// config entry, dispatching on Kind the way the original gateway's
// providerFactory map dispatched on provider name — except the set of
// kinds is now the whole backend package's lineup, not just two hardcoded
// providers.
func buildBackend(name string, p config.ProviderConfig, client *http.Client) (backend.Adapter, error) {
	caps := applyOverrides(defaultCapabilities(p.Kind), p.Capabilities)

	switch p.Kind {
	case "openai-compat":
		return backend.NewOpenAICompatBackend(name, p.BaseURL, p.APIKey, client, caps), nil
	case "anthropic":
		return backend.NewAnthropicBackend(name, p.BaseURL, p.APIKey, client, caps), nil
	case "gemini":
		return backend.NewGeminiBackend(name, p.BaseURL, p.APIKey, client, caps), nil
	case "cohere":
		return backend.NewCohereBackend(name, p.BaseURL, p.APIKey, client, caps), nil
	case "ollama":
		return backend.NewOllamaBackend(name, p.BaseURL, client, caps), nil
	default:
		return nil, fmt.Errorf("provider %q: no backend constructor for kind %q", name, p.Kind)
	}
}

// buildRouter registers one backend per configured provider behind a
// single Router, applying the config file's router: block as policy and
// model mapping. A lone provider still goes through the Router rather
// than being handed to the Bridge directly, so adding a second backend
// later is a config change, not a code change.
func buildRouter(cfg *config.Config) (*router.Router, error) {
	client := &http.Client{Timeout: cfg.Server.ReadTimeout}

	r := router.New(router.Config{
		Strategy:                router.Strategy(cfg.Router.Strategy),
		FallbackStrategy:        router.FallbackStrategy(cfg.Router.FallbackStrategy),
		DefaultBackend:          cfg.Router.DefaultBackend,
		FallbackChain:           cfg.Router.FallbackChain,
		CircuitBreakerThreshold: cfg.Router.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   cfg.Router.CircuitBreakerTimeout,
	})

	modelMapping := make(map[string]string)
	for name, provCfg := range cfg.Providers {
		be, err := buildBackend(name, provCfg, client)
		if err != nil {
			return nil, err
		}
		r.Register(name, be)
		for _, model := range provCfg.Models {
			modelMapping[model] = name
			log.Printf("registered model %q -> backend %q", model, name)
		}
	}
	for model, name := range cfg.Router.ModelMapping {
		modelMapping[model] = name
	}
	r.SetModelMapping(modelMapping)

	if len(cfg.Router.ModelPatterns) > 0 {
		if err := r.SetModelPatterns(cfg.Router.ModelPatterns, cfg.Router.ModelPatternOrder); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	r, err := buildRouter(cfg)
	if err != nil {
		log.Fatalf("failed to build router: %v", err)
	}

	// Mount one Bridge per frontend wire shape this gateway exposes,
	// every one of them backed by the same Router — a client speaking
	// OpenAI's format and a client speaking Anthropic's format can hit
	// the same pool of backends and the same fallback/circuit-breaker
	// policy.
	openAIBridge := bridge.New(frontend.NewOpenAIAdapter("openai"), r)
	anthropicBridge := bridge.New(frontend.NewAnthropicAdapter("anthropic"), r)

	srv := httpserver.New([]httpserver.Route{
		{Path: "/v1/chat/completions", Bridge: openAIBridge},
		{Path: "/v1/messages", Bridge: anthropicBridge},
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("llmbridge listening on :%d", cfg.Server.Port)

	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
