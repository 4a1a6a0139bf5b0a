// Package httpserver mounts one or more Bridges behind HTTP routes. It is
// the generalized, multi-frontend replacement for the original gateway's
// fixed /v1/chat/completions-only server: each route is keyed by the
// frontend wire shape it accepts, so a deployment can expose an
// OpenAI-compatible endpoint and an Anthropic-compatible endpoint side by
// side, both ultimately backed by the same Router underneath.
package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howard-nolan/llmbridge/internal/bridge"
	"github.com/howard-nolan/llmbridge/internal/ir"
)

// Route pairs the URL path a frontend's clients already expect (e.g.
// "/v1/chat/completions" for OpenAI, "/v1/messages" for Anthropic) with the
// Bridge that speaks that wire shape.
type Route struct {
	Path   string
	Bridge *bridge.Bridge
}

// Server is the HTTP shim over a set of Bridges. In Express terms this is
// the app object: it owns the router and wires one handler per route.
type Server struct {
	router chi.Router
	routes map[string]*bridge.Bridge
}

// New builds a Server from a list of routes. Route.Path values must be
// unique; a duplicate silently overwrites the earlier entry, matching the
// last-one-wins semantics of registering two app.post() handlers on the
// same Express path.
func New(routes []Route) *Server {
	s := &Server{routes: make(map[string]*bridge.Bridge, len(routes))}
	for _, rt := range routes {
		s.routes[rt.Path] = rt.Bridge
	}
	s.mount()
	return s
}

func (s *Server) mount() {
	r := chi.NewRouter()
	// chi's own middleware package (request logging, panic recovery) is
	// unrelated to this module's internal/middleware pipeline — chimw
	// here operates on *http.Request, ours operates on ir.ChatRequest.
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	for path, br := range s.routes {
		r.Post(path, s.handleChat(br))
	}

	s.router = r
}

// ServeHTTP makes Server an http.Handler, so it can be passed straight to
// http.ListenAndServe or wrapped in httptest.NewServer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleHealth reports liveness for every mounted Bridge, keyed by route
// path, plus an overall "ok" boolean so a caller that only wants one bit
// doesn't have to inspect the per-route map.
//
// In Express terms: app.get('/health', (req, res) => res.json({...})).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	backends := make(map[string]bool, len(s.routes))
	allHealthy := true
	for path, br := range s.routes {
		healthy := br.HealthCheck(r.Context())
		backends[path] = healthy
		allHealthy = allHealthy && healthy
	}

	w.Header().Set("Content-Type", "application/json")
	if !allHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status":   healthStatus(allHealthy),
		"backends": backends,
	})
}

func healthStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "degraded"
}

// peekStream does a minimal, lossless look at whether the body asks for a
// streaming response, without fully decoding the provider-shaped request —
// that decode is the Bridge's job (via the frontend adapter's ToIR), and
// every frontend this module ships uses "stream" for the same purpose, so
// one shared peek covers all of them.
func peekStream(raw []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.Stream
}

// handleChat returns a handler bound to one Bridge. It decodes the body,
// branches on streaming vs non-streaming exactly like the original
// gateway's single handler did, and writes either one JSON response or an
// SSE stream built by the Bridge's frontend adapter.
func (s *Server) handleChat(br *bridge.Bridge) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
			return
		}

		if peekStream(raw) {
			s.handleChatStream(w, r, br, raw)
			return
		}

		resp, err := br.Chat(r.Context(), raw, bridge.Options{})
		if err != nil {
			log.Printf("bridge chat error: %v", err)
			writeError(w, statusFor(err), "bridge error: "+err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(resp)
	}
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, br *bridge.Bridge, raw []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "response writer does not support flushing")
		return
	}

	frames, err := br.ChatStream(r.Context(), raw, bridge.Options{})
	if err != nil {
		log.Printf("bridge stream error: %v", err)
		writeError(w, statusFor(err), "bridge stream error: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Same waiter/kitchen pattern the original streaming writer used: read
	// frames off the channel until the Bridge's frontend closes it, flush
	// each one immediately so the client sees tokens as they arrive.
	for frame := range frames {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
			log.Printf("stream write error: %v", err)
			return
		}
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusFor maps an *ir.Error's category onto the HTTP status code a
// caller expects, falling back to 502 (this module is a gateway, so an
// opaque failure almost always means the upstream backend misbehaved)
// for anything that isn't a recognized *ir.Error at all.
func statusFor(err error) int {
	var irErr *ir.Error
	if !errors.As(err, &irErr) {
		return http.StatusBadGateway
	}
	if irErr.StatusCode != 0 {
		return irErr.StatusCode
	}
	switch irErr.Category {
	case ir.CategoryValidation, ir.CategoryAdapterConversion:
		return http.StatusBadRequest
	case ir.CategoryAuthentication:
		return http.StatusUnauthorized
	case ir.CategoryAuthorization:
		return http.StatusForbidden
	case ir.CategoryRateLimit:
		return http.StatusTooManyRequests
	case ir.CategoryNoAvailableBackend, ir.CategoryCircuitOpen:
		return http.StatusServiceUnavailable
	case ir.CategoryCancelled:
		return 499
	default:
		return http.StatusBadGateway
	}
}
