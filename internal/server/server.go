/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server is the balancer's HTTP front door: the concrete transport
// for the Dispatcher's upstream API (§4.I), a cache inspection surface, and
// a Prometheus /metrics endpoint. Handlers are stateless; all shared
// mutation happens inside the components they call (§5).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/defilantech/inferencebalancer/internal/cache"
	"github.com/defilantech/inferencebalancer/internal/dispatcher"
	"github.com/defilantech/inferencebalancer/internal/errs"
	"github.com/defilantech/inferencebalancer/internal/metrics"
	"github.com/defilantech/inferencebalancer/internal/provider"
	"github.com/defilantech/inferencebalancer/internal/types"
)

// Server wraps an http.Server around a Dispatcher and ResponseCache.
type Server struct {
	httpServer *http.Server
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
}

// New builds a Server listening on addr. limiterRPS/limiterBurst bound the
// rate of accepted inbound requests before they ever reach the Dispatcher's
// own per-instance semaphores (protects the balancer process itself from a
// caller retry storm); a non-positive limiterRPS disables the limiter.
func New(addr string, disp *dispatcher.Dispatcher, respCache *cache.Cache, limiterRPS float64, limiterBurst int, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Server{logger: logger}
	if limiterRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(limiterRPS), limiterBurst)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/generate", s.instrument("/v1/generate", handleGenerate(disp)))
	mux.Handle("POST /v1/generate/stream", s.instrument("/v1/generate/stream", handleGenerateStream(disp)))
	mux.Handle("POST /v1/embeddings", s.instrument("/v1/embeddings", handleEmbed(disp)))
	mux.Handle("GET /v1/health", s.instrument("/v1/health", handleHealth(disp)))
	mux.Handle("GET /v1/cache", s.instrument("/v1/cache", handleCacheInspect(respCache)))
	mux.Handle("DELETE /v1/cache", s.instrument("/v1/cache", handleCacheClear(respCache)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.rateLimit(s.logRequests(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down, per the
// standard net/http.Server contract (http.ErrServerClosed on a clean stop).
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// logRequests is a thin access-log middleware, composed around the mux
// rather than baked into it (§9: composition over inheritance).
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Infow("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"durationMs", time.Since(start).Milliseconds(),
		)
	})
}

// rateLimit rejects requests with 429 once the configured budget is spent.
// A nil limiter (rate disabled) is a no-op pass-through.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			metrics.HTTPRequestsRejectedTotal.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records HTTPRequestDuration for one logical route.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestDuration.WithLabelValues(route, statusClass(rec.status)).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// generateRequest/generateResponse are the server's own wire DTOs, kept
// separate from the internal types.InferenceRequest/Response the way
// provider's generateRequestBody/generateResponseBody are — the wire
// contract and the domain type are allowed to diverge independently.
type generateRequest struct {
	RequestID      string   `json:"requestId,omitempty"`
	ModelID        string   `json:"modelId"`
	Prompt         string   `json:"prompt"`
	SystemPrompt   string   `json:"systemPrompt,omitempty"`
	Temperature    float64  `json:"temperature,omitempty"`
	TopP           float64  `json:"topP,omitempty"`
	MaxTokens      int      `json:"maxTokens,omitempty"`
	StopSequences  []string `json:"stopSequences,omitempty"`
	TimeoutMs      int      `json:"timeoutMs,omitempty"`
	PreferredGpuID *int     `json:"preferredGpuId,omitempty"`
	PromptType     string   `json:"promptType,omitempty"`
}

func (g generateRequest) toDomain() *types.InferenceRequest {
	requestID := g.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &types.InferenceRequest{
		RequestID:      requestID,
		ModelID:        g.ModelID,
		Prompt:         g.Prompt,
		SystemPrompt:   g.SystemPrompt,
		Temperature:    g.Temperature,
		TopP:           g.TopP,
		MaxTokens:      g.MaxTokens,
		StopSequences:  g.StopSequences,
		TimeoutMs:      g.TimeoutMs,
		PreferredGpuID: g.PreferredGpuID,
		PromptType:     g.PromptType,
	}
}

type generateResponse struct {
	Text             string  `json:"text"`
	ModelID          string  `json:"modelId"`
	InstanceID       string  `json:"instanceId"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	LatencyMs        float64 `json:"latencyMs"`
	FinishReason     string  `json:"finishReason"`
	Diagnostic       string  `json:"diagnostic,omitempty"`
	Cached           bool    `json:"cached"`
}

func fromDomain(r types.InferenceResponse) generateResponse {
	return generateResponse{
		Text:             r.Text,
		ModelID:          r.ModelID,
		InstanceID:       r.InstanceID,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		LatencyMs:        r.LatencyMs,
		FinishReason:     string(r.FinishReason),
		Diagnostic:       r.Diagnostic,
		Cached:           r.Cached,
	}
}

func handleGenerate(disp *dispatcher.Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}

		resp, err := disp.Dispatch(r.Context(), req.toDomain())
		if err != nil {
			writeDispatchError(w, err, fromDomain(resp))
			return
		}
		writeJSON(w, http.StatusOK, fromDomain(resp))
	})
}

// streamChunkDTO is one line of the newline-delimited JSON stream sent to
// the client; the final chunk carries finishReason and done=true.
type streamChunkDTO struct {
	Text             string `json:"text"`
	Done             bool   `json:"done"`
	PromptTokens     int    `json:"promptTokens,omitempty"`
	CompletionTokens int    `json:"completionTokens,omitempty"`
	FinishReason     string `json:"finishReason,omitempty"`
}

func handleGenerateStream(disp *dispatcher.Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)

		_, err := disp.DispatchStream(r.Context(), req.toDomain(), func(c provider.StreamChunk) error {
			if encErr := enc.Encode(streamChunkDTO{
				Text:             c.Text,
				Done:             c.Done,
				PromptTokens:     c.PromptTokens,
				CompletionTokens: c.CompletionTokens,
				FinishReason:     string(c.FinishReason),
			}); encErr != nil {
				return encErr
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		})
		if err != nil {
			// Headers are already sent by the time a mid-stream error
			// happens; surface it as a final chunk instead of an HTTP
			// status, matching the common SSE/ndjson error convention.
			_ = enc.Encode(streamChunkDTO{Done: true, FinishReason: string(errs.KindOf(err))})
		}
	})
}

type embedRequest struct {
	ModelID string `json:"modelId"`
	Prompt  string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func handleEmbed(disp *dispatcher.Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}

		vec, err := disp.Embed(r.Context(), req.ModelID, req.Prompt)
		if err != nil {
			writeJSON(w, statusFor(errs.KindOf(err)), map[string]string{"error": errorMessage(err)})
			return
		}
		writeJSON(w, http.StatusOK, embedResponse{Embedding: vec})
	})
}

func handleHealth(disp *dispatcher.Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"instances": disp.Health()})
	})
}

func handleCacheInspect(c *cache.Cache) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"entries": c.Len()})
	})
}

func handleCacheClear(c *cache.Cache) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Clear()
		metrics.CacheEntries.Set(0)
		w.WriteHeader(http.StatusNoContent)
	})
}

// writeDispatchError maps an errs.Kind to the HTTP status table in §7 and
// still includes the degraded response body the Dispatcher returned
// alongside the error, so a caller gets a usable finishReason/diagnostic
// instead of an empty body.
func writeDispatchError(w http.ResponseWriter, err error, degraded generateResponse) {
	if degraded.Diagnostic == "" {
		degraded.Diagnostic = errorMessage(err)
	}
	writeJSON(w, statusFor(errs.KindOf(err)), degraded)
}

// statusFor maps an errs.Kind to the HTTP status table in §7.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNoHealthyInstance:
		return http.StatusServiceUnavailable
	case errs.KindDownstream, errs.KindParseError:
		return http.StatusBadGateway
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindCancelled:
		return 499 // nginx convention: client closed request
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	var tagged *errs.Error
	if errors.As(err, &tagged) {
		return tagged.Error()
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
