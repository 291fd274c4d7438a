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

// Package provider talks to one downstream model-server endpoint: a bounded
// semaphore caps concurrent in-flight requests per instance, and a retry
// policy replays only the transient error kinds the endpoint is allowed to
// fail with (§4.F).
package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/defilantech/inferencebalancer/internal/errs"
	"github.com/defilantech/inferencebalancer/internal/metrics"
	"github.com/defilantech/inferencebalancer/internal/types"
)

const defaultMaxRetryAttempts = 3

// generateOptions is the downstream /generate payload's nested sampling
// configuration (§6).
type generateOptions struct {
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
}

// generateRequestBody mirrors the downstream /generate payload (§6);
// unrecognized response fields are ignored on decode.
type generateRequestBody struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

// generateResponseBody mirrors the downstream /generate response (§6).
// prompt_eval_count/eval_count are absent on some servers, hence pointers.
type generateResponseBody struct {
	Response        string `json:"response"`
	Model           string `json:"model"`
	Done            bool   `json:"done"`
	PromptEvalCount *int   `json:"prompt_eval_count"`
	EvalCount       *int   `json:"eval_count"`
}

func (b generateResponseBody) promptTokens() int {
	if b.PromptEvalCount == nil {
		return 0
	}
	return *b.PromptEvalCount
}

func (b generateResponseBody) completionTokens() int {
	if b.EvalCount == nil {
		return 0
	}
	return *b.EvalCount
}

// StreamChunk is one piece of a streaming generation. The final chunk in a
// stream has Done=true and carries the aggregate token counts.
type StreamChunk struct {
	Text             string
	Done             bool
	PromptTokens     int
	CompletionTokens int
	FinishReason     types.FinishReason
}

const defaultBaseDelay = 200 * time.Millisecond

// Provider dispatches requests to downstream instances over HTTP, applying
// per-instance concurrency limiting and retry.
type Provider struct {
	client *http.Client
	logger *zap.SugaredLogger

	maxConcurrent    int64
	baseDelay        time.Duration
	maxRetryAttempts int
	semMu            sync.Mutex
	sems             map[string]*semaphore.Weighted
}

// New returns a Provider. maxConcurrent is maxConcurrentRequests (§6),
// applied per instance. The retry backoff base delay defaults to 200ms;
// override it with WithBaseDelay.
func New(client *http.Client, maxConcurrent int, logger *zap.SugaredLogger) *Provider {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Provider{
		client:           client,
		logger:           logger,
		maxConcurrent:    int64(maxConcurrent),
		baseDelay:        defaultBaseDelay,
		maxRetryAttempts: defaultMaxRetryAttempts,
		sems:             make(map[string]*semaphore.Weighted),
	}
}

// WithBaseDelay overrides the exponential backoff base delay (2^n *
// baseDelay per §4.F), primarily so tests don't pay real wall-clock retry
// delays.
func (p *Provider) WithBaseDelay(d time.Duration) *Provider {
	p.baseDelay = d
	return p
}

// WithMaxRetries overrides the number of attempts Generate makes against a
// single instance before giving up (maxRetries, §6). n <= 0 is ignored.
func (p *Provider) WithMaxRetries(n int) *Provider {
	if n > 0 {
		p.maxRetryAttempts = n
	}
	return p
}

func (p *Provider) semaphoreFor(instanceID string) *semaphore.Weighted {
	p.semMu.Lock()
	defer p.semMu.Unlock()
	if sem, ok := p.sems[instanceID]; ok {
		return sem
	}
	sem := semaphore.NewWeighted(p.maxConcurrent)
	p.sems[instanceID] = sem
	return sem
}

// Generate sends one non-streaming request to instance and returns its
// response, making at most maxRetryAttempts attempts in total and retrying
// transient failures with exponential backoff. A transient failure on the
// last attempt is returned as Downstream. Rate-limit acquisition blocks
// until a semaphore slot is free or ctx is cancelled.
func (p *Provider) Generate(ctx context.Context, inst *types.Instance, req *types.InferenceRequest) (types.InferenceResponse, error) {
	sem := p.semaphoreFor(inst.ID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return types.InferenceResponse{}, errs.New("provider.Generate", errs.KindCancelled, err)
	}
	defer sem.Release(1)

	var resp types.InferenceResponse
	attempt := 0
	op := func() error {
		attempt++
		r, err := p.doGenerate(ctx, inst, req)
		if err != nil {
			if errs.Retryable(err) && attempt < p.maxRetryAttempts {
				metrics.RetryAttemptsTotal.WithLabelValues(inst.ID).Inc()
				p.logger.Warnw("retrying transient provider failure", "instanceId", inst.ID, "attempt", attempt, "error", err)
				return err
			}
			if errs.Retryable(err) {
				return backoff.Permanent(errs.New("provider.Generate", errs.KindDownstream, err))
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.baseDelay
	expBackoff.Multiplier = 2
	bo := backoff.WithMaxRetries(expBackoff, uint64(p.maxRetryAttempts-1))
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return types.InferenceResponse{}, unwrapPermanent(err)
	}
	return resp, nil
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if ok := errorsAs(err, &perm); ok {
		return perm.Err
	}
	return err
}

// errorsAs is a tiny local errors.As to avoid importing the stdlib errors
// package solely for one call site already covered by errs' own chain walk.
func errorsAs(err error, target **backoff.PermanentError) bool {
	for err != nil {
		if pe, ok := err.(*backoff.PermanentError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (p *Provider) doGenerate(ctx context.Context, inst *types.Instance, req *types.InferenceRequest) (types.InferenceResponse, error) {
	start := time.Now()

	body := generateRequestBody{
		Model:  req.ModelID,
		Prompt: normalizePrompt(req.Prompt),
		System: normalizePrompt(req.SystemPrompt),
		Options: generateOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
			Stop:        req.StopSequences,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return types.InferenceResponse{}, errs.New("provider.doGenerate", errs.KindValidation, err)
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, inst.BaseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return types.InferenceResponse{}, errs.New("provider.doGenerate", errs.KindValidation, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return types.InferenceResponse{}, classifyContextErr(ctx, reqCtx, "provider.doGenerate", err)
	}
	defer func() { _ = resp.Body.Close() }()

	latency := float64(time.Since(start).Milliseconds())

	if err := classifyStatus(resp.StatusCode); err != nil {
		return types.InferenceResponse{}, err
	}

	var out generateResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.InferenceResponse{}, errs.New("provider.doGenerate", errs.KindParseError, err)
	}

	promptTokens := out.promptTokens()
	completionTokens := out.completionTokens()

	return types.InferenceResponse{
		Text:             out.Response,
		ModelID:          req.ModelID,
		InstanceID:       inst.ID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMs:        latency,
		FinishReason:     finishReasonFrom(out.Done, completionTokens, req.MaxTokens),
	}, nil
}

// GenerateStream sends one streaming request and invokes onChunk for every
// text chunk as it arrives. onChunk is called from the goroutine running
// GenerateStream; callers must not assume concurrent delivery (single
// consumer, §4.F).
func (p *Provider) GenerateStream(ctx context.Context, inst *types.Instance, req *types.InferenceRequest, onChunk func(StreamChunk) error) error {
	sem := p.semaphoreFor(inst.ID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return errs.New("provider.GenerateStream", errs.KindCancelled, err)
	}
	defer sem.Release(1)

	body := generateRequestBody{
		Model:  req.ModelID,
		Prompt: normalizePrompt(req.Prompt),
		System: normalizePrompt(req.SystemPrompt),
		Stream: true,
		Options: generateOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
			Stop:        req.StopSequences,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.New("provider.GenerateStream", errs.KindValidation, err)
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, inst.BaseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return errs.New("provider.GenerateStream", errs.KindValidation, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return classifyContextErr(ctx, reqCtx, "provider.GenerateStream", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk generateResponseBody
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return errs.New("provider.GenerateStream", errs.KindParseError, err)
		}
		completionTokens := chunk.completionTokens()
		var reason types.FinishReason
		if chunk.Done {
			reason = finishReasonFrom(chunk.Done, completionTokens, req.MaxTokens)
		}
		if err := onChunk(StreamChunk{
			Text:             chunk.Response,
			Done:             chunk.Done,
			PromptTokens:     chunk.promptTokens(),
			CompletionTokens: completionTokens,
			FinishReason:     reason,
		}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errs.New("provider.GenerateStream", errs.KindTransient, err)
	}
	return nil
}

// EstimateCost returns the estimated dollar cost of req against inst. Local
// instances are always free; cloud-backed instances would price by token
// count, but no cloud providers are wired into this balancer (§4.F).
func (p *Provider) EstimateCost(inst *types.Instance, req *types.InferenceRequest) float64 {
	_ = inst
	_ = req
	return 0
}

type embedRequestBody struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponseBody struct {
	Embedding []float64 `json:"embedding"`
}

// Embed sends one request to the downstream embeddings endpoint (§6) and
// returns the vector. It shares inst's concurrency semaphore with
// Generate/GenerateStream but is not retried: embeddings are not on the
// generation retry/failover path.
func (p *Provider) Embed(ctx context.Context, inst *types.Instance, modelID, prompt string) ([]float64, error) {
	sem := p.semaphoreFor(inst.ID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, errs.New("provider.Embed", errs.KindCancelled, err)
	}
	defer sem.Release(1)

	payload, err := json.Marshal(embedRequestBody{Model: modelID, Prompt: normalizePrompt(prompt)})
	if err != nil {
		return nil, errs.New("provider.Embed", errs.KindValidation, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, inst.BaseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, errs.New("provider.Embed", errs.KindValidation, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyContextErr(ctx, reqCtx, "provider.Embed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var out embedResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.New("provider.Embed", errs.KindParseError, err)
	}
	return out.Embedding, nil
}

// classifyContextErr distinguishes caller-initiated cancellation (the
// parent ctx) from the Provider's own timeoutMs deadline (reqCtx) elapsing,
// so the Dispatcher's accounting treats them per §5/§7: cancellation never
// increments errorCount, a timeout does.
func classifyContextErr(ctx, reqCtx context.Context, op string, cause error) error {
	if ctx.Err() != nil {
		return errs.New(op, errs.KindCancelled, cause)
	}
	if reqCtx.Err() != nil {
		return errs.New(op, errs.KindTimeout, cause)
	}
	return errs.New(op, errs.KindTransient, cause)
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return errs.New("provider", errs.KindTransient, fmt.Errorf("status %d", status))
	case status >= 500:
		return errs.New("provider", errs.KindTransient, fmt.Errorf("status %d", status))
	case status >= 400:
		return errs.New("provider", errs.KindDownstream, fmt.Errorf("status %d", status))
	default:
		return errs.New("provider", errs.KindDownstream, fmt.Errorf("status %d", status))
	}
}

// finishReasonFrom derives a FinishReason from the wire response, which
// carries no such field (§6): done=false never happens for a completed
// non-streaming call or terminal stream chunk, so reaching here with
// done=true and a completion count at or past the requested cap means
// generation was cut off by maxTokens rather than a natural stop.
func finishReasonFrom(done bool, completionTokens, maxTokens int) types.FinishReason {
	if !done {
		return types.FinishError
	}
	if maxTokens > 0 && completionTokens >= maxTokens {
		return types.FinishMaxTokens
	}
	return types.FinishStop
}

// normalizePrompt collapses internal whitespace runs. It is idempotent:
// normalizing an already-normalized string is a no-op, satisfying the
// "pass through verbatim or normalize idempotently" requirement (§4.F).
func normalizePrompt(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
