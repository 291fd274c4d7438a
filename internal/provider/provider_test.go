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

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/defilantech/inferencebalancer/internal/errs"
	"github.com/defilantech/inferencebalancer/internal/types"
)

func testInstance(baseURL string) *types.Instance {
	return &types.Instance{ID: "inst-1", BaseURL: baseURL, IsHealthy: true}
}

func intPtr(n int) *int { return &n }

func TestGenerateSuccessParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Options.NumPredict != 10 {
			t.Errorf("expected options.num_predict=10, got %d", req.Options.NumPredict)
		}
		_ = json.NewEncoder(w).Encode(generateResponseBody{
			Response: "hello", Done: true,
			PromptEvalCount: intPtr(3), EvalCount: intPtr(5),
		})
	}))
	defer srv.Close()

	p := New(srv.Client(), 4, nil)
	resp, err := p.Generate(context.Background(), testInstance(srv.URL), &types.InferenceRequest{ModelID: "m", Prompt: "hi", MaxTokens: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "hello" || resp.CompletionTokens != 5 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.FinishReason != types.FinishStop {
		t.Errorf("expected finish reason stop (5 completion tokens < requested 10), got %v", resp.FinishReason)
	}
}

func TestGenerateFinishReasonMaxTokensWhenCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponseBody{
			Response: "hello", Done: true,
			PromptEvalCount: intPtr(3), EvalCount: intPtr(10),
		})
	}))
	defer srv.Close()

	p := New(srv.Client(), 4, nil)
	resp, err := p.Generate(context.Background(), testInstance(srv.URL), &types.InferenceRequest{ModelID: "m", Prompt: "hi", MaxTokens: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FinishReason != types.FinishMaxTokens {
		t.Errorf("expected finish reason maxTokens (10 completion tokens >= requested 10), got %v", resp.FinishReason)
	}
}

func TestGenerateFinishReasonStopWhenUnderMaxTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponseBody{
			Response: "pong", Done: true,
			PromptEvalCount: intPtr(1), EvalCount: intPtr(1),
		})
	}))
	defer srv.Close()

	p := New(srv.Client(), 4, nil)
	resp, err := p.Generate(context.Background(), testInstance(srv.URL), &types.InferenceRequest{ModelID: "m7", Prompt: "ping", MaxTokens: 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "pong" {
		t.Errorf("expected text %q, got %q", "pong", resp.Text)
	}
	if resp.FinishReason != types.FinishStop {
		t.Errorf("expected finish reason stop, got %v", resp.FinishReason)
	}
}

func TestGenerateRetriesOn503ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(generateResponseBody{Response: "ok", Done: true})
	}))
	defer srv.Close()

	p := New(srv.Client(), 4, nil).WithBaseDelay(time.Millisecond)
	resp, err := p.Generate(context.Background(), testInstance(srv.URL), &types.InferenceRequest{ModelID: "m", Prompt: "hi"})
	if err != nil {
		t.Fatalf("expected eventual success after retries, got %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("expected final retried response, got %+v", resp)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", got)
	}
}

func TestGenerateDoesNotRetry4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := New(srv.Client(), 4, nil)
	_, err := p.Generate(context.Background(), testInstance(srv.URL), &types.InferenceRequest{ModelID: "m", Prompt: "hi"})
	if err == nil {
		t.Fatalf("expected an error for a 400 response")
	}
	if errs.KindOf(err) != errs.KindDownstream {
		t.Errorf("expected KindDownstream, got %v", errs.KindOf(err))
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected no retries on a non-transient 4xx, got %d calls", got)
	}
}

func TestGenerateRetries429(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(generateResponseBody{Response: "ok", Done: true})
	}))
	defer srv.Close()

	p := New(srv.Client(), 4, nil).WithBaseDelay(time.Millisecond)
	_, err := p.Generate(context.Background(), testInstance(srv.URL), &types.InferenceRequest{ModelID: "m", Prompt: "hi"})
	if err != nil {
		t.Fatalf("expected 429 to be retried to success, got %v", err)
	}
}

func TestGenerateGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(srv.Client(), 4, nil).WithBaseDelay(time.Millisecond)
	_, err := p.Generate(context.Background(), testInstance(srv.URL), &types.InferenceRequest{ModelID: "m", Prompt: "hi"})
	if err == nil {
		t.Fatalf("expected a final error once retries are exhausted")
	}
	if got := atomic.LoadInt32(&calls); got != defaultMaxRetryAttempts {
		t.Errorf("expected exactly %d attempts, got %d", defaultMaxRetryAttempts, got)
	}
}

func TestGenerateHonorsWithMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(srv.Client(), 4, nil).WithBaseDelay(time.Millisecond).WithMaxRetries(1)
	_, err := p.Generate(context.Background(), testInstance(srv.URL), &types.InferenceRequest{ModelID: "m", Prompt: "hi"})
	if err == nil {
		t.Fatalf("expected a final error once the single allowed attempt fails")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected exactly 1 attempt with WithMaxRetries(1), got %d", got)
	}
}

func TestGenerateSemaphoreLimitsConcurrencyPerInstance(t *testing.T) {
	var inFlight, maxObserved int32
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if cur <= old || atomic.CompareAndSwapInt32(&maxObserved, old, cur) {
				break
			}
		}
		<-block
		atomic.AddInt32(&inFlight, -1)
		_ = json.NewEncoder(w).Encode(generateResponseBody{Response: "ok", Done: true})
	}))
	defer srv.Close()

	p := New(srv.Client(), 2, nil)
	inst := testInstance(srv.URL)

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			_, _ = p.Generate(context.Background(), inst, &types.InferenceRequest{ModelID: "m", Prompt: "hi", TimeoutMs: 5000})
			done <- struct{}{}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&maxObserved); got > 2 {
		t.Errorf("expected at most 2 concurrent requests to instance with maxConcurrent=2, observed %d", got)
	}
	close(block)
	for i := 0; i < 5; i++ {
		<-done
	}
}

func TestEstimateCostIsZeroForLocal(t *testing.T) {
	p := New(nil, 4, nil)
	cost := p.EstimateCost(&types.Instance{ID: "local"}, &types.InferenceRequest{MaxTokens: 1000})
	if cost != 0 {
		t.Errorf("expected 0 cost for a local instance, got %v", cost)
	}
}

func TestGenerateStreamDeliversChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, chunk := range []generateResponseBody{
			{Response: "Hel"},
			{Response: "lo"},
			{Response: "", Done: true, EvalCount: intPtr(2)},
		} {
			_ = json.NewEncoder(w).Encode(chunk)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p := New(srv.Client(), 4, nil)
	var received []string
	err := p.GenerateStream(context.Background(), testInstance(srv.URL), &types.InferenceRequest{ModelID: "m", Prompt: "hi"}, func(c StreamChunk) error {
		received = append(received, c.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(received) != 3 || received[0] != "Hel" || received[1] != "lo" {
		t.Errorf("unexpected chunk sequence: %v", received)
	}
}

func TestEmbedParsesVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Fatalf("expected /embeddings, got %s", r.URL.Path)
		}
		var req embedRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Model != "m7" || req.Prompt != "hi" {
			t.Errorf("unexpected embed request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(embedResponseBody{Embedding: []float64{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	p := New(srv.Client(), 4, nil)
	vec, err := p.Embed(context.Background(), testInstance(srv.URL), "m7", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 || vec[1] != 0.2 {
		t.Errorf("unexpected embedding: %v", vec)
	}
}
