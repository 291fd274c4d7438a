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

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type benchmarkOptions struct {
	addr        string
	modelID     string
	prompt      string
	iterations  int
	maxTokens   int
	temperature float64
}

// NewBenchmarkCommand creates the benchmark command, firing a fixed number
// of sequential /v1/generate requests and reporting latency percentiles.
func NewBenchmarkCommand(addr *string) *cobra.Command {
	opts := &benchmarkOptions{}

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Measure generate latency against a running balancer",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.addr = *addr
			return runBenchmark(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.modelID, "model", "", "model identifier to route to (required)")
	cmd.Flags().StringVar(&opts.prompt, "prompt", "Explain quantum computing in one paragraph.", "prompt text")
	cmd.Flags().IntVar(&opts.iterations, "iterations", 10, "number of sequential requests to send")
	cmd.Flags().IntVar(&opts.maxTokens, "max-tokens", 128, "maximum tokens to generate per request")
	cmd.Flags().Float64Var(&opts.temperature, "temperature", 0.7, "sampling temperature")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

func runBenchmark(ctx context.Context, opts *benchmarkOptions) error {
	fmt.Printf("benchmarking %s against %s (%d iterations)\n", opts.modelID, opts.addr, opts.iterations)

	results := make([]BenchmarkResult, 0, opts.iterations)
	startTime := time.Now()

	for i := 0; i < opts.iterations; i++ {
		req := generateRequest{
			ModelID:     opts.modelID,
			Prompt:      opts.prompt,
			Temperature: opts.temperature,
			MaxTokens:   opts.maxTokens,
		}

		iterStart := time.Now()
		var resp generateResponse
		err := postJSON(ctx, opts.addr, "/v1/generate", req, &resp)
		elapsed := float64(time.Since(iterStart).Milliseconds())

		result := BenchmarkResult{Iteration: i}
		if err != nil {
			result.Error = err.Error()
			fmt.Printf("  [%d] error: %v\n", i, err)
		} else {
			result.LatencyMs = elapsed
			result.InstanceID = resp.InstanceID
			result.Cached = resp.Cached
			fmt.Printf("  [%d] %.0fms instance=%s cached=%t\n", i, elapsed, resp.InstanceID, resp.Cached)
		}
		results = append(results, result)
	}

	summary := calculateSummary(opts, results, startTime)
	printBenchmarkSummary(summary)
	return nil
}

func printBenchmarkSummary(s BenchmarkSummary) {
	fmt.Printf("\n--- summary ---\n")
	fmt.Printf("successful: %d/%d (cache hits: %d)\n", s.SuccessfulRuns, s.Iterations, s.CacheHits)
	fmt.Printf("failed:     %d/%d\n", s.FailedRuns, s.Iterations)
	if s.SuccessfulRuns == 0 {
		return
	}
	fmt.Printf("latency:    min=%.0fms mean=%.0fms p50=%.0fms p95=%.0fms p99=%.0fms max=%.0fms\n",
		s.LatencyMin, s.LatencyMean, s.LatencyP50, s.LatencyP95, s.LatencyP99, s.LatencyMax)
	fmt.Printf("duration:   %s\n", s.Duration.Round(time.Millisecond))
}
