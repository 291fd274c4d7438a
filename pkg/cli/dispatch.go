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
	"fmt"

	"github.com/spf13/cobra"
)

type generateRequest struct {
	ModelID     string  `json:"modelId"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

type generateResponse struct {
	Text             string  `json:"text"`
	ModelID          string  `json:"modelId"`
	InstanceID       string  `json:"instanceId"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	LatencyMs        float64 `json:"latencyMs"`
	FinishReason     string  `json:"finishReason"`
	Cached           bool    `json:"cached"`
}

// NewDispatchCommand creates the dispatch command, sending one ad-hoc
// generate request through the balancer and printing the result.
func NewDispatchCommand(addr *string) *cobra.Command {
	var modelID, prompt string
	var temperature float64
	var maxTokens int

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send a single generate request through the balancer",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := generateRequest{ModelID: modelID, Prompt: prompt, Temperature: temperature, MaxTokens: maxTokens}
			var resp generateResponse
			if err := postJSON(cmd.Context(), *addr, "/v1/generate", req, &resp); err != nil {
				return fmt.Errorf("dispatching request: %w", err)
			}
			fmt.Printf("instance:  %s\n", resp.InstanceID)
			fmt.Printf("latency:   %.0fms\n", resp.LatencyMs)
			fmt.Printf("cached:    %t\n", resp.Cached)
			fmt.Printf("finish:    %s\n", resp.FinishReason)
			fmt.Printf("tokens:    %d prompt / %d completion\n", resp.PromptTokens, resp.CompletionTokens)
			fmt.Printf("\n%s\n", resp.Text)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelID, "model", "", "model identifier to route to (required)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text (required)")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.7, "sampling temperature")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 256, "maximum tokens to generate")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("prompt")

	return cmd
}
