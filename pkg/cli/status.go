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

	"github.com/spf13/cobra"
)

type instanceHealth struct {
	ID                string  `json:"id"`
	GpuID             *int    `json:"gpuId,omitempty"`
	Port              int     `json:"port"`
	IsHealthy         bool    `json:"isHealthy"`
	HealthScore       float64 `json:"healthScore"`
	ActiveRequests    int     `json:"activeRequests"`
	SuccessRate       float64 `json:"successRate"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
}

type healthResponse struct {
	Instances []instanceHealth `json:"instances"`
}

// NewStatusCommand creates the status command, showing every instance's
// health as reported by the balancer's own registry and stats ledger.
func NewStatusCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the health of every balancer instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), *addr)
		},
	}
}

func runStatus(ctx context.Context, addr string) error {
	var resp healthResponse
	if err := getJSON(ctx, addr, "/v1/health", &resp); err != nil {
		return fmt.Errorf("fetching health: %w", err)
	}

	if len(resp.Instances) == 0 {
		fmt.Println("no instances provisioned")
		return nil
	}

	fmt.Printf("%-16s %-6s %-8s %-6s %-12s %-9s %s\n",
		"INSTANCE", "GPU", "HEALTHY", "SCORE", "ACTIVE", "SUCCESS%", "AVG LATENCY")
	for _, inst := range resp.Instances {
		gpu := "-"
		if inst.GpuID != nil {
			gpu = fmt.Sprintf("%d", *inst.GpuID)
		}
		fmt.Printf("%-16s %-6s %-8t %-6.2f %-12d %-9.1f %.0fms\n",
			inst.ID, gpu, inst.IsHealthy, inst.HealthScore, inst.ActiveRequests,
			inst.SuccessRate*100, inst.AvgResponseTimeMs)
	}
	return nil
}
