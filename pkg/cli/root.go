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
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command for the balancer CLI.
func NewRootCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "balancerctl",
		Short: "Talk to a running inference balancer",
		Long: `balancerctl drives a running balancer's HTTP API: check instance
health, inspect or clear the response cache, send one-off generate
requests, and benchmark latency.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "balancer base URL")

	cmd.AddCommand(NewStatusCommand(&addr))
	cmd.AddCommand(NewCacheCommand(&addr))
	cmd.AddCommand(NewDispatchCommand(&addr))
	cmd.AddCommand(NewBenchmarkCommand(&addr))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
