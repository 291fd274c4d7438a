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

type cacheInspectResponse struct {
	Entries int `json:"entries"`
}

// NewCacheCommand creates the cache command, with inspect and clear
// subcommands against the balancer's response cache.
func NewCacheCommand(addr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the balancer's response cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Show the number of cached responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp cacheInspectResponse
			if err := getJSON(cmd.Context(), *addr, "/v1/cache", &resp); err != nil {
				return fmt.Errorf("fetching cache: %w", err)
			}
			fmt.Printf("entries: %d\n", resp.Entries)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Evict every cached response",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := deleteJSON(cmd.Context(), *addr, "/v1/cache"); err != nil {
				return fmt.Errorf("clearing cache: %w", err)
			}
			fmt.Println("cache cleared")
			return nil
		},
	})

	return cmd
}
