// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowmesh/control-plane/internal/config"
)

// newMigrateCommand opens the configured backend and closes it again.
// Both the postgres and sqlite backends run their idempotent schema
// migration inside their own New constructor, so simply opening the
// backend is the migration; there is no separate migration runner to
// invoke. The command exists so an operator (or an init container) has
// an explicit, scriptable step to run before the server starts, rather
// than relying on the first serve invocation to apply schema changes.
func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply the store backend's schema migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			backend, err := openBackend(cmd.Context(), cfg.Store)
			if err != nil {
				return fmt.Errorf("running migration: %w", err)
			}
			defer backend.Close()
			cmd.Printf("store backend %q migrated\n", cfg.Store.Kind)
			return nil
		},
	}
}
