// Copyright 2025 Ryan McCoy
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

// Package cli assembles the spine command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core/internal/cli/commands"
	"github.com/ryansmccoy/spine-core/pkg/errors"
)

// NewRootCommand creates the root Cobra command for spine.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spine",
		Short: "Spine - data pipeline orchestration",
		Long: `Spine schedules, dispatches, executes, and audits stateful
data-processing jobs against a relational database. Workflows are DAGs of
typed steps; operations are single units of work. Every run and state
transition is recorded in the execution ledger.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	opts := commands.NewGlobalOptions()
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(&opts.EnvDir, "env-dir", ".", "Directory holding the .env layers")

	cmd.AddCommand(
		commands.NewConfigCommand(opts),
		commands.NewProfileCommand(opts),
		commands.NewRunsCommand(opts),
		commands.NewWorkflowsCommand(opts),
		commands.NewSchedulesCommand(opts),
		commands.NewAlertsCommand(opts),
		commands.NewSourcesCommand(opts),
		commands.NewDLQCommand(opts),
	)

	return cmd
}

// HandleExitError prints err and exits with the canonical code: 1 for
// user, validation, and not-found problems; 2 for infrastructure failures.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	switch errors.CategoryOf(err) {
	case errors.CategoryUnavailable, errors.CategoryInternal, errors.CategoryTimeout:
		os.Exit(2)
	default:
		os.Exit(1)
	}
}
