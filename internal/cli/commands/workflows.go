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

package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ryansmccoy/spine-core/pkg/errors"
	"github.com/ryansmccoy/spine-core/pkg/workflow"
)

// NewWorkflowsCommand creates the workflows area.
func NewWorkflowsCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect and run registered workflows",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			names := a.Registry.Workflows()
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), names)
			}
			tw := table(cmd.OutOrStdout())
			row(tw, "NAME", "STEPS", "MODE")
			for _, name := range names {
				wf, err := a.Registry.Workflow(name)
				if err != nil {
					continue
				}
				mode := wf.Policy.Mode
				if mode == "" {
					mode = workflow.ModeSequential
				}
				row(tw, wf.Name, len(wf.Steps), mode)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(list)

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a workflow's step breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			wf, err := a.Registry.Workflow(args[0])
			if err != nil {
				return err
			}
			if opts.JSON {
				m, err := wf.ToMap()
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s (%d steps)\n", wf.Name, len(wf.Steps))
			tw := table(cmd.OutOrStdout())
			row(tw, "STEP", "TYPE", "DEPENDS_ON", "ON_ERROR")
			for _, s := range wf.Steps {
				row(tw, s.Name, s.Type, fmt.Sprintf("%v", s.DependsOn), s.OnError)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(show)

	var (
		runParams string
		runDry    bool
	)
	run := &cobra.Command{
		Use:   "run <name>",
		Short: "Run a registered workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params map[string]any
			if runParams != "" {
				if err := json.Unmarshal([]byte(runParams), &params); err != nil {
					return &errors.ValidationError{Field: "params",
						Message: "params must be a JSON object: " + err.Error()}
				}
			}

			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.RunWorkflow(cmd.Context(), args[0], params, runDry)
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s finished %s\n", result.RunID, result.Status)
			tw := table(cmd.OutOrStdout())
			row(tw, "STEP", "STATE", "ERROR")
			for _, s := range result.Steps {
				row(tw, s.Name, s.State, s.Error)
			}
			return tw.Flush()
		},
	}
	run.Flags().StringVar(&runParams, "params", "", "Parameters as a JSON object")
	run.Flags().BoolVar(&runDry, "dry-run", false, "Skip pipeline and wait steps")
	cmd.AddCommand(run)

	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a declarative workflow file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return &errors.ValidationError{Field: "file", Message: err.Error()}
			}
			var wf workflow.Workflow
			if err := yaml.Unmarshal(raw, &wf); err != nil {
				return &errors.ValidationError{Field: "file",
					Message: "invalid workflow YAML: " + err.Error()}
			}
			if err := wf.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %s is valid (%d steps)\n", wf.Name, len(wf.Steps))
			return nil
		},
	}
	cmd.AddCommand(validate)

	return cmd
}
