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

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core/internal/dispatch"
	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/pkg/errors"
)

// NewRunsCommand creates the runs area.
func NewRunsCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Submit and inspect executions",
	}

	var (
		listWorkflow string
		listStatus   string
		listLimit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			execs, total, err := a.Ledger.List(cmd.Context(), repo.ListFilter{
				Workflow: listWorkflow,
				Status:   listStatus,
				Limit:    listLimit,
			})
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"runs": execs, "total": total,
				})
			}
			tw := table(cmd.OutOrStdout())
			row(tw, "ID", "WORKFLOW", "STATUS", "TRIGGER", "STARTED")
			for _, e := range execs {
				started := ""
				if e.StartedAt != nil {
					started = e.StartedAt.Format("2006-01-02 15:04:05")
				}
				row(tw, e.ID, e.Workflow, e.Status, e.TriggerSource, started)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&listWorkflow, "workflow", "", "Filter by workflow")
	list.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	list.Flags().IntVar(&listLimit, "limit", 50, "Maximum rows")
	cmd.AddCommand(list)

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			exec, err := a.Ledger.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), exec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Execution %s\n  workflow: %s\n  status: %s\n  trigger: %s\n",
				exec.ID, exec.Workflow, exec.Status, exec.TriggerSource)
			if exec.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  error: %s\n", exec.Error)
			}
			return nil
		},
	}
	cmd.AddCommand(get)

	events := &cobra.Command{
		Use:   "events <id>",
		Short: "Show an execution's event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.Ledger.Get(cmd.Context(), args[0]); err != nil {
				return err
			}
			evs, err := a.Ledger.Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), evs)
			}
			tw := table(cmd.OutOrStdout())
			row(tw, "TIMESTAMP", "EVENT")
			for _, ev := range evs {
				row(tw, ev.Timestamp.Format("2006-01-02 15:04:05.000"), ev.EventType)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(events)

	var (
		submitParams string
		submitKey    string
	)
	submit := &cobra.Command{
		Use:   "submit <operation>",
		Short: "Submit an operation and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params map[string]any
			if submitParams != "" {
				if err := json.Unmarshal([]byte(submitParams), &params); err != nil {
					return &errors.ValidationError{Field: "params",
						Message: "params must be a JSON object: " + err.Error()}
				}
			}

			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			exec, err := a.Dispatcher.Submit(cmd.Context(), dispatch.SubmitRequest{
				Name:           args[0],
				Params:         params,
				IdempotencyKey: submitKey,
				TriggerSource:  repo.TriggerCLI,
			})
			if err != nil && exec == nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), exec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s finished %s\n", exec.ID, exec.Status)
			if exec.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", exec.Error)
			}
			return nil
		},
	}
	submit.Flags().StringVar(&submitParams, "params", "", "Parameters as a JSON object")
	submit.Flags().StringVar(&submitKey, "idempotency-key", "", "Idempotency key")
	cmd.AddCommand(submit)

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a non-terminal execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			exec, err := a.Dispatcher.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), exec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s cancelled\n", exec.ID)
			return nil
		},
	}
	cmd.AddCommand(cancel)

	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Retry a terminal execution under a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			exec, err := a.Dispatcher.Retry(cmd.Context(), args[0])
			if err != nil && exec == nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), exec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retry run %s finished %s\n", exec.ID, exec.Status)
			return nil
		},
	}
	cmd.AddCommand(retry)

	return cmd
}
