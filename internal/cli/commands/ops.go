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
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/pkg/errors"
)

// NewAlertsCommand creates the alerts area.
func NewAlertsCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Inspect raised alerts",
	}

	var severity string
	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			alerts, _, err := repo.NewAlertRepository(a.DB).List(cmd.Context(), repo.AlertFilter{
				Severity: severity,
				Limit:    100,
			})
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), alerts)
			}
			tw := table(cmd.OutOrStdout())
			row(tw, "ID", "SEVERITY", "TITLE", "SOURCE", "CREATED")
			for _, al := range alerts {
				row(tw, al.ID, al.Severity, al.Title, al.Source,
					al.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&severity, "severity", "", "Filter by severity")
	cmd.AddCommand(list)

	channels := &cobra.Command{
		Use:   "channels",
		Short: "List delivery channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			chans, err := repo.NewAlertRepository(a.DB).ListChannels(cmd.Context())
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), chans)
			}
			tw := table(cmd.OutOrStdout())
			row(tw, "ID", "NAME", "KIND", "ENABLED")
			for _, c := range chans {
				row(tw, c.ID, c.Name, c.Kind, c.Enabled)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(channels)

	return cmd
}

// NewSourcesCommand creates the sources area.
func NewSourcesCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage registered data sources",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			sources, _, err := repo.NewSourceRepository(a.DB).List(cmd.Context(), "", 200, 0)
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), sources)
			}
			tw := table(cmd.OutOrStdout())
			row(tw, "ID", "NAME", "KIND", "URL", "ENABLED")
			for _, s := range sources {
				row(tw, s.ID, s.Name, s.Kind, s.URL, s.Enabled)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(list)

	var (
		addKind string
		addURL  string
	)
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addKind == "" {
				return &errors.ValidationError{Field: "kind", Message: "--kind is required"}
			}
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now().UTC()
			s := &repo.Source{
				ID:        uuid.NewString(),
				Name:      args[0],
				Kind:      addKind,
				URL:       addURL,
				Enabled:   true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := repo.NewSourceRepository(a.DB).Create(cmd.Context(), s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "source %s registered as %s\n", s.Name, s.ID)
			return nil
		},
	}
	add.Flags().StringVar(&addKind, "kind", "", "Source kind, e.g. http, s3, sftp")
	add.Flags().StringVar(&addURL, "url", "", "Source URL")
	cmd.AddCommand(add)

	remove := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ok, err := repo.NewSourceRepository(a.DB).Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return &errors.NotFoundError{Resource: "source", ID: args[0]}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "source %s deleted\n", args[0])
			return nil
		},
	}
	cmd.AddCommand(remove)

	return cmd
}

// NewDLQCommand creates the dlq area.
func NewDLQCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead letters",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List unresolved dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			letters, _, err := a.DLQ.ListUnresolved(cmd.Context(), "", 100, 0)
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), letters)
			}
			tw := table(cmd.OutOrStdout())
			row(tw, "ID", "WORKFLOW", "RETRIES", "REPLAYS", "ERROR")
			for _, d := range letters {
				row(tw, d.ID, d.Workflow,
					fmt.Sprintf("%d/%d", d.RetryCount, d.MaxRetries), d.ReplayCount, d.Error)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(list)

	replay := &cobra.Command{
		Use:   "replay <id>",
		Short: "Replay a dead letter under a new execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return &errors.ValidationError{Field: "id", Message: "id must be an integer"}
			}
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			execID, err := a.DLQ.Replay(cmd.Context(), id, a.Dispatcher)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dead letter %d replayed as run %s\n", id, execID)
			return nil
		},
	}
	cmd.AddCommand(replay)

	var resolvedBy string
	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a dead letter resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if resolvedBy == "" {
				return &errors.ValidationError{Field: "by", Message: "--by is required"}
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return &errors.ValidationError{Field: "id", Message: "id must be an integer"}
			}
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.DLQ.Resolve(cmd.Context(), id, resolvedBy); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dead letter %d resolved\n", id)
			return nil
		},
	}
	resolve.Flags().StringVar(&resolvedBy, "by", "", "Operator name")
	cmd.AddCommand(resolve)

	return cmd
}
