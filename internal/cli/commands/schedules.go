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
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core/internal/repo"
	"github.com/ryansmccoy/spine-core/internal/scheduler"
	"github.com/ryansmccoy/spine-core/pkg/errors"
)

// NewSchedulesCommand creates the schedules area.
func NewSchedulesCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage periodic triggers",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			schedules, _, err := repo.NewScheduleRepository(a.DB).List(cmd.Context(), repo.ScheduleFilter{Limit: 500})
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), schedules)
			}
			tw := table(cmd.OutOrStdout())
			row(tw, "ID", "NAME", "TARGET", "CADENCE", "ENABLED", "NEXT_RUN")
			for _, s := range schedules {
				cadence := s.CronExpression
				if cadence == "" {
					cadence = fmt.Sprintf("every %ds", s.IntervalSeconds)
				}
				next := ""
				if s.NextRunAt != nil {
					next = s.NextRunAt.Format("2006-01-02 15:04:05")
				}
				row(tw, s.ID, s.Name, fmt.Sprintf("%s:%s", s.TargetType, s.TargetName),
					cadence, s.Enabled, next)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(list)

	var (
		createTarget   string
		createType     string
		createCron     string
		createInterval int
		createTZ       string
		createParams   string
		createGrace    int
	)
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if createTarget == "" {
				return &errors.ValidationError{Field: "target", Message: "--target is required"}
			}
			if createCron == "" && createInterval <= 0 {
				return &errors.ValidationError{Field: "cron",
					Message: "one of --cron or --interval-seconds is required"}
			}
			var params map[string]any
			if createParams != "" {
				if err := json.Unmarshal([]byte(createParams), &params); err != nil {
					return &errors.ValidationError{Field: "params",
						Message: "params must be a JSON object: " + err.Error()}
				}
			}

			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now().UTC()
			grace := createGrace
			if grace <= 0 {
				grace = a.Settings.MisfireGraceSeconds
			}
			s := &repo.Schedule{
				ID:                  uuid.NewString(),
				Name:                args[0],
				TargetType:          repo.ScheduleTargetType(createType),
				TargetName:          createTarget,
				CronExpression:      createCron,
				IntervalSeconds:     createInterval,
				Timezone:            createTZ,
				Params:              params,
				Enabled:             true,
				MaxInstances:        1,
				MisfireGraceSeconds: grace,
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			next, err := scheduler.NextOccurrence(s, now)
			if err != nil {
				return err
			}
			s.NextRunAt = &next

			if err := repo.NewScheduleRepository(a.DB).Create(cmd.Context(), s); err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), s)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schedule %s created, next run %s\n",
				s.Name, next.Format(time.RFC3339))
			return nil
		},
	}
	create.Flags().StringVar(&createTarget, "target", "", "Target operation or workflow name")
	create.Flags().StringVar(&createType, "type", "operation", "Target type: operation or workflow")
	create.Flags().StringVar(&createCron, "cron", "", "Cron expression (5-field)")
	create.Flags().IntVar(&createInterval, "interval-seconds", 0, "Interval in seconds")
	create.Flags().StringVar(&createTZ, "timezone", "UTC", "Timezone for cron evaluation")
	create.Flags().StringVar(&createParams, "params", "", "Parameters as a JSON object")
	create.Flags().IntVar(&createGrace, "misfire-grace-seconds", 0, "Misfire grace window")
	cmd.AddCommand(create)

	remove := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ok, err := repo.NewScheduleRepository(a.DB).Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return &errors.NotFoundError{Resource: "schedule", ID: args[0]}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schedule %s deleted\n", args[0])
			return nil
		},
	}
	cmd.AddCommand(remove)

	runs := &cobra.Command{
		Use:   "runs <id>",
		Short: "Show a schedule's run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			history, err := repo.NewScheduleRepository(a.DB).ListRuns(cmd.Context(), args[0], 50)
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), history)
			}
			tw := table(cmd.OutOrStdout())
			row(tw, "SCHEDULED_FOR", "STATUS", "EXECUTION", "DETAIL")
			for _, run := range history {
				row(tw, run.ScheduledFor.Format("2006-01-02 15:04:05"),
					run.Status, run.ExecutionID, run.Detail)
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(runs)

	return cmd
}
