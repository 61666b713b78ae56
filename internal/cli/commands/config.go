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
	"strings"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core/internal/config"
	"github.com/ryansmccoy/spine-core/pkg/errors"
)

// NewConfigCommand creates the config area.
func NewConfigCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect resolved configuration",
	}

	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the resolved settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := opts.loadSettings()
			if err != nil {
				return err
			}
			m := settings.ToMap()

			switch format {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(m)
			case "env":
				for _, k := range config.SortedKeys(m) {
					fmt.Fprintf(cmd.OutOrStdout(), "SPINE_%s=%s\n", strings.ToUpper(k), m[k])
				}
				return nil
			case "table":
				tw := table(cmd.OutOrStdout())
				row(tw, "KEY", "VALUE")
				for _, k := range config.SortedKeys(m) {
					row(tw, k, m[k])
				}
				return tw.Flush()
			default:
				return &errors.ValidationError{Field: "format",
					Message:    fmt.Sprintf("unknown format %q", format),
					Suggestion: "use table, env, or json"}
			}
		},
	}
	show.Flags().StringVar(&format, "format", "table", "Output format: table, env, or json")
	cmd.AddCommand(show)

	return cmd
}

// NewProfileCommand creates the profile area: tier defaults before any
// override.
func NewProfileCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect tier profiles",
	}

	show := &cobra.Command{
		Use:   "show [tier]",
		Short: "Show a tier's default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier := config.TierDev
			if len(args) == 1 {
				tier = config.Tier(args[0])
			}
			switch tier {
			case config.TierDev, config.TierTest, config.TierProd:
			default:
				return &errors.ValidationError{Field: "tier",
					Message:    fmt.Sprintf("unknown tier %q", tier),
					Suggestion: "use dev, test, or prod"}
			}

			m := config.Defaults(tier).ToMap()
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), m)
			}
			tw := table(cmd.OutOrStdout())
			row(tw, "KEY", "VALUE")
			for _, k := range config.SortedKeys(m) {
				row(tw, k, m[k])
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(show)

	return cmd
}
