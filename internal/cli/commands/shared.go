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

// Package commands implements the spine CLI areas as thin adapters over
// the platform services.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/ryansmccoy/spine-core/internal/app"
	"github.com/ryansmccoy/spine-core/internal/config"
	"github.com/ryansmccoy/spine-core/internal/log"
	"github.com/ryansmccoy/spine-core/internal/registry"
)

// GlobalOptions carries the persistent flags shared by every area.
type GlobalOptions struct {
	JSON   bool
	EnvDir string

	// BuildRegistry populates operations and workflows before the app
	// opens. main wires the bootstrap registrations through here.
	BuildRegistry func(reg *registry.Registry) error
}

// NewGlobalOptions creates empty options.
func NewGlobalOptions() *GlobalOptions {
	return &GlobalOptions{}
}

// loadSettings resolves the layered configuration.
func (o *GlobalOptions) loadSettings() (config.Settings, error) {
	return config.Load(o.EnvDir)
}

// openApp wires the platform against the configured database.
func (o *GlobalOptions) openApp(ctx context.Context) (*app.App, error) {
	settings, err := o.loadSettings()
	if err != nil {
		return nil, err
	}
	logger := log.New(&log.Config{
		Level:  settings.LogLevel,
		Format: log.Format(settings.LogFormat),
		Output: os.Stderr,
	})
	reg := registry.New()
	if o.BuildRegistry != nil {
		if err := o.BuildRegistry(reg); err != nil {
			return nil, err
		}
	}
	return app.New(ctx, settings, reg, logger)
}

// printJSON writes v as an indented JSON envelope identical to the REST
// response shape.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"data": v})
}

// table starts a tab-aligned writer for human output.
func table(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// row writes one tab-separated table row.
func row(w io.Writer, cols ...any) {
	for i, c := range cols {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, c)
	}
	fmt.Fprintln(w)
}
