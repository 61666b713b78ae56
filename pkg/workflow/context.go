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

package workflow

// Context is the immutable snapshot a step sees: run identity, parameters,
// and accumulated step outputs. Mutations return new snapshots; the runner
// replaces its current pointer from its single control loop, so escaped
// snapshots never change underneath a reader.
type Context struct {
	runID        string
	workflowName string
	params       map[string]any
	partition    map[string]any
	outputs      map[string]map[string]any
	dryRun       bool
}

// NewContext creates the starting snapshot for a run.
func NewContext(runID, workflowName string, params, partition map[string]any, dryRun bool) *Context {
	return &Context{
		runID:        runID,
		workflowName: workflowName,
		params:       copyMap(params),
		partition:    copyMap(partition),
		outputs:      make(map[string]map[string]any),
		dryRun:       dryRun,
	}
}

// RunID returns the run identifier.
func (c *Context) RunID() string { return c.runID }

// WorkflowName returns the workflow's name.
func (c *Context) WorkflowName() string { return c.workflowName }

// DryRun reports whether the run is a dry run.
func (c *Context) DryRun() bool { return c.dryRun }

// Params returns a copy of the parameter map.
func (c *Context) Params() map[string]any { return copyMap(c.params) }

// Param returns one parameter value.
func (c *Context) Param(key string) (any, bool) {
	v, ok := c.params[key]
	return v, ok
}

// Partition returns a copy of the partition key.
func (c *Context) Partition() map[string]any { return copyMap(c.partition) }

// Output returns a completed step's output.
func (c *Context) Output(stepName string) (map[string]any, bool) {
	out, ok := c.outputs[stepName]
	if !ok {
		return nil, false
	}
	return copyMap(out), true
}

// Outputs returns a copy of all step outputs.
func (c *Context) Outputs() map[string]map[string]any {
	out := make(map[string]map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = copyMap(v)
	}
	return out
}

// WithOutput returns a new snapshot with a step's output recorded.
func (c *Context) WithOutput(stepName string, output map[string]any) *Context {
	next := c.clone()
	next.outputs[stepName] = copyMap(output)
	return next
}

// WithParams returns a new snapshot with updates merged over the params.
func (c *Context) WithParams(updates map[string]any) *Context {
	if len(updates) == 0 {
		return c
	}
	next := c.clone()
	for k, v := range updates {
		next.params[k] = v
	}
	return next
}

// clone copies every layer so snapshots never share mutable state.
func (c *Context) clone() *Context {
	next := &Context{
		runID:        c.runID,
		workflowName: c.workflowName,
		params:       copyMap(c.params),
		partition:    copyMap(c.partition),
		outputs:      make(map[string]map[string]any, len(c.outputs)+1),
		dryRun:       c.dryRun,
	}
	for k, v := range c.outputs {
		next.outputs[k] = copyMap(v)
	}
	return next
}

// exprEnv renders the context for predicate evaluation.
func (c *Context) exprEnv() map[string]any {
	outputs := make(map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		outputs[k] = v
	}
	return map[string]any{
		"params":    c.params,
		"partition": c.partition,
		"outputs":   outputs,
		"dry_run":   c.dryRun,
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
