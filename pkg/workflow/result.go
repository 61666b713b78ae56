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

import (
	"fmt"

	"github.com/ryansmccoy/spine-core/pkg/errors"
)

// QualityMetrics carries a step's optional data-quality gate outcome.
type QualityMetrics struct {
	RowsIn   int64 `json:"rows_in,omitempty"`
	RowsOut  int64 `json:"rows_out,omitempty"`
	Rejected int64 `json:"rejected,omitempty"`
	Passed   bool  `json:"passed"`
}

// StepResult is what a step hands back to the runner.
type StepResult struct {
	// Success marks the step outcome.
	Success bool `json:"success"`

	// Output is merged into the context under the step's name.
	Output map[string]any `json:"output,omitempty"`

	// Error describes the failure.
	Error string `json:"error,omitempty"`

	// Category classifies the failure.
	Category errors.Category `json:"error_category,omitempty"`

	// ContextUpdates are merged into the shared params.
	ContextUpdates map[string]any `json:"context_updates,omitempty"`

	// NextStep fast-forwards the sequential runner to the named step.
	NextStep string `json:"next_step,omitempty"`

	// Quality carries a quality-gate outcome, if the step ran one.
	Quality *QualityMetrics `json:"quality,omitempty"`
}

// OK returns a successful result with the given output.
func OK(output map[string]any) *StepResult {
	return &StepResult{Success: true, Output: output}
}

// Fail returns a failed result.
func Fail(message string, category errors.Category) *StepResult {
	if category == "" {
		category = errors.CategoryInternal
	}
	return &StepResult{Success: false, Error: message, Category: category}
}

// ResultFromValue coerces an arbitrary handler return value into a
// StepResult. A *StepResult passes through unchanged, so the coercion is
// idempotent.
func ResultFromValue(v any) *StepResult {
	switch val := v.(type) {
	case nil:
		return OK(map[string]any{})
	case *StepResult:
		if val == nil {
			return OK(map[string]any{})
		}
		return val
	case StepResult:
		return &val
	case bool:
		if val {
			return OK(map[string]any{})
		}
		return Fail("handler returned false", errors.CategoryInternal)
	case string:
		return OK(map[string]any{"message": val})
	case int:
		return OK(map[string]any{"value": val})
	case int64:
		return OK(map[string]any{"value": val})
	case float64:
		return OK(map[string]any{"value": val})
	case map[string]any:
		return OK(val)
	case error:
		return Fail(val.Error(), errors.CategoryOf(val))
	default:
		return OK(map[string]any{"result": fmt.Sprintf("%v", val)})
	}
}
