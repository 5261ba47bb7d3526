package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// graphSchema is the structural contract for task-graph documents. Structural
// validation runs first; graph invariants (unique IDs, acyclicity, dependency
// existence) are checked separately because JSON Schema cannot express them.
const graphSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["graph_id", "name", "tasks"],
  "properties": {
    "graph_id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "created_at": {"type": "string"},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title", "role", "deps", "acceptance"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "role": {"type": "string", "minLength": 1},
          "priority": {"type": "integer"},
          "deps": {"type": "array", "items": {"type": "string"}},
          "acceptance": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["cmd"],
              "properties": {
                "cmd": {"type": "string", "minLength": 1},
                "timeout_s": {"type": "integer", "minimum": 1},
                "expected_artifacts": {"type": "array", "items": {"type": "string"}}
              }
            }
          },
          "max_retries": {"type": "integer", "minimum": 0},
          "timeout_s": {"type": "integer", "minimum": 1},
          "parent_id": {"type": "string"},
          "branch_reason": {"type": "string"},
          "debug_depth": {"type": "integer", "minimum": 0},
          "metadata": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    }
  }
}`

var compiledGraphSchema = jsonschema.MustCompileString("taskgraph.schema.json", graphSchema)

// InvalidGraphError reports why a task graph was rejected at admission.
type InvalidGraphError struct {
	Reason string
}

func (e *InvalidGraphError) Error() string {
	return "invalid graph: " + e.Reason
}

// ParseGraph decodes a task-graph document (YAML or JSON), validates it
// against the schema, and returns the typed graph. Graph invariants are NOT
// checked here; call Validate on the result.
func ParseGraph(data []byte) (*TaskGraph, error) {
	// YAML is a superset of JSON, so one decode path covers both. The
	// document is round-tripped through encoding/json so the schema
	// validator sees canonical types.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse graph document: %w", err)
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize graph document: %w", err)
	}

	var v any
	if err := json.Unmarshal(canonical, &v); err != nil {
		return nil, fmt.Errorf("canonicalize graph document: %w", err)
	}
	if err := compiledGraphSchema.Validate(v); err != nil {
		return nil, &InvalidGraphError{Reason: err.Error()}
	}

	var g TaskGraph
	if err := json.Unmarshal(canonical, &g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	return &g, nil
}

// Validate checks the graph invariants required for admission: unique task
// IDs, every dependency references an existing task, dependency edges form a
// DAG, and acceptance descriptors are well-formed.
func (g *TaskGraph) Validate() error {
	if g.GraphID == "" {
		return &InvalidGraphError{Reason: "graph_id is required"}
	}
	if g.Name == "" {
		return &InvalidGraphError{Reason: "name is required"}
	}

	seen := make(map[string]bool, len(g.Tasks))
	for _, t := range g.Tasks {
		if t.ID == "" {
			return &InvalidGraphError{Reason: "task id is required"}
		}
		if seen[t.ID] {
			return &InvalidGraphError{Reason: fmt.Sprintf("duplicate task id %s", t.ID)}
		}
		seen[t.ID] = true

		if t.Role == "" {
			return &InvalidGraphError{Reason: fmt.Sprintf("task %s: role is required", t.ID)}
		}
		for _, a := range t.Acceptance {
			if a.Cmd == "" {
				return &InvalidGraphError{Reason: fmt.Sprintf("task %s: acceptance cmd is required", t.ID)}
			}
		}
		if t.MaxRetries < 0 {
			return &InvalidGraphError{Reason: fmt.Sprintf("task %s: max_retries must be >= 0", t.ID)}
		}
		if t.DebugDepth < 0 {
			return &InvalidGraphError{Reason: fmt.Sprintf("task %s: debug_depth must be >= 0", t.ID)}
		}
	}

	for _, t := range g.Tasks {
		for _, dep := range t.Deps {
			if !seen[dep] {
				return &InvalidGraphError{
					Reason: fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep),
				}
			}
		}
	}

	// Kahn's algorithm over the dependency edges; anything left unordered is
	// part of a cycle.
	if _, err := NewDependencyGraph(g.Tasks); err != nil {
		return &InvalidGraphError{Reason: err.Error()}
	}

	return nil
}
