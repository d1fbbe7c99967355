// Package policy admits or denies runs with Open Policy Agent.
//
// Every enabled policy is a Rego module whose package defines a "deny" set.
// Each element is either a message string or an object with "message" and
// an optional "severity". Violations of severity error or critical deny the
// run; lower severities are logged as warnings.
//
// The document evaluated as `input` is:
//
//	{
//	  "run":       {...},  // run fields, project and task reference resolved
//	  "task":      {...},
//	  "function":  {...},
//	  "reference": {"runtime", "task", "project", "function", "version"},
//	  "context":   {"operation": "create_run", "timestamp": ...}
//	}
//
// Built-in policies:
//
//   - function-project-match: the function and the task belong to the
//     project named by the task's function reference
//   - function-kind-match: the referenced runtime equals the function kind
//   - function-not-deleted: deleted functions cannot be run
//   - local-run-io (warning): local runs declaring inputs or outputs
//
// Custom policies are loaded from .rego files (named after the file,
// severity error) or .json policy definitions. Engine.Watch reloads them
// when the files change; built-in policies survive every reload.
package policy
