package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block admission.
	SeverityWarning Severity = "warning"

	// SeverityError blocks admission.
	SeverityError Severity = "error"

	// SeverityCritical blocks admission.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the run.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents an admission rule with its Rego code.
// The Rego module must define a "deny" set in its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the binary; reloads keep them.
	Builtin bool `json:"builtin,omitempty"`

	Tags     []string               `json:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the run ID that violated the policy.
	Resource string `json:"resource,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	Details map[string]interface{} `json:"details,omitempty"`
}

// Decision is the result of evaluating the enabled policies against one run.
type Decision struct {
	// Allowed is false when any violation has a blocking severity.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Reasons returns the messages of the blocking violations.
func (d *Decision) Reasons() []string {
	var reasons []string
	for _, v := range d.Violations {
		if v.Severity.Blocks() {
			reasons = append(reasons, v.Policy+": "+v.Message)
		}
	}
	return reasons
}

// Input is the document policies see as `input`.
type Input struct {
	// Run is the run being admitted, with project and task reference resolved.
	Run map[string]interface{} `json:"run"`

	Task     map[string]interface{} `json:"task"`
	Function map[string]interface{} `json:"function"`

	// Reference is the decoded function reference of the task.
	Reference *Reference `json:"reference"`

	Context *Context `json:"context"`
}

// Reference is the decoded form of runtime[+task]://project/function:version.
type Reference struct {
	Runtime  string `json:"runtime"`
	Task     string `json:"task"`
	Project  string `json:"project"`
	Function string `json:"function"`
	Version  string `json:"version"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Operation is the operation being admitted (e.g. "create_run").
	Operation string `json:"operation"`

	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Bundle is a named collection of policies stored as one JSON file.
type Bundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
