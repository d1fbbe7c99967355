package policy

import (
	"time"
)

// BuiltinPolicies returns the admission policies every engine starts with.
func BuiltinPolicies() []Policy {
	now := time.Now()
	policies := []Policy{
		functionProjectPolicy(),
		functionKindPolicy(),
		functionStatePolicy(),
		localParametersPolicy(),
	}
	for i := range policies {
		policies[i].Builtin = true
		policies[i].Enabled = true
		policies[i].CreatedAt = now
		policies[i].UpdatedAt = now
	}
	return policies
}

// functionProjectPolicy rejects runs whose task points at a function of
// another project.
func functionProjectPolicy() Policy {
	return Policy{
		Name:        "function-project-match",
		Description: "The function a run executes must belong to the project named by the task reference",
		Severity:    SeverityError,
		Tags:        []string{"tenancy"},
		Rego: `package runplane.admission.project

import rego.v1

deny contains violation if {
	input.function.project != input.reference.project
	violation := {
		"message": sprintf("function %s belongs to project %s, task references project %s", [input.function.id, input.function.project, input.reference.project]),
		"severity": "error",
	}
}

deny contains violation if {
	input.task.project != ""
	input.task.project != input.reference.project
	violation := {
		"message": sprintf("task %s is registered in project %s, its function reference names %s", [input.task.id, input.task.project, input.reference.project]),
		"severity": "error",
	}
}`,
	}
}

// functionKindPolicy rejects runs whose reference names a runtime the
// function was not registered for.
func functionKindPolicy() Policy {
	return Policy{
		Name:        "function-kind-match",
		Description: "The runtime in the task reference must equal the function kind",
		Severity:    SeverityError,
		Tags:        []string{"consistency"},
		Rego: `package runplane.admission.kind

import rego.v1

deny contains violation if {
	input.function.kind != input.reference.runtime
	violation := {
		"message": sprintf("function %s is a %s function, reference asks for runtime %s", [input.function.id, input.function.kind, input.reference.runtime]),
		"severity": "error",
	}
}`,
	}
}

// functionStatePolicy rejects runs of deleted functions.
func functionStatePolicy() Policy {
	return Policy{
		Name:        "function-not-deleted",
		Description: "Deleted functions cannot be run",
		Severity:    SeverityError,
		Tags:        []string{"lifecycle"},
		Rego: `package runplane.admission.state

import rego.v1

deny contains violation if {
	input.function.state == "DELETED"
	violation := {
		"message": sprintf("function %s is deleted", [input.function.id]),
		"severity": "error",
	}
}`,
	}
}

// localParametersPolicy warns about local runs that carry inputs or
// outputs, which only a dispatched run can resolve.
func localParametersPolicy() Policy {
	return Policy{
		Name:        "local-run-io",
		Description: "Local runs are never dispatched, so their inputs and outputs are not resolved",
		Severity:    SeverityWarning,
		Tags:        []string{"local"},
		Rego: `package runplane.admission.local

import rego.v1

deny contains violation if {
	input.run.spec.local_execution == true
	some key in ["inputs", "outputs"]
	count(object.get(input.run.spec, key, {})) > 0
	violation := {
		"message": sprintf("local run declares %s, they will not be resolved", [key]),
		"severity": "warning",
	}
}`,
	}
}
