package urn

import (
	"github.com/runplane/runplane/pkg/engine"
)

// TaskRef is the function reference stored on a task:
// runtime[+task]://project/function:version. Version is the function id.
type TaskRef struct {
	Runtime  string
	Task     string
	Project  string
	Function string
	Version  string
}

// Identifier converts the reference into its generic form.
func (r TaskRef) Identifier() Identifier {
	return Identifier{
		Kind:    r.Runtime,
		Action:  r.Task,
		Project: r.Project,
		Name:    r.Function,
		Version: r.Version,
	}
}

// String builds the canonical reference string.
func (r TaskRef) String() string {
	return r.Identifier().String()
}

// ForTask returns the run reference for executing this function through taskKind.
func (r TaskRef) ForTask(taskKind string) RunRef {
	ref := r
	ref.Task = taskKind
	return RunRef{TaskRef: ref}
}

// RunRef is the task reference stored on a run. Task always names the task kind.
type RunRef struct {
	TaskRef
}

// ParseTask decodes a task's function reference with the default codec.
func ParseTask(s string) (TaskRef, error) {
	return defaultCodec.ParseTask(s)
}

// BuildTask validates ref and returns its string.
func BuildTask(ref TaskRef) (string, error) {
	return Build(ref.Identifier())
}

// ParseRun decodes a run's task reference with the default codec.
func ParseRun(s string) (RunRef, error) {
	return defaultCodec.ParseRun(s)
}

// BuildRun validates ref and returns its string.
func BuildRun(ref RunRef) (string, error) {
	if ref.Task == "" {
		return "", engine.NewMalformedIdentifierError(ref.TaskRef.String(), "missing task kind")
	}
	return Build(ref.Identifier())
}

func taskRefFrom(id Identifier) TaskRef {
	return TaskRef{
		Runtime:  id.Kind,
		Task:     id.Action,
		Project:  id.Project,
		Function: id.Name,
		Version:  id.Version,
	}
}
