// Package urn encodes and decodes the identifiers that link a run to its task
// and a task to its function:
//
//	<kind>[+<action>]://<project>/<name>:<version>
//
// For example job://proj1/train:abc123 references function "train" (id abc123)
// of project proj1 for the job runtime, and job+build://proj1/train:abc123
// references the same function through a build task. Parsing is strict: every
// segment must be present and non-empty, and the result always rebuilds into
// the exact input string.
package urn

import (
	"regexp"
	"strings"

	"github.com/runplane/runplane/pkg/engine"
)

const schemeSeparator = "://"

var (
	kindPattern    = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	segmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Identifier is a decoded resource identifier.
type Identifier struct {
	Kind    string
	Action  string
	Project string
	Name    string
	Version string
}

// String builds the canonical identifier string.
func (id Identifier) String() string {
	var b strings.Builder
	b.WriteString(id.Kind)
	if id.Action != "" {
		b.WriteByte('+')
		b.WriteString(id.Action)
	}
	b.WriteString(schemeSeparator)
	b.WriteString(id.Project)
	b.WriteByte('/')
	b.WriteString(id.Name)
	b.WriteByte(':')
	b.WriteString(id.Version)
	return b.String()
}

// Build validates id and returns its canonical string.
func Build(id Identifier) (string, error) {
	s := id.String()
	if err := id.validate(s); err != nil {
		return "", err
	}
	return s, nil
}

// Parse decodes s using the package-level codec, which accepts any
// syntactically valid kind.
func Parse(s string) (Identifier, error) {
	return defaultCodec.Parse(s)
}

func (id Identifier) validate(raw string) error {
	if !kindPattern.MatchString(id.Kind) {
		return engine.NewMalformedIdentifierError(raw, "invalid kind")
	}
	if id.Action != "" && !kindPattern.MatchString(id.Action) {
		return engine.NewMalformedIdentifierError(raw, "invalid action")
	}
	checks := []struct {
		name, value string
	}{
		{"project", id.Project},
		{"name", id.Name},
		{"version", id.Version},
	}
	for _, c := range checks {
		if c.value == "" {
			return engine.NewMalformedIdentifierError(raw, "empty "+c.name)
		}
		if !segmentPattern.MatchString(c.value) {
			return engine.NewMalformedIdentifierError(raw, "invalid "+c.name)
		}
	}
	return nil
}

// Codec parses identifiers, optionally restricted to a fixed set of kinds.
type Codec struct {
	kinds map[string]struct{}
}

var defaultCodec = &Codec{}

// NewCodec returns a codec accepting only the given kinds.
// With no kinds it accepts any syntactically valid kind.
func NewCodec(kinds ...string) *Codec {
	c := &Codec{}
	if len(kinds) > 0 {
		c.kinds = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			c.kinds[k] = struct{}{}
		}
	}
	return c
}

// Parse decodes s into an Identifier.
func (c *Codec) Parse(s string) (Identifier, error) {
	var id Identifier

	scheme, rest, ok := strings.Cut(s, schemeSeparator)
	if !ok {
		return id, engine.NewMalformedIdentifierError(s, "missing \"://\"")
	}
	if scheme == "" {
		return id, engine.NewMalformedIdentifierError(s, "empty kind")
	}

	kind, action, hasAction := strings.Cut(scheme, "+")
	if hasAction && action == "" {
		return id, engine.NewMalformedIdentifierError(s, "empty action")
	}

	project, path, ok := strings.Cut(rest, "/")
	if !ok {
		return id, engine.NewMalformedIdentifierError(s, "missing \"/\"")
	}

	// The version is everything after the last colon so names stay free of it.
	idx := strings.LastIndexByte(path, ':')
	if idx < 0 {
		return id, engine.NewMalformedIdentifierError(s, "missing \":\"")
	}

	id = Identifier{
		Kind:    kind,
		Action:  action,
		Project: project,
		Name:    path[:idx],
		Version: path[idx+1:],
	}
	if err := id.validate(s); err != nil {
		return Identifier{}, err
	}

	if c.kinds != nil {
		if _, known := c.kinds[kind]; !known {
			return Identifier{}, engine.NewMalformedIdentifierError(s, "unknown kind "+kind)
		}
	}

	return id, nil
}

// ParseTask decodes a function reference held by a task.
func (c *Codec) ParseTask(s string) (TaskRef, error) {
	id, err := c.Parse(s)
	if err != nil {
		return TaskRef{}, err
	}
	return taskRefFrom(id), nil
}

// ParseRun decodes the task reference held by a run. The task kind is mandatory.
func (c *Codec) ParseRun(s string) (RunRef, error) {
	id, err := c.Parse(s)
	if err != nil {
		return RunRef{}, err
	}
	if id.Action == "" {
		return RunRef{}, engine.NewMalformedIdentifierError(s, "missing task kind")
	}
	return RunRef{TaskRef: taskRefFrom(id)}, nil
}
