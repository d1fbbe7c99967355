package urn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/pkg/engine"
)

func TestParse_RoundTrip(t *testing.T) {
	inputs := []string{
		"job://proj1/train:abc123",
		"job+build://proj1/train:abc123",
		"dbt+transform://analytics/daily-orders:7f3c9e2a-11aa-4b8e-9d3c-0c5e2f1a9b77",
		"job://p/n:v",
		"job+job://my_project/model.v2:1.0.0",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			id, err := Parse(in)
			require.NoError(t, err)

			out, err := Build(id)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestParse_Fields(t *testing.T) {
	id, err := Parse("job+build://proj1/train:abc123")
	require.NoError(t, err)

	assert.Equal(t, Identifier{
		Kind:    "job",
		Action:  "build",
		Project: "proj1",
		Name:    "train",
		Version: "abc123",
	}, id)
}

func TestParse_Malformed(t *testing.T) {
	inputs := map[string]string{
		"empty":             "",
		"no scheme":         "proj1/train:abc123",
		"no slash":          "job://proj1train:abc123",
		"no colon":          "job://proj1/train",
		"empty project":     "job:///train:abc123",
		"empty name":        "job://proj1/:abc123",
		"empty version":     "job://proj1/train:",
		"empty kind":        "://proj1/train:abc123",
		"empty action":      "job+://proj1/train:abc123",
		"uppercase kind":    "Job://proj1/train:abc123",
		"nested path":       "job://proj1/a/b:v1",
		"colon inside name": "job://proj1/a:b:v1",
	}

	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, engine.ErrMalformedIdentifier), "got %v", err)
		})
	}
}

func TestCodec_UnknownKind(t *testing.T) {
	codec := NewCodec("job", "dbt")

	_, err := codec.Parse("job://proj1/train:v1")
	require.NoError(t, err)

	_, err = codec.Parse("spark://proj1/train:v1")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrMalformedIdentifier)
}

func TestParseTask(t *testing.T) {
	ref, err := ParseTask("job://proj1/train:v1")
	require.NoError(t, err)

	assert.Equal(t, "job", ref.Runtime)
	assert.Empty(t, ref.Task)
	assert.Equal(t, "proj1", ref.Project)
	assert.Equal(t, "train", ref.Function)
	assert.Equal(t, "v1", ref.Version)

	s, err := BuildTask(ref)
	require.NoError(t, err)
	assert.Equal(t, "job://proj1/train:v1", s)
}

func TestParseRun(t *testing.T) {
	ref, err := ParseRun("job+build://proj1/train:v1")
	require.NoError(t, err)
	assert.Equal(t, "job", ref.Runtime)
	assert.Equal(t, "build", ref.Task)

	_, err = ParseRun("job://proj1/train:v1")
	assert.ErrorIs(t, err, engine.ErrMalformedIdentifier)
}

func TestTaskRef_ForTask(t *testing.T) {
	ref, err := ParseTask("job://proj1/train:v1")
	require.NoError(t, err)

	s, err := BuildRun(ref.ForTask("job"))
	require.NoError(t, err)
	assert.Equal(t, "job+job://proj1/train:v1", s)

	_, err = BuildRun(ref.ForTask(""))
	assert.ErrorIs(t, err, engine.ErrMalformedIdentifier)
}
