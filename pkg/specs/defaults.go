package specs

import (
	"github.com/runplane/runplane/pkg/engine"
)

// RegisterDefaults installs the built-in spec kinds.
func RegisterDefaults(r *Registry) error {
	entries := []struct {
		kind    string
		entity  engine.EntityType
		factory Factory
	}{
		{KindJob, engine.EntityFunction, func() Spec { return &JobFunctionSpec{} }},
		{KindDbt, engine.EntityFunction, func() Spec { return &DbtFunctionSpec{} }},

		{KindJob, engine.EntityTask, func() Spec { return &JobTaskSpec{} }},
		{KindBuild, engine.EntityTask, func() Spec { return &BuildTaskSpec{} }},
		{KindTransform, engine.EntityTask, func() Spec { return &TransformTaskSpec{} }},

		{KindRun, engine.EntityRun, func() Spec { return &RunSpec{} }},
		{KindJob, engine.EntityRun, func() Spec { return &RunSpec{} }},
		{KindDbt, engine.EntityRun, func() Spec { return &RunSpec{} }},
		{KindBuild, engine.EntityRun, func() Spec { return &RunSpec{} }},

		{KindPipeline, engine.EntityWorkflow, func() Spec { return &PipelineWorkflowSpec{} }},
	}

	for _, e := range entries {
		if err := r.Register(e.kind, e.entity, e.factory); err != nil {
			return err
		}
	}
	return nil
}

// NewDefaultRegistry returns a registry with the built-in kinds and schemas.
func NewDefaultRegistry() *Registry {
	r := NewRegistry(NewSchemaSet())
	if err := RegisterDefaults(r); err != nil {
		panic(err)
	}
	return r
}
