package runtimes

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/kinds"
	"github.com/runplane/runplane/pkg/runstate"
	"github.com/runplane/runplane/pkg/specs"
)

// Deps are the collaborators the default strategies need.
type Deps struct {
	Config    Config
	Specs     *specs.Registry
	Functions engine.FunctionRepository
	Client    engine.EngineClient
	Runs      *runstate.Manager
	Logger    zerolog.Logger
}

// RegisterDefaults installs the job and dbt runtimes together with their
// task builders, publishers and polling workflows.
func RegisterDefaults(rts *Registry, regs *kinds.Registries, deps Deps) error {
	if deps.Specs == nil || deps.Functions == nil || deps.Client == nil || deps.Runs == nil {
		return fmt.Errorf("runtimes: incomplete dependencies")
	}

	for _, rt := range []Runtime{NewJobRuntime(deps.Config), NewDbtRuntime(deps.Config)} {
		if err := rts.Register(rt); err != nil {
			return err
		}
	}

	for _, taskKind := range []string{specs.KindJob, specs.KindBuild, specs.KindTransform} {
		b := NewTaskBuilder(taskKind, deps.Specs, deps.Functions, rts, deps.Config)
		if err := regs.Builders.Register(kinds.BuilderKey(taskKind), b); err != nil {
			return err
		}
	}

	publisher := NewEnginePublisher(deps.Client)
	for _, framework := range []string{FrameworkJob, FrameworkBuild, FrameworkDbt} {
		if err := regs.Publishers.Register(kinds.PublisherKey(framework), publisher); err != nil {
			return err
		}
	}

	workflow := NewStatusWorkflow(deps.Client, deps.Runs, deps.Logger)
	for _, key := range []kinds.Key{
		kinds.WorkflowKey(specs.KindJob, specs.KindJob),
		kinds.WorkflowKey(specs.KindJob, specs.KindBuild),
		kinds.WorkflowKey(specs.KindDbt, specs.KindTransform),
	} {
		if err := regs.Workflows.Register(key, workflow); err != nil {
			return err
		}
	}
	return nil
}
