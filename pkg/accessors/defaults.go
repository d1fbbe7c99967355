package accessors

import (
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/specs"
)

// Summarizer is implemented by accessors that can describe their entity in a
// few log-friendly fields.
type Summarizer interface {
	Summary() map[string]interface{}
}

// JobFunctionAccessor reads a container batch function.
type JobFunctionAccessor interface {
	FieldAccessor
	Summarizer

	// Image is image:tag, or the bare image when no tag is set.
	Image() string
	Handler() string
	Command() string
}

// DbtFunctionAccessor reads a SQL transform function.
type DbtFunctionAccessor interface {
	FieldAccessor
	Summarizer

	SQL() string
	Source() string
	Profile() string
}

// RunSpecAccessor reads the run spec shared by every run kind.
type RunSpecAccessor interface {
	RunAccessor
	Summarizer

	TaskID() string
	Parameters() map[string]interface{}
	Inputs() map[string]interface{}
	Outputs() map[string]interface{}
}

// RegisterDefaults installs the kind-specific accessors.
func RegisterDefaults(r *Registry) error {
	if err := r.Register(specs.KindJob, engine.EntityFunction, func(raw map[string]interface{}) FieldAccessor {
		return &jobFunctionAccessor{base: newBase(raw)}
	}); err != nil {
		return err
	}
	if err := r.Register(specs.KindDbt, engine.EntityFunction, func(raw map[string]interface{}) FieldAccessor {
		return &dbtFunctionAccessor{base: newBase(raw)}
	}); err != nil {
		return err
	}
	for _, kind := range []string{specs.KindRun, specs.KindJob, specs.KindDbt, specs.KindBuild} {
		if err := r.Register(kind, engine.EntityRun, func(raw map[string]interface{}) FieldAccessor {
			return &runSpecAccessor{runAccessor: &runAccessor{base: newBase(raw)}}
		}); err != nil {
			return err
		}
	}
	return nil
}

// NewDefaultRegistry returns a registry with the default accessors installed.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	if err := RegisterDefaults(r); err != nil {
		panic(err)
	}
	return r
}

func (b *base) specStr(name string) string {
	s, _ := b.section("spec")[name].(string)
	return s
}

func (b *base) specMap(name string) map[string]interface{} {
	m, _ := b.section("spec")[name].(map[string]interface{})
	return m
}

type jobFunctionAccessor struct {
	*base
}

func (a *jobFunctionAccessor) Image() string {
	image, tag := a.specStr("image"), a.specStr("tag")
	if image == "" || tag == "" {
		return image
	}
	return image + ":" + tag
}

func (a *jobFunctionAccessor) Handler() string { return a.specStr("handler") }
func (a *jobFunctionAccessor) Command() string { return a.specStr("command") }

func (a *jobFunctionAccessor) Summary() map[string]interface{} {
	return map[string]interface{}{"image": a.Image(), "handler": a.Handler()}
}

type dbtFunctionAccessor struct {
	*base
}

func (a *dbtFunctionAccessor) SQL() string     { return a.specStr("sql") }
func (a *dbtFunctionAccessor) Source() string  { return a.specStr("source") }
func (a *dbtFunctionAccessor) Profile() string { return a.specStr("profile") }

func (a *dbtFunctionAccessor) Summary() map[string]interface{} {
	return map[string]interface{}{
		"profile":   a.Profile(),
		"source":    a.Source(),
		"sql_bytes": len(a.SQL()),
	}
}

type runSpecAccessor struct {
	*runAccessor
}

func (a *runSpecAccessor) TaskID() string {
	if s := a.str("task_id"); s != "" {
		return s
	}
	return a.specStr("task_id")
}

func (a *runSpecAccessor) Parameters() map[string]interface{} { return a.specMap("parameters") }
func (a *runSpecAccessor) Inputs() map[string]interface{}     { return a.specMap("inputs") }
func (a *runSpecAccessor) Outputs() map[string]interface{}    { return a.specMap("outputs") }

func (a *runSpecAccessor) Summary() map[string]interface{} {
	return map[string]interface{}{
		"task_id": a.TaskID(),
		"local":   a.LocalExecution(),
		"inputs":  len(a.Inputs()),
		"outputs": len(a.Outputs()),
	}
}
