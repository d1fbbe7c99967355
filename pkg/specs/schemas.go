package specs

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/runplane/runplane/pkg/engine"
)

// SchemaSet holds CUE constraints checked against raw spec maps before they
// are decoded. Schemas are open structs: unknown keys always pass.
type SchemaSet struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[registryKey]cue.Value
}

// NewSchemaSet creates a schema set with the built-in schemas.
func NewSchemaSet() *SchemaSet {
	ss := &SchemaSet{
		ctx:     cuecontext.New(),
		schemas: make(map[registryKey]cue.Value),
	}

	for key, src := range builtinSchemas {
		if err := ss.Register(key.kind, key.entity, src); err != nil {
			panic(fmt.Sprintf("built-in schema %s/%s: %v", key.entity, key.kind, err))
		}
	}
	return ss
}

// Register compiles and stores a CUE schema for (kind, entity).
func (ss *SchemaSet) Register(kind string, entity engine.EntityType, schema string) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	val := ss.ctx.CompileString(schema, cue.Filename(fmt.Sprintf("%s_%s.cue", entity, kind)))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}
	ss.schemas[registryKey{kind: kind, entity: entity}] = val
	return nil
}

// Validate unifies raw with the schema for (kind, entity). Kinds without a
// schema pass.
func (ss *SchemaSet) Validate(kind string, entity engine.EntityType, raw map[string]interface{}) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	schema, ok := ss.schemas[registryKey{kind: kind, entity: entity}]
	if !ok {
		return nil
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}

	data := ss.ctx.Encode(raw)
	if err := data.Err(); err != nil {
		return engine.NewValidationError("spec cannot be encoded", err)
	}
	if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return engine.NewValidationError(fmt.Sprintf("%s %s spec violates schema", kind, entity), err)
	}
	return nil
}

var builtinSchemas = map[registryKey]string{
	{kind: KindJob, entity: engine.EntityFunction}: `
image?:        string & =~"^[^\\s]+$"
tag?:          string
handler?:      string
command?:      string
args?:         [...string]
requirements?: [...string]
...
`,
	{kind: KindDbt, entity: engine.EntityFunction}: `
sql?:     string & !=""
profile?: string
...
`,
	{kind: KindJob, entity: engine.EntityTask}: `
function: string & !=""
resources?: {
	cpu?:    string
	memory?: string
	gpu?:    string
	...
}
backoff_limit?: number & >=0
...
`,
	{kind: KindBuild, entity: engine.EntityTask}: `
function:      string & !=""
target_image?: string & !=""
instructions?: [...string]
...
`,
	{kind: KindTransform, entity: engine.EntityTask}: `
function: string & !=""
...
`,
}
