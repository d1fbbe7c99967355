package specs

// Spec kinds registered by RegisterDefaults.
const (
	KindJob       = "job"
	KindDbt       = "dbt"
	KindBuild     = "build"
	KindTransform = "transform"
	KindRun       = "run"
	KindPipeline  = "pipeline"
)

// SourceSpec points at the code a function was built from.
type SourceSpec struct {
	Source  string `json:"source,omitempty"`
	Handler string `json:"handler,omitempty"`
	Code    string `json:"code,omitempty"`
	Lang    string `json:"lang,omitempty"`
}

// BuildSpec describes how the image of a job function is produced.
type BuildSpec struct {
	BaseImage    string   `json:"base_image,omitempty"`
	Commands     []string `json:"commands,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
}

// JobFunctionSpec is the spec of a container batch function.
type JobFunctionSpec struct {
	Base `json:"-"`

	Image        string      `json:"image,omitempty"`
	Tag          string      `json:"tag,omitempty"`
	Handler      string      `json:"handler,omitempty"`
	Command      string      `json:"command,omitempty"`
	Args         []string    `json:"args,omitempty"`
	Requirements []string    `json:"requirements,omitempty"`
	Source       *SourceSpec `json:"source,omitempty"`
	Build        *BuildSpec  `json:"build,omitempty"`
}

func (s *JobFunctionSpec) Configure(raw map[string]interface{}) error {
	return configure(&s.Base, s, raw)
}

func (s *JobFunctionSpec) ToMap() map[string]interface{} {
	return toMap(&s.Base, s)
}

// ImageRef returns image:tag, or the bare image when no tag is set.
func (s *JobFunctionSpec) ImageRef() string {
	if s.Tag == "" {
		return s.Image
	}
	return s.Image + ":" + s.Tag
}

// DbtFunctionSpec is the spec of a SQL transform function.
type DbtFunctionSpec struct {
	Base `json:"-"`

	SQL     string      `json:"sql" validate:"required"`
	Source  *SourceSpec `json:"source,omitempty"`
	Profile string      `json:"profile,omitempty"`
}

func (s *DbtFunctionSpec) Configure(raw map[string]interface{}) error {
	return configure(&s.Base, s, raw)
}

func (s *DbtFunctionSpec) ToMap() map[string]interface{} {
	return toMap(&s.Base, s)
}
