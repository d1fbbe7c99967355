package specs

// Resources are the compute requests of a task.
type Resources struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
	GPU    string `json:"gpu,omitempty"`
}

// IsZero reports whether no resource is requested.
func (r *Resources) IsZero() bool {
	return r == nil || (r.CPU == "" && r.Memory == "" && r.GPU == "")
}

// EnvVar is a single environment variable of a task container.
type EnvVar struct {
	Name  string `json:"name" validate:"required"`
	Value string `json:"value"`
}

// JobTaskSpec binds a function to a container batch job.
type JobTaskSpec struct {
	Base `json:"-"`

	// Function is the function reference, runtime[+task]://project/name:version.
	Function string `json:"function" validate:"required"`

	NodeSelector map[string]string        `json:"node_selector,omitempty"`
	Volumes      []map[string]interface{} `json:"volumes,omitempty"`
	VolumeMounts []map[string]interface{} `json:"volume_mounts,omitempty"`
	Env          []EnvVar                 `json:"env,omitempty" validate:"dive"`
	Resources    *Resources               `json:"resources,omitempty"`
	Secrets      []string                 `json:"secrets,omitempty"`
	BackoffLimit *int                     `json:"backoff_limit,omitempty" validate:"omitempty,gte=0"`
}

func (s *JobTaskSpec) Configure(raw map[string]interface{}) error {
	return configure(&s.Base, s, raw)
}

func (s *JobTaskSpec) ToMap() map[string]interface{} {
	return toMap(&s.Base, s)
}

// BuildTaskSpec builds and pushes the image of a job function.
type BuildTaskSpec struct {
	JobTaskSpec

	Instructions []string `json:"instructions,omitempty"`
	TargetImage  string   `json:"target_image,omitempty"`
}

func (s *BuildTaskSpec) Configure(raw map[string]interface{}) error {
	return configure(&s.Base, s, raw)
}

func (s *BuildTaskSpec) ToMap() map[string]interface{} {
	return toMap(&s.Base, s)
}

// TransformTaskSpec binds a dbt function to a transform execution.
type TransformTaskSpec struct {
	Base `json:"-"`

	Function  string     `json:"function" validate:"required"`
	Env       []EnvVar   `json:"env,omitempty" validate:"dive"`
	Resources *Resources `json:"resources,omitempty"`
}

func (s *TransformTaskSpec) Configure(raw map[string]interface{}) error {
	return configure(&s.Base, s, raw)
}

func (s *TransformTaskSpec) ToMap() map[string]interface{} {
	return toMap(&s.Base, s)
}
