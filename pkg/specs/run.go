package specs

// RunSpec is the spec shared by every run kind. After a runtime build it
// also carries the merged function and task fields as extras.
type RunSpec struct {
	Base `json:"-"`

	// Task is the run reference, runtime+task://project/function:version.
	Task string `json:"task,omitempty"`

	TaskID         string                 `json:"task_id" validate:"required"`
	LocalExecution bool                   `json:"local_execution,omitempty"`
	Inputs         map[string]interface{} `json:"inputs,omitempty"`
	Outputs        map[string]interface{} `json:"outputs,omitempty"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
}

func (s *RunSpec) Configure(raw map[string]interface{}) error {
	return configure(&s.Base, s, raw)
}

func (s *RunSpec) ToMap() map[string]interface{} {
	return toMap(&s.Base, s)
}
