package specs

// PipelineWorkflowSpec describes a workflow of chained runs.
type PipelineWorkflowSpec struct {
	Base `json:"-"`

	Source  string `json:"source,omitempty"`
	Handler string `json:"handler,omitempty"`
	Image   string `json:"image,omitempty"`
}

func (s *PipelineWorkflowSpec) Configure(raw map[string]interface{}) error {
	return configure(&s.Base, s, raw)
}

func (s *PipelineWorkflowSpec) ToMap() map[string]interface{} {
	return toMap(&s.Base, s)
}
