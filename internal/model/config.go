package model

// Configuration is the fully assembled controller configuration: the result
// of merging all configuration documents, instantiating the selected
// scenario, applying profiles and overrides, and evaluating templates.
// After assembly it is treated as read-only.
type Configuration struct {
	Jobs      map[string]*JobTemplate                  `yaml:"jobs" json:"jobs"`
	Scenarios map[string]map[string]*ServiceDependency `yaml:"scenarios" json:"scenarios"`
	Variables map[string]interface{}                   `yaml:"variables" json:"variables"`
}

// ServiceDependency references a job template from a scenario. Arbitrary
// override properties carried alongside Job are applied at the document
// level before the configuration is decoded, so only the reference survives
// here.
type ServiceDependency struct {
	Job string `yaml:"job" json:"job"`
}

// JobTemplate is a single workload definition, deployed to one or more
// agent endpoints.
type JobTemplate struct {
	Source        Source                 `yaml:"source" json:"source"`
	Executable    string                 `yaml:"executable" json:"executable"`
	Arguments     string                 `yaml:"arguments" json:"arguments"`
	Endpoints     []string               `yaml:"endpoints" json:"endpoints"`
	WaitForExit   bool                   `yaml:"waitForExit" json:"waitForExit"`
	Options       JobOptions             `yaml:"options" json:"options"`
	DotNetTrace   bool                   `yaml:"dotNetTrace" json:"dotNetTrace"`
	Collect       bool                   `yaml:"collect" json:"collect"`
	Variables     map[string]interface{} `yaml:"variables" json:"variables"`
	SelfContained bool                   `yaml:"selfContained" json:"selfContained"`
	Service       string                 `yaml:"service" json:"service"`
	DriverVersion int                    `yaml:"driverVersion" json:"driverVersion"`
	RunID         string                 `yaml:"runId" json:"runId"`
}

// Source describes where the agent obtains the workload from. Exactly one
// descriptor is expected for a runnable job; Executable on the template is
// an alternative to a source descriptor.
type Source struct {
	Project     string `yaml:"project" json:"project"`
	DockerFile  string `yaml:"dockerFile" json:"dockerFile"`
	DockerLoad  string `yaml:"dockerLoad" json:"dockerLoad"`
	LocalFolder string `yaml:"localFolder" json:"localFolder"`
}

// JobOptions carries per-job execution options consumed by the controller.
type JobOptions struct {
	RequiredOperatingSystem string `yaml:"requiredOperatingSystem" json:"requiredOperatingSystem"`
	RequiredArchitecture    string `yaml:"requiredArchitecture" json:"requiredArchitecture"`
	TraceOutput             string `yaml:"traceOutput" json:"traceOutput"`
	DiscardResults          bool   `yaml:"discardResults" json:"discardResults"`
}

// HasSource reports whether the job declares any way to obtain a workload.
func (j *JobTemplate) HasSource() bool {
	return j.Executable != "" ||
		j.Source.Project != "" ||
		j.Source.DockerFile != "" ||
		j.Source.DockerLoad != "" ||
		j.Source.LocalFolder != ""
}
